package scope

import (
	"context"
)

// Kind names one of the variable namespaces.
type Kind string

const (
	KindRoom  Kind = "room"
	KindRoute Kind = "route"
	KindNode  Kind = "node"
	KindFlow  Kind = "flow"
)

// Persister saves a scope's full document after each mutation. Every write
// persists synchronously before returning so a conversation observes its own
// writes immediately and durably.
type Persister interface {
	SaveRoomVariables(ctx context.Context, roomID string, vars map[string]any) error
	SaveRouteVariables(ctx context.Context, roomID, clientID string, vars, nodeVars map[string]any) error
}

// Scopes is the merged variable view for one conversation: node-local over
// route over room over flow-level defaults. Writes always target an explicit
// scope chosen by the writer; flow defaults are read-only.
//
// A Scopes value is only ever mutated by the single execution-loop iteration
// currently processing its route, so it carries no internal locking.
type Scopes struct {
	roomID   string
	clientID string

	room     map[string]any
	route    map[string]any
	node     map[string]any
	flowVars map[string]any

	persister Persister
}

// New builds a Scopes over the given documents. Nil documents are replaced
// with empty maps; the flow defaults map is never written to.
func New(roomID, clientID string, room, route, node, flowVars map[string]any, p Persister) *Scopes {
	if room == nil {
		room = map[string]any{}
	}
	if route == nil {
		route = map[string]any{}
	}
	if node == nil {
		node = map[string]any{}
	}
	return &Scopes{
		roomID:    roomID,
		clientID:  clientID,
		room:      room,
		route:     route,
		node:      node,
		flowVars:  flowVars,
		persister: p,
	}
}

// Get reads a variable by path. A leading scope namespace pins the lookup;
// otherwise resolution runs node-local → route → room → flow defaults.
func (s *Scopes) Get(path string) any {
	kind, rest := SplitScope(path)
	segs, err := ParsePath(rest)
	if err != nil {
		return nil
	}

	if kind != KindRoute || rest != path {
		// Explicitly scoped lookup.
		return Get(s.doc(kind), segs)
	}

	for _, doc := range []map[string]any{s.node, s.route, s.room, s.flowVars} {
		if doc == nil {
			continue
		}
		if v := Get(doc, segs); v != nil {
			return v
		}
	}
	return nil
}

// Set writes a variable into the scope named by the path prefix (route when
// unprefixed) and persists the mutated scope synchronously.
func (s *Scopes) Set(ctx context.Context, path string, value any) error {
	kind, rest := SplitScope(path)
	if kind == KindFlow {
		// Flow defaults are read-only; route is the nearest writable scope.
		kind = KindRoute
	}
	segs, err := ParsePath(rest)
	if err != nil {
		return err
	}
	if err := Set(s.doc(kind), segs, value); err != nil {
		return err
	}
	return s.persist(ctx, kind)
}

// Delete removes a variable from the scope named by the path prefix and
// persists the mutated scope synchronously.
func (s *Scopes) Delete(ctx context.Context, path string) error {
	kind, rest := SplitScope(path)
	if kind == KindFlow {
		kind = KindRoute
	}
	segs, err := ParsePath(rest)
	if err != nil {
		return err
	}
	if err := Delete(s.doc(kind), segs); err != nil {
		return err
	}
	return s.persist(ctx, kind)
}

// SetMany applies a batch of writes, persisting each touched scope once.
func (s *Scopes) SetMany(ctx context.Context, values map[string]any) error {
	touched := map[Kind]bool{}
	for path, value := range values {
		kind, rest := SplitScope(path)
		if kind == KindFlow {
			kind = KindRoute
		}
		segs, err := ParsePath(rest)
		if err != nil {
			return err
		}
		if err := Set(s.doc(kind), segs, value); err != nil {
			return err
		}
		touched[kind] = true
	}
	return s.persistTouched(ctx, touched)
}

// DeleteMany applies a batch of deletes, persisting each touched scope once.
func (s *Scopes) DeleteMany(ctx context.Context, paths []string) error {
	touched := map[Kind]bool{}
	for _, path := range paths {
		kind, rest := SplitScope(path)
		if kind == KindFlow {
			kind = KindRoute
		}
		segs, err := ParsePath(rest)
		if err != nil {
			return err
		}
		if err := Delete(s.doc(kind), segs); err != nil {
			return err
		}
		touched[kind] = true
	}
	return s.persistTouched(ctx, touched)
}

// Environment builds the template/condition evaluation environment: the four
// namespaces as explicit maps plus every top-level key flattened by
// precedence (node over route over room over flow).
func (s *Scopes) Environment() map[string]any {
	env := map[string]any{}
	for _, doc := range []map[string]any{s.flowVars, s.room, s.route, s.node} {
		for k, v := range doc {
			env[k] = v
		}
	}
	env["flow"] = s.flowVars
	env["room"] = s.room
	env["route"] = s.route
	env["node"] = s.node
	return env
}

// Documents exposes the raw scope documents for persistence by the caller.
func (s *Scopes) Documents() (room, route, node map[string]any) {
	return s.room, s.route, s.node
}

func (s *Scopes) doc(kind Kind) map[string]any {
	switch kind {
	case KindRoom:
		return s.room
	case KindNode:
		return s.node
	case KindFlow:
		if s.flowVars != nil {
			return s.flowVars
		}
		return map[string]any{}
	default:
		return s.route
	}
}

func (s *Scopes) persist(ctx context.Context, kind Kind) error {
	if s.persister == nil {
		return nil
	}
	switch kind {
	case KindRoom:
		return s.persister.SaveRoomVariables(ctx, s.roomID, s.room)
	default:
		return s.persister.SaveRouteVariables(ctx, s.roomID, s.clientID, s.route, s.node)
	}
}

func (s *Scopes) persistTouched(ctx context.Context, touched map[Kind]bool) error {
	if s.persister == nil {
		return nil
	}
	if touched[KindRoom] {
		if err := s.persister.SaveRoomVariables(ctx, s.roomID, s.room); err != nil {
			return err
		}
	}
	if touched[KindRoute] || touched[KindNode] {
		return s.persister.SaveRouteVariables(ctx, s.roomID, s.clientID, s.route, s.node)
	}
	return nil
}
