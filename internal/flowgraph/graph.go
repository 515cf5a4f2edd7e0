package flowgraph

import (
	"github.com/convoflow/convoflow/pkg/schema"
)

// Graph is the loaded, immutable node/middleware definition set for one flow.
// After Build it is shared read-only across every conversation; a reload
// builds a fresh Graph and swaps the registry reference (copy-then-swap), so
// no in-flight execution observes a half-loaded graph.
type Graph struct {
	flowID      string
	nodes       map[string]*schema.Node
	order       []string
	middlewares map[string]*schema.Middleware
	flowVars    map[string]any
}

// Build parses a flow definition into an indexed Graph. Node ids are trimmed
// at parse time and matched exactly (case-sensitive) afterwards; the flow id
// is folded to its canonical form.
func Build(flowID string, def *schema.FlowDefinition) (*Graph, error) {
	g := &Graph{
		flowID:      schema.NormalizeFlowID(flowID),
		nodes:       make(map[string]*schema.Node, len(def.Nodes)),
		order:       make([]string, 0, len(def.Nodes)),
		middlewares: make(map[string]*schema.Middleware, len(def.Middlewares)),
		flowVars:    def.FlowVars,
	}

	for _, raw := range def.Nodes {
		node, err := schema.ParseNode(raw)
		if err != nil {
			return nil, err
		}
		if _, exists := g.nodes[node.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate node id %q", node.ID).WithNode(node.ID)
		}
		g.nodes[node.ID] = node
		g.order = append(g.order, node.ID)
	}

	for i := range def.Middlewares {
		mw := &def.Middlewares[i]
		if mw.ID == "" {
			return nil, schema.NewError(schema.ErrCodeValidation, "middleware is missing an id")
		}
		if _, exists := g.middlewares[mw.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate middleware id %q", mw.ID)
		}
		g.middlewares[mw.ID] = mw
	}

	return g, nil
}

// FlowID returns the canonical flow id.
func (g *Graph) FlowID() string { return g.flowID }

// Node looks up a node by exact id. Returns nil when absent; callers treat a
// missing node as a terminal outcome, not an error.
func (g *Graph) Node(id string) *schema.Node {
	return g.nodes[id]
}

// Middleware looks up a middleware definition by id.
func (g *Graph) Middleware(id string) *schema.Middleware {
	return g.middlewares[id]
}

// FlowVars returns the flow-level variable defaults. Read-only.
func (g *Graph) FlowVars() map[string]any { return g.flowVars }

// NodeIDs returns node ids in definition order.
func (g *Graph) NodeIDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// NodeCount returns the number of nodes in the graph.
func (g *Graph) NodeCount() int { return len(g.nodes) }
