package flowgraph

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/convoflow/convoflow/pkg/schema"
)

// Registry holds the loaded Graph per flow with an explicit lifecycle
// (Init, Get, Swap, Evict) instead of ambient process globals. It also owns
// the middleware auth-token cache shared by executors.
type Registry struct {
	mu     sync.RWMutex
	graphs map[string]*Graph

	loader *Loader
	tokens *gocache.Cache
}

// NewRegistry creates an empty Registry backed by the given loader.
func NewRegistry(loader *Loader) *Registry {
	return &Registry{
		graphs: make(map[string]*Graph),
		loader: loader,
		tokens: gocache.New(gocache.NoExpiration, 5*time.Minute),
	}
}

// Init loads a flow from the store and registers its graph.
func (r *Registry) Init(ctx context.Context, flowID string) (*Graph, error) {
	g, err := r.loader.LoadFromStore(ctx, flowID)
	if err != nil {
		return nil, err
	}
	r.Swap(g)
	return g, nil
}

// InitFromFile loads a flow from a static JSON file and registers its graph.
func (r *Registry) InitFromFile(flowID, path string) (*Graph, error) {
	g, err := r.loader.LoadFromFile(flowID, path)
	if err != nil {
		return nil, err
	}
	r.Swap(g)
	return g, nil
}

// Get returns the registered graph for a flow.
func (r *Registry) Get(flowID string) (*Graph, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.graphs[schema.NormalizeFlowID(flowID)]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "flow %q not loaded", flowID)
	}
	return g, nil
}

// Swap atomically replaces the registered graph for the flow. In-flight
// executions keep the graph reference they already resolved.
func (r *Registry) Swap(g *Graph) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.graphs[g.FlowID()] = g
}

// Evict drops a flow's graph and its cached middleware tokens.
func (r *Registry) Evict(flowID string) {
	id := schema.NormalizeFlowID(flowID)

	r.mu.Lock()
	g := r.graphs[id]
	delete(r.graphs, id)
	r.mu.Unlock()

	if g != nil {
		for mwID := range g.middlewares {
			r.tokens.Delete(tokenKey(id, mwID))
		}
	}
}

// Flows returns the ids of every loaded flow.
func (r *Registry) Flows() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.graphs))
	for id := range r.graphs {
		ids = append(ids, id)
	}
	return ids
}

// SetToken caches a middleware auth token with a TTL. A zero TTL keeps the
// token until it is invalidated by a 401.
func (r *Registry) SetToken(flowID, middlewareID, token string, ttl time.Duration) {
	exp := gocache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	r.tokens.Set(tokenKey(schema.NormalizeFlowID(flowID), middlewareID), token, exp)
}

// Token returns the cached auth token for a middleware, if any.
func (r *Registry) Token(flowID, middlewareID string) (string, bool) {
	v, ok := r.tokens.Get(tokenKey(schema.NormalizeFlowID(flowID), middlewareID))
	if !ok {
		return "", false
	}
	token, ok := v.(string)
	return token, ok
}

// InvalidateToken drops a cached token, forcing the next request to
// reauthenticate through the middleware.
func (r *Registry) InvalidateToken(flowID, middlewareID string) {
	r.tokens.Delete(tokenKey(schema.NormalizeFlowID(flowID), middlewareID))
}

func tokenKey(flowID, middlewareID string) string {
	return flowID + "|" + middlewareID
}
