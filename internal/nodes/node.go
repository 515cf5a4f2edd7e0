package nodes

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/flowgraph"
	"github.com/convoflow/convoflow/internal/logging"
	"github.com/convoflow/convoflow/internal/render"
	"github.com/convoflow/convoflow/internal/scope"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/internal/webhookq"
	"github.com/convoflow/convoflow/pkg/schema"
)

// Sender is the narrow transport contract the executors need: deliver
// content to a room on behalf of a client. The chat protocol behind it is an
// external collaborator.
type Sender interface {
	SendText(ctx context.Context, roomID, clientID, text string) error
	SendMedia(ctx context.Context, roomID, clientID, url, caption, mediaType string) error
	SendLocation(ctx context.Context, roomID, clientID, latitude, longitude string) error
	Invite(ctx context.Context, roomID, clientID, invitee string) error
	Leave(ctx context.Context, roomID, clientID, reason string) error
}

// Result is what an executor hands back to the state machine.
type Result struct {
	// Next is the successor node id. Empty with neither Suspend nor Stay set
	// means the conversation reached its end.
	Next string
	// State overrides the route state persisted with the transition.
	State schema.RouteState
	// Suspend stops the loop awaiting an external event (input, webhook,
	// invite response).
	Suspend bool
	// Stay stops the loop without transitioning, leaving the cursor where it
	// is (unmatched case with no default).
	Stay bool
}

// ExecContext carries everything an executor may touch for one transition.
// It is built per transition by the state machine and never shared between
// concurrent conversations.
type ExecContext struct {
	RoomID   string
	ClientID string
	FlowID   string

	Graph    *flowgraph.Graph
	Scopes   *scope.Scopes
	Renderer *render.Renderer
	CEL      *expressions.CELEngine
	JQ       *expressions.GoJQEngine

	Sender     Sender
	Registry   *flowgraph.Registry
	Supervisor *timers.Supervisor
	Queue      *webhookq.Queue
	Store      store.Store
	HTTPClient *http.Client

	// Attempts holds TTL'd retry counters, e.g. the 401 reauthentication
	// counter keyed by (room, node).
	Attempts *gocache.Cache

	// Event is the inbound event for this transition; only event-consuming
	// node types (input, webhook, invite_user) read it.
	Event *schema.Event

	// Route is the cursor as loaded at the start of the transition, including
	// the subroutine stack.
	Route *store.Route

	Logger *slog.Logger
}

// Env builds the expression/template environment: the merged scopes plus the
// inbound event, when present.
func (ec *ExecContext) Env() map[string]any {
	env := ec.Scopes.Environment()
	if ec.Event != nil {
		env["event"] = ec.Event.AsMap()
	}
	return env
}

// Log returns the contextual logger.
func (ec *ExecContext) Log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, ec.Logger)
}

// Executor implements the behavior of one node type.
type Executor interface {
	Type() schema.NodeType
	Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error)
}

// Registry is the thread-safe executor lookup table.
type Registry struct {
	mu        sync.RWMutex
	executors map[schema.NodeType]Executor
}

// NewRegistry creates an empty executor Registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[schema.NodeType]Executor),
	}
}

// Register adds an executor. Returns error on duplicate type.
func (r *Registry) Register(e Executor) error {
	if e == nil {
		return schema.NewError(schema.ErrCodeValidation, "executor is nil")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.executors[e.Type()]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "executor for %q already registered", e.Type())
	}
	r.executors[e.Type()] = e
	return nil
}

// Get retrieves the executor for a node type.
func (r *Registry) Get(t schema.NodeType) (Executor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.executors[t]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "no executor for node type %q", t)
	}
	return e, nil
}

// RegisterDefaults registers every built-in executor.
func (r *Registry) RegisterDefaults(smtpServers map[string]*SMTPServer) error {
	defaults := []Executor{
		&MessageExecutor{},
		&MediaExecutor{},
		&LocationExecutor{},
		&LeaveExecutor{},
		&InputExecutor{},
		&SwitchExecutor{},
		&SetVarsExecutor{},
		&DelayExecutor{},
		&SubroutineExecutor{},
		&HTTPRequestExecutor{},
		&WebhookExecutor{},
		&EmailExecutor{Servers: smtpServers},
		&CheckTimeExecutor{},
		&CheckHolidayExecutor{},
		&InviteUserExecutor{},
		&GPTAssistantExecutor{},
	}
	for _, e := range defaults {
		if err := r.Register(e); err != nil {
			return err
		}
	}
	return nil
}

// resolveCase matches a stringified result against a node's cases, honoring
// per-case CEL condition guards, falling back to the "default" case. A
// matched case's variable bindings are rendered and written into scope before
// the successor id is returned.
func resolveCase(ctx context.Context, ec *ExecContext, cases []schema.Case, id string) (string, bool) {
	c, ok := matchCase(ctx, ec, cases, id)
	if !ok {
		return "", false
	}
	if err := applyCaseVariables(ctx, ec, c); err != nil {
		ec.Log(ctx).Error("apply case variables failed",
			slog.String("case_id", c.ID), slog.String("error", err.Error()))
	}
	return c.OConnection, true
}

func matchCase(ctx context.Context, ec *ExecContext, cases []schema.Case, id string) (*schema.Case, bool) {
	var fallback *schema.Case
	for i := range cases {
		c := &cases[i]
		if c.ID == schema.CaseDefault {
			if fallback == nil {
				fallback = c
			}
			continue
		}
		if c.ID != id && !(booleanCaseID(id) && strings.EqualFold(c.ID, id)) {
			continue
		}
		if !caseGuardPasses(ctx, ec, c) {
			continue
		}
		return c, true
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}

// booleanCaseID reports whether a rendered result is a boolean spelling.
// Boolean results match their case regardless of authored capitalization, so
// "{{ x > 5 }}" routes the same against cases named True/False or true/false.
func booleanCaseID(id string) bool {
	return strings.EqualFold(id, "true") || strings.EqualFold(id, "false")
}

// caseGuardPasses evaluates a case's optional CEL condition. Evaluation
// failures are logged and treated as a non-match.
func caseGuardPasses(ctx context.Context, ec *ExecContext, c *schema.Case) bool {
	if c.Condition == "" {
		return true
	}
	env := ec.Env()
	data := map[string]any{"vars": env}
	if ev, found := env["event"]; found {
		data["event"] = ev
	}
	ok, err := ec.CEL.EvaluateBool(ctx, c.Condition, data)
	if err != nil {
		ec.Log(ctx).Warn("case condition evaluation failed",
			slog.String("case_id", c.ID), slog.String("condition", c.Condition),
			slog.String("error", err.Error()))
		return false
	}
	return ok
}

func applyCaseVariables(ctx context.Context, ec *ExecContext, c *schema.Case) error {
	if len(c.Variables) == 0 {
		return nil
	}
	rendered := make(map[string]any, len(c.Variables))
	for path, tpl := range c.Variables {
		rendered[path] = ec.Renderer.Render(ctx, tpl, ec.Env())
	}
	return ec.Scopes.SetMany(ctx, rendered)
}
