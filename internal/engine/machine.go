package engine

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/flowgraph"
	"github.com/convoflow/convoflow/internal/logging"
	"github.com/convoflow/convoflow/internal/nodes"
	"github.com/convoflow/convoflow/internal/render"
	"github.com/convoflow/convoflow/internal/scope"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/internal/webhookq"
	"github.com/convoflow/convoflow/pkg/schema"
)

// maxTransitions bounds one event's synchronous transition chain so a flow
// with a node cycle cannot spin the goroutine forever.
const maxTransitions = 256

// Deps are the collaborators a Machine is wired with.
type Deps struct {
	Store      store.Store
	Graphs     *flowgraph.Registry
	Executors  *nodes.Registry
	Sender     nodes.Sender
	Supervisor *timers.Supervisor
	Queue      *webhookq.Queue
	Logger     *slog.Logger

	// DefaultFlowID serves events whose client has no flow assignment.
	DefaultFlowID string

	// HTTPClient is shared by http_request nodes and middlewares. Defaults to
	// a client with no global timeout; per-request deadlines come from node
	// configuration.
	HTTPClient *http.Client
}

// Machine is the conversation state machine: it consumes abstract inbound
// events, resolves the conversation's cursor, and walks the flow graph one
// executor at a time until the chain suspends, stays, or ends. Transitions
// for one (room, client) pair are strictly serialized; everything else runs
// concurrently.
type Machine struct {
	store      store.Store
	graphs     *flowgraph.Registry
	executors  *nodes.Registry
	sender     nodes.Sender
	supervisor *timers.Supervisor
	queue      *webhookq.Queue
	logger     *slog.Logger

	defaultFlowID string
	httpClient    *http.Client

	renderer *render.Renderer
	cel      *expressions.CELEngine
	jq       *expressions.GoJQEngine
	attempts *gocache.Cache
	locks    *conversationLocks
}

// New builds a Machine and hooks it into the timer supervisor and the
// webhook queue.
func New(d Deps) (*Machine, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	httpClient := d.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	m := &Machine{
		store:         d.Store,
		graphs:        d.Graphs,
		executors:     d.Executors,
		sender:        d.Sender,
		supervisor:    d.Supervisor,
		queue:         d.Queue,
		logger:        d.Logger,
		defaultFlowID: schema.NormalizeFlowID(d.DefaultFlowID),
		httpClient:    httpClient,
		renderer:      render.NewRenderer(d.Logger),
		cel:           cel,
		jq:            expressions.NewGoJQEngine(),
		attempts:      gocache.New(10*time.Minute, 15*time.Minute),
		locks:         newConversationLocks(),
	}

	if m.supervisor != nil {
		m.supervisor.RegisterHandler(timers.KindInactivity, m.onInactivityTimer)
		m.supervisor.RegisterHandler(timers.KindInvite, m.onWaitTimeout)
		m.supervisor.RegisterHandler(timers.KindWebhook, m.onWaitTimeout)
	}
	if m.queue != nil {
		m.queue.SetHandler(m.onWebhookMatch)
	}

	return m, nil
}

// HandleEvent consumes one inbound event: it resolves the client's flow and
// advances that conversation's cursor. Events for disabled clients are
// dropped.
func (m *Machine) HandleEvent(ctx context.Context, event *schema.Event) error {
	ctx = logging.WithClientID(logging.WithRoomID(ctx, event.RoomID), event.ClientID)

	flowID, ok := m.flowForClient(ctx, event.ClientID)
	if !ok {
		return nil
	}
	return m.run(ctx, flowID, event)
}

// flowForClient resolves which flow serves a client. Unknown clients fall
// back to the default flow; disabled clients are dropped.
func (m *Machine) flowForClient(ctx context.Context, clientID string) (string, bool) {
	client, err := m.store.GetClient(ctx, clientID)
	if err != nil {
		if m.defaultFlowID == "" {
			m.log(ctx).Warn("no flow for unknown client", slog.String("error", err.Error()))
			return "", false
		}
		return m.defaultFlowID, true
	}
	if !client.Enabled {
		m.log(ctx).Debug("dropping event for disabled client")
		return "", false
	}
	if client.FlowID != "" {
		return schema.NormalizeFlowID(client.FlowID), true
	}
	if m.defaultFlowID == "" {
		m.log(ctx).Warn("client has no flow assigned")
		return "", false
	}
	return m.defaultFlowID, true
}

// run executes the transition loop for one event under the conversation lock.
func (m *Machine) run(ctx context.Context, flowID string, event *schema.Event) error {
	unlock := m.locks.acquire(event.RoomID, event.ClientID)
	defer unlock()

	graph, err := m.graphs.Get(flowID)
	if err != nil {
		return err
	}

	room, err := m.store.UpsertRoom(ctx, event.RoomID)
	if err != nil {
		return err
	}
	route, err := m.store.UpsertRoute(ctx, event.RoomID, event.ClientID)
	if err != nil {
		return err
	}

	scopes := scope.New(event.RoomID, event.ClientID,
		room.Variables, route.Variables, route.NodeVars, graph.FlowVars(), m.store)

	nodeID := route.NodeID
	if nodeID == "" {
		nodeID = schema.NodeStart
	}

	ev := event
	for step := 0; step < maxTransitions; step++ {
		stepCtx := logging.WithIDs(ctx, event.RoomID, event.ClientID, nodeID)

		n := graph.Node(nodeID)
		if n == nil {
			// A reload removed the node under this conversation: restart it
			// rather than stranding the cursor on a dead id.
			m.log(stepCtx).Warn("cursor points at unknown node, resetting conversation")
			return m.resetCursor(stepCtx, event.RoomID, event.ClientID, route)
		}

		exec, err := m.executors.Get(n.Type)
		if err != nil {
			m.log(stepCtx).Error("no executor for node", slog.String("type", string(n.Type)))
			return m.resetCursor(stepCtx, event.RoomID, event.ClientID, route)
		}

		ec := &nodes.ExecContext{
			RoomID:     event.RoomID,
			ClientID:   event.ClientID,
			FlowID:     flowID,
			Graph:      graph,
			Scopes:     scopes,
			Renderer:   m.renderer,
			CEL:        m.cel,
			JQ:         m.jq,
			Sender:     m.sender,
			Registry:   m.graphs,
			Supervisor: m.supervisor,
			Queue:      m.queue,
			Store:      m.store,
			HTTPClient: m.httpClient,
			Attempts:   m.attempts,
			Event:      ev,
			Route:      route,
			Logger:     m.logger,
		}

		res, err := exec.Execute(stepCtx, ec, n)
		ev = nil
		if err != nil {
			m.log(stepCtx).Error("node execution failed",
				slog.String("type", string(n.Type)), slog.String("error", err.Error()))
			return err
		}

		switch {
		case res.Stay:
			return m.persistCursor(stepCtx, event.RoomID, event.ClientID, nodeID, route.State, route)

		case res.Suspend:
			route.State = res.State
			return m.persistCursor(stepCtx, event.RoomID, event.ClientID, nodeID, res.State, route)

		case res.Next != "":
			state := res.State
			if state == "" {
				state = schema.RouteStateStart
			}
			route.State = state
			nodeID = res.Next
			if err := m.persistCursor(stepCtx, event.RoomID, event.ClientID, nodeID, state, route); err != nil {
				return err
			}

		default:
			// End of a subgraph: with frames on the stack control returns to
			// the call site, otherwise the conversation is over.
			if len(route.Stack) > 0 {
				nodeID = route.Stack[len(route.Stack)-1]
				continue
			}
			return m.finish(stepCtx, event.RoomID, event.ClientID, route)
		}
	}

	m.log(ctx).Error("transition budget exhausted, conversation likely cycles",
		slog.String("node_id", nodeID))
	return schema.NewErrorf(schema.ErrCodeExecution,
		"conversation in %s exceeded %d transitions", event.RoomID, maxTransitions)
}

func (m *Machine) persistCursor(ctx context.Context, roomID, clientID, nodeID string, state schema.RouteState, route *store.Route) error {
	route.NodeID = nodeID
	update := store.RouteUpdate{NodeID: &nodeID, State: &state, Stack: &route.Stack}
	if err := m.store.UpdateRoute(ctx, roomID, clientID, update); err != nil {
		m.log(ctx).Error("persist cursor failed", slog.String("error", err.Error()))
		return err
	}
	return nil
}

// finish ends the conversation: pending timers are cancelled and the cursor
// returns to the start node with a cleared state, so the next inbound event
// begins a fresh engagement with the accumulated variables intact.
func (m *Machine) finish(ctx context.Context, roomID, clientID string, route *store.Route) error {
	m.log(ctx).Info("conversation ended")
	m.supervisor.CancelFor(ctx, roomID, clientID)
	return m.resetCursor(ctx, roomID, clientID, route)
}

func (m *Machine) resetCursor(ctx context.Context, roomID, clientID string, route *store.Route) error {
	start := schema.NodeStart
	var cleared schema.RouteState
	route.NodeID = start
	route.State = cleared
	route.Stack = nil
	return m.store.UpdateRoute(ctx, roomID, clientID, store.RouteUpdate{
		NodeID: &start,
		State:  &cleared,
		Stack:  &route.Stack,
	})
}

// onWebhookMatch resumes a parked conversation when the queue matched a
// callback against its subscription.
func (m *Machine) onWebhookMatch(ctx context.Context, sub *store.WebhookSubscription, payload map[string]any) {
	event := &schema.Event{
		RoomID:    sub.RoomID,
		ClientID:  sub.ClientID,
		Type:      schema.EventTypeWebhook,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if err := m.HandleEvent(ctx, event); err != nil {
		m.log(ctx).Error("resume from webhook match failed", slog.String("error", err.Error()))
	}
}

// onWaitTimeout resumes a conversation whose webhook or invite wait expired,
// as a synthetic timeout event consumed by the waiting node.
func (m *Machine) onWaitTimeout(ctx context.Context, timer *store.Timer) {
	event := &schema.Event{
		RoomID:    timer.RoomID,
		ClientID:  timer.ClientID,
		Type:      schema.EventTypeTimeout,
		Timestamp: time.Now().UTC(),
	}
	if err := m.HandleEvent(ctx, event); err != nil {
		m.log(ctx).Error("resume from timeout failed",
			slog.String("kind", timer.Kind), slog.String("error", err.Error()))
	}
}

// onInactivityTimer nudges an idle conversation: warnings up to the node's
// attempt budget, then a closing message and a reset.
func (m *Machine) onInactivityTimer(ctx context.Context, timer *store.Timer) {
	unlock := m.locks.acquire(timer.RoomID, timer.ClientID)
	defer unlock()

	route, err := m.store.GetRoute(ctx, timer.RoomID, timer.ClientID)
	if err != nil || route.State != schema.RouteStateInput || route.NodeID != timer.NodeID {
		// The user answered (or the conversation moved) before the deadline
		// deletion landed.
		return
	}

	flowID, ok := m.flowForClient(ctx, timer.ClientID)
	if !ok {
		return
	}
	graph, err := m.graphs.Get(flowID)
	if err != nil {
		return
	}
	n := graph.Node(timer.NodeID)
	if n == nil || n.Input == nil || n.Input.Inactivity == nil {
		return
	}
	cfg := n.Input.Inactivity

	env := m.environment(ctx, graph, timer.RoomID, timer.ClientID, route)

	attempts := cfg.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	if timer.Attempt < attempts {
		if cfg.WarningMessage != "" {
			m.send(ctx, timer.RoomID, timer.ClientID, m.renderer.RenderText(ctx, cfg.WarningMessage, env))
		}
		next := &store.Timer{
			ID:       timer.ID,
			RoomID:   timer.RoomID,
			ClientID: timer.ClientID,
			NodeID:   timer.NodeID,
			Kind:     timers.KindInactivity,
			Attempt:  timer.Attempt + 1,
			FireAt:   time.Now().Add(time.Duration(cfg.ChatTimeout) * time.Second).UTC(),
		}
		if err := m.supervisor.Schedule(ctx, next); err != nil {
			m.log(ctx).Error("re-arm inactivity timer failed", slog.String("error", err.Error()))
		}
		return
	}

	if cfg.CloseMessage != "" {
		m.send(ctx, timer.RoomID, timer.ClientID, m.renderer.RenderText(ctx, cfg.CloseMessage, env))
	}
	m.log(ctx).Info("closing conversation for inactivity")
	if err := m.finish(ctx, timer.RoomID, timer.ClientID, route); err != nil {
		m.log(ctx).Error("close idle conversation failed", slog.String("error", err.Error()))
	}
}

// environment builds a read-only render environment outside the transition
// loop (inactivity messages render against the live scopes).
func (m *Machine) environment(ctx context.Context, graph *flowgraph.Graph, roomID, clientID string, route *store.Route) map[string]any {
	var roomVars map[string]any
	if room, err := m.store.GetRoom(ctx, roomID); err == nil {
		roomVars = room.Variables
	}
	return scope.New(roomID, clientID,
		roomVars, route.Variables, route.NodeVars, graph.FlowVars(), nil).Environment()
}

func (m *Machine) send(ctx context.Context, roomID, clientID, text string) {
	if m.sender == nil || text == "" {
		return
	}
	if err := m.sender.SendText(ctx, roomID, clientID, text); err != nil {
		m.log(ctx).Error("send message failed", slog.String("error", err.Error()))
	}
}

func (m *Machine) log(ctx context.Context) *slog.Logger {
	return logging.LogWith(ctx, m.logger)
}
