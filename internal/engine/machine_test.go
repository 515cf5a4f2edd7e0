package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/flowgraph"
	"github.com/convoflow/convoflow/internal/nodes"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/internal/webhookq"
	"github.com/convoflow/convoflow/pkg/schema"
)

const (
	testRoom   = "!support:example.org"
	testClient = "@bot:example.org"
	testFlow   = "main"
)

type recordingSender struct {
	texts []string
}

func (r *recordingSender) SendText(ctx context.Context, roomID, clientID, text string) error {
	r.texts = append(r.texts, text)
	return nil
}

func (r *recordingSender) SendMedia(ctx context.Context, roomID, clientID, url, caption, mediaType string) error {
	r.texts = append(r.texts, url)
	return nil
}

func (r *recordingSender) SendLocation(ctx context.Context, roomID, clientID, latitude, longitude string) error {
	return nil
}

func (r *recordingSender) Invite(ctx context.Context, roomID, clientID, invitee string) error {
	return nil
}

func (r *recordingSender) Leave(ctx context.Context, roomID, clientID, reason string) error {
	return nil
}

func newTestMachine(t *testing.T, flowJSON string) (*Machine, *recordingSender, store.Store) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	var def schema.FlowDefinition
	require.NoError(t, json.Unmarshal([]byte(flowJSON), &def))
	graph, err := flowgraph.Build(testFlow, &def)
	require.NoError(t, err)

	graphs := flowgraph.NewRegistry(nil)
	graphs.Swap(graph)

	executors := nodes.NewRegistry()
	require.NoError(t, executors.RegisterDefaults(nil))

	sender := &recordingSender{}
	m, err := New(Deps{
		Store:         st,
		Graphs:        graphs,
		Executors:     executors,
		Sender:        sender,
		Supervisor:    timers.New(st, logger),
		Queue:         webhookq.New(st, expressions.NewGoJQEngine(), logger),
		Logger:        logger,
		DefaultFlowID: testFlow,
	})
	require.NoError(t, err)
	return m, sender, st
}

func message(body string) *schema.Event {
	return &schema.Event{
		RoomID:   testRoom,
		ClientID: testClient,
		Type:     schema.EventTypeMessage,
		Body:     body,
		Sender:   "@user:example.org",
	}
}

func TestGreetAskAnswerEnd(t *testing.T) {
	m, sender, st := newTestMachine(t, `{"nodes": [
		{"id": "start", "type": "message", "text": "Welcome!", "o_connection": "ask-name"},
		{"id": "ask-name", "type": "input", "text": "What is your name?", "variable": "route.name",
			"cases": [{"id": "default", "o_connection": "greet"}]},
		{"id": "greet", "type": "message", "text": "Hello {{ route.name }}!"}
	]}`)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, message("hi")))
	assert.Equal(t, []string{"Welcome!", "What is your name?"}, sender.texts)

	route, err := st.GetRoute(ctx, testRoom, testClient)
	require.NoError(t, err)
	assert.Equal(t, "ask-name", route.NodeID)
	assert.Equal(t, schema.RouteStateInput, route.State)

	require.NoError(t, m.HandleEvent(ctx, message("Ana")))
	assert.Equal(t, "Hello Ana!", sender.texts[len(sender.texts)-1])

	// Reaching the end resets the cursor for the next engagement.
	route, err = st.GetRoute(ctx, testRoom, testClient)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStart, route.NodeID)
	assert.Empty(t, route.State)

	// The captured variable survives the reset.
	assert.Equal(t, "Ana", route.Variables["name"])
}

func TestSwitchBranchingOnStoredVariable(t *testing.T) {
	m, sender, _ := newTestMachine(t, `{"nodes": [
		{"id": "start", "type": "input", "variable": "route.lang",
			"cases": [{"id": "default", "o_connection": "pick"}]},
		{"id": "pick", "type": "switch", "validation": "{{ route.lang }}",
			"cases": [
				{"id": "es", "o_connection": "spanish"},
				{"id": "default", "o_connection": "english"}
			]},
		{"id": "spanish", "type": "message", "text": "Hola"},
		{"id": "english", "type": "message", "text": "Hello"}
	]}`)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, message("trigger")))
	require.NoError(t, m.HandleEvent(ctx, message("es")))
	assert.Equal(t, "Hola", sender.texts[len(sender.texts)-1])
}

func TestSubroutineReturnsToCaller(t *testing.T) {
	m, sender, st := newTestMachine(t, `{"nodes": [
		{"id": "start", "type": "message", "text": "before", "o_connection": "call"},
		{"id": "call", "type": "subroutine", "go_sub": "shared", "o_connection": "after"},
		{"id": "shared", "type": "message", "text": "inside"},
		{"id": "after", "type": "message", "text": "back"}
	]}`)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, message("go")))
	assert.Equal(t, []string{"before", "inside", "back"}, sender.texts)

	route, err := st.GetRoute(ctx, testRoom, testClient)
	require.NoError(t, err)
	assert.Empty(t, route.Stack)
	assert.Equal(t, schema.NodeStart, route.NodeID)
}

func TestNestedSubroutines(t *testing.T) {
	m, sender, _ := newTestMachine(t, `{"nodes": [
		{"id": "start", "type": "subroutine", "go_sub": "outer", "o_connection": "end-msg"},
		{"id": "outer", "type": "message", "text": "outer", "o_connection": "inner-call"},
		{"id": "inner-call", "type": "subroutine", "go_sub": "inner", "o_connection": ""},
		{"id": "inner", "type": "message", "text": "inner"},
		{"id": "end-msg", "type": "message", "text": "done"}
	]}`)

	require.NoError(t, m.HandleEvent(context.Background(), message("go")))
	assert.Equal(t, []string{"outer", "inner", "done"}, sender.texts)
}

func TestUnknownNodeResetsConversation(t *testing.T) {
	m, sender, st := newTestMachine(t, `{"nodes": [
		{"id": "start", "type": "message", "text": "hop", "o_connection": "gone"}
	]}`)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, message("hi")))
	assert.Equal(t, []string{"hop"}, sender.texts)

	route, err := st.GetRoute(ctx, testRoom, testClient)
	require.NoError(t, err)
	assert.Equal(t, schema.NodeStart, route.NodeID)
	assert.Empty(t, route.State)
}

func TestWebhookWaitAndResume(t *testing.T) {
	m, sender, st := newTestMachine(t, `{"nodes": [
		{"id": "start", "type": "message", "text": "Paying...", "o_connection": "wait-pay"},
		{"id": "wait-pay", "type": "webhook",
			"filter": ".order == \"A-1\"",
			"variables": {"route.status": ".status"},
			"cases": [
				{"id": "match", "o_connection": "confirm"},
				{"id": "timeout", "o_connection": "expired"}
			]},
		{"id": "confirm", "type": "message", "text": "Payment {{ route.status }}"},
		{"id": "expired", "type": "message", "text": "Expired"}
	]}`)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, message("pay")))
	assert.Equal(t, []string{"Paying..."}, sender.texts)

	sub, err := st.GetWebhookSubscription(ctx, testRoom, testClient)
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	require.NoError(t, m.HandleEvent(ctx, &schema.Event{
		RoomID:   testRoom,
		ClientID: testClient,
		Type:     schema.EventTypeWebhook,
		Payload:  map[string]any{"order": "A-1", "status": "approved"},
	}))
	assert.Equal(t, "Payment approved", sender.texts[len(sender.texts)-1])

	_, err = st.GetWebhookSubscription(ctx, testRoom, testClient)
	assert.Error(t, err)
}

func TestDisabledClientEventsAreDropped(t *testing.T) {
	m, sender, st := newTestMachine(t, `{"nodes": [
		{"id": "start", "type": "message", "text": "hi"}
	]}`)
	ctx := context.Background()

	require.NoError(t, st.UpsertClient(ctx, &store.Client{
		ID:      testClient,
		FlowID:  testFlow,
		Enabled: false,
	}))

	require.NoError(t, m.HandleEvent(ctx, message("hello?")))
	assert.Empty(t, sender.texts)
}

func TestSetVarsPersistAcrossEvents(t *testing.T) {
	m, _, st := newTestMachine(t, `{"nodes": [
		{"id": "start", "type": "set_vars",
			"set": {"room.visits": "{{ room.visits ?? 0 }}", "route.last": "now"},
			"o_connection": "ask"},
		{"id": "ask", "type": "input", "variable": "route.reply",
			"cases": [{"id": "default", "o_connection": ""}]}
	]}`)
	ctx := context.Background()

	require.NoError(t, m.HandleEvent(ctx, message("first")))

	route, err := st.GetRoute(ctx, testRoom, testClient)
	require.NoError(t, err)
	assert.Equal(t, "now", route.Variables["last"])

	room, err := st.GetRoom(ctx, testRoom)
	require.NoError(t, err)
	assert.Contains(t, room.Variables, "visits")
}

func TestConversationLockSerializesSameRoute(t *testing.T) {
	locks := newConversationLocks()

	release := locks.acquire("!a", "@x")
	acquired := make(chan struct{})
	go func() {
		r := locks.acquire("!a", "@x")
		close(acquired)
		r()
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block while first is held")
	default:
	}

	// A different conversation is not blocked.
	other := locks.acquire("!b", "@x")
	other()

	release()
	<-acquired
}
