package nodes

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/flowgraph"
	"github.com/convoflow/convoflow/internal/render"
	"github.com/convoflow/convoflow/internal/scope"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/internal/webhookq"
	"github.com/convoflow/convoflow/pkg/schema"
)

const (
	testRoom   = "!room:example.org"
	testClient = "@bot:example.org"
)

type fakeSender struct {
	texts    []string
	invitees []string
	left     bool
}

func (f *fakeSender) SendText(ctx context.Context, roomID, clientID, text string) error {
	f.texts = append(f.texts, text)
	return nil
}

func (f *fakeSender) SendMedia(ctx context.Context, roomID, clientID, url, caption, mediaType string) error {
	f.texts = append(f.texts, url)
	return nil
}

func (f *fakeSender) SendLocation(ctx context.Context, roomID, clientID, latitude, longitude string) error {
	f.texts = append(f.texts, latitude+","+longitude)
	return nil
}

func (f *fakeSender) Invite(ctx context.Context, roomID, clientID, invitee string) error {
	f.invitees = append(f.invitees, invitee)
	return nil
}

func (f *fakeSender) Leave(ctx context.Context, roomID, clientID, reason string) error {
	f.left = true
	return nil
}

func newHarness(t *testing.T, flowJSON string) (*ExecContext, *fakeSender) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "nodes.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	_, err = st.UpsertRoom(ctx, testRoom)
	require.NoError(t, err)
	route, err := st.UpsertRoute(ctx, testRoom, testClient)
	require.NoError(t, err)

	var def schema.FlowDefinition
	require.NoError(t, json.Unmarshal([]byte(flowJSON), &def))
	graph, err := flowgraph.Build("test-flow", &def)
	require.NoError(t, err)

	cel, err := expressions.NewCELEngine()
	require.NoError(t, err)
	jq := expressions.NewGoJQEngine()

	sender := &fakeSender{}
	ec := &ExecContext{
		RoomID:     testRoom,
		ClientID:   testClient,
		FlowID:     "test-flow",
		Graph:      graph,
		Scopes:     scope.New(testRoom, testClient, nil, nil, nil, graph.FlowVars(), st),
		Renderer:   render.NewRenderer(logger),
		CEL:        cel,
		JQ:         jq,
		Sender:     sender,
		Registry:   flowgraph.NewRegistry(nil),
		Supervisor: timers.New(st, logger),
		Queue:      webhookq.New(st, jq, logger),
		Store:      st,
		HTTPClient: &http.Client{Timeout: 5 * time.Second},
		Attempts:   gocache.New(5*time.Minute, 10*time.Minute),
		Route:      route,
		Logger:     logger,
	}
	return ec, sender
}

func node(t *testing.T, ec *ExecContext, id string) *schema.Node {
	t.Helper()
	n := ec.Graph.Node(id)
	require.NotNil(t, n, "node %q not in graph", id)
	return n
}

func TestSwitchRoutesByRenderedValue(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "sw", "type": "switch",
		"validation": "{{ route.answer }}",
		"cases": [
			{"id": "yes", "o_connection": "node-yes"},
			{"id": "no", "o_connection": "node-no"},
			{"id": "default", "o_connection": "node-other"}
		]
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.answer", "yes"))

	res, err := (&SwitchExecutor{}).Execute(ctx, ec, node(t, ec, "sw"))
	require.NoError(t, err)
	assert.Equal(t, "node-yes", res.Next)
}

func TestSwitchRoutesBooleanValidation(t *testing.T) {
	tests := []struct {
		name  string
		score int
		cases string
		want  string
	}{
		{"capitalized cases true branch", 9,
			`[{"id": "True", "o_connection": "node-high"}, {"id": "False", "o_connection": "node-low"}]`,
			"node-high"},
		{"capitalized cases false branch", 3,
			`[{"id": "True", "o_connection": "node-high"}, {"id": "False", "o_connection": "node-low"}]`,
			"node-low"},
		{"lowercase cases still match", 9,
			`[{"id": "true", "o_connection": "node-high"}, {"id": "false", "o_connection": "node-low"}]`,
			"node-high"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ec, _ := newHarness(t, `{"nodes": [{
				"id": "sw", "type": "switch",
				"validation": "{{ route.score > 5 }}",
				"cases": `+tt.cases+`
			}]}`)
			ctx := context.Background()
			require.NoError(t, ec.Scopes.Set(ctx, "route.score", tt.score))

			res, err := (&SwitchExecutor{}).Execute(ctx, ec, node(t, ec, "sw"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, res.Next)
		})
	}
}

func TestSwitchFallsBackToDefault(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "sw", "type": "switch",
		"validation": "{{ route.answer }}",
		"cases": [
			{"id": "yes", "o_connection": "node-yes"},
			{"id": "default", "o_connection": "node-other"}
		]
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.answer", "maybe"))

	res, err := (&SwitchExecutor{}).Execute(ctx, ec, node(t, ec, "sw"))
	require.NoError(t, err)
	assert.Equal(t, "node-other", res.Next)
}

func TestSwitchStaysWithoutMatchOrDefault(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "sw", "type": "switch",
		"validation": "{{ route.answer }}",
		"cases": [{"id": "yes", "o_connection": "node-yes"}]
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.answer", "maybe"))

	res, err := (&SwitchExecutor{}).Execute(ctx, ec, node(t, ec, "sw"))
	require.NoError(t, err)
	assert.True(t, res.Stay)
	assert.Empty(t, res.Next)
}

func TestSwitchCaseConditionGuard(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "sw", "type": "switch",
		"validation": "{{ route.tier }}",
		"cases": [
			{"id": "gold", "o_connection": "vip", "condition": "vars.route.score >= 100"},
			{"id": "default", "o_connection": "regular"}
		]
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.SetMany(ctx, map[string]any{
		"route.tier":  "gold",
		"route.score": 40,
	}))

	res, err := (&SwitchExecutor{}).Execute(ctx, ec, node(t, ec, "sw"))
	require.NoError(t, err)
	assert.Equal(t, "regular", res.Next, "guard should reject low score")

	require.NoError(t, ec.Scopes.Set(ctx, "route.score", 150))
	res, err = (&SwitchExecutor{}).Execute(ctx, ec, node(t, ec, "sw"))
	require.NoError(t, err)
	assert.Equal(t, "vip", res.Next)
}

func TestCaseVariablesAppliedOnMatch(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "sw", "type": "switch",
		"validation": "{{ route.answer }}",
		"cases": [{
			"id": "yes", "o_connection": "next",
			"variables": {"route.confirmed": "True", "route.echo": "{{ route.answer }}"}
		}]
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.answer", "yes"))

	res, err := (&SwitchExecutor{}).Execute(ctx, ec, node(t, ec, "sw"))
	require.NoError(t, err)
	assert.Equal(t, "next", res.Next)
	assert.Equal(t, true, ec.Scopes.Get("route.confirmed"))
	assert.Equal(t, "yes", ec.Scopes.Get("route.echo"))
}

func TestSetVarsSetAndUnset(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "sv", "type": "set_vars",
		"set": {"route.count": "3", "room.greeted": "True"},
		"unset": ["route.stale"],
		"o_connection": "next"
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.stale", "old"))

	res, err := (&SetVarsExecutor{}).Execute(ctx, ec, node(t, ec, "sv"))
	require.NoError(t, err)
	assert.Equal(t, "next", res.Next)
	assert.Equal(t, 3, ec.Scopes.Get("route.count"))
	assert.Equal(t, true, ec.Scopes.Get("room.greeted"))
	assert.Nil(t, ec.Scopes.Get("route.stale"))
}

func TestDelayZeroSecondsContinuesImmediately(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "d", "type": "delay", "time": "0", "o_connection": "next"
	}]}`)

	start := time.Now()
	res, err := (&DelayExecutor{}).Execute(context.Background(), ec, node(t, ec, "d"))
	require.NoError(t, err)
	assert.Equal(t, "next", res.Next)
	assert.Less(t, time.Since(start), time.Second)
}

func TestDelayCancelledByContext(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "d", "type": "delay", "time": "30", "o_connection": "next"
	}]}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := (&DelayExecutor{}).Execute(ctx, ec, node(t, ec, "d"))
	require.Error(t, err)
	assert.True(t, res.Stay)
}

func TestSubroutinePushesThenPops(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "sub1", "type": "subroutine",
		"go_sub": "shared-entry", "o_connection": "after"
	}]}`)
	ctx := context.Background()
	exec := &SubroutineExecutor{}

	res, err := exec.Execute(ctx, ec, node(t, ec, "sub1"))
	require.NoError(t, err)
	assert.Equal(t, "shared-entry", res.Next)
	assert.Equal(t, []string{"sub1"}, ec.Route.Stack)

	// Control returning to the call site pops the frame and continues.
	res, err = exec.Execute(ctx, ec, node(t, ec, "sub1"))
	require.NoError(t, err)
	assert.Equal(t, "after", res.Next)
	assert.Empty(t, ec.Route.Stack)
}

func TestInputPromptSuspends(t *testing.T) {
	ec, sender := newHarness(t, `{"nodes": [{
		"id": "ask", "type": "input",
		"text": "How old are you, {{ route.name }}?",
		"variable": "route.age",
		"cases": [{"id": "default", "o_connection": "next"}]
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.name", "Sam"))

	res, err := (&InputExecutor{}).Execute(ctx, ec, node(t, ec, "ask"))
	require.NoError(t, err)
	assert.True(t, res.Suspend)
	assert.Equal(t, schema.RouteStateInput, res.State)
	require.Len(t, sender.texts, 1)
	assert.Equal(t, "How old are you, Sam?", sender.texts[0])
}

func TestInputConsumeStoresCoercedValue(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "ask", "type": "input",
		"variable": "route.age",
		"cases": [{"id": "default", "o_connection": "next"}]
	}]}`)
	ctx := context.Background()
	ec.Route.State = schema.RouteStateInput
	ec.Event = &schema.Event{
		RoomID: testRoom, ClientID: testClient,
		Type: schema.EventTypeMessage, Body: "42",
	}

	res, err := (&InputExecutor{}).Execute(ctx, ec, node(t, ec, "ask"))
	require.NoError(t, err)
	assert.Equal(t, "next", res.Next)
	assert.Equal(t, schema.RouteStateStart, res.State)
	assert.Equal(t, 42, ec.Scopes.Get("route.age"))
}

func TestInputRoutesByBody(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "ask", "type": "input",
		"variable": "route.choice",
		"cases": [
			{"id": "pizza", "o_connection": "order-pizza"},
			{"id": "default", "o_connection": "ask-again"}
		]
	}]}`)
	ctx := context.Background()
	ec.Route.State = schema.RouteStateInput
	ec.Event = &schema.Event{Type: schema.EventTypeMessage, Body: " pizza "}

	res, err := (&InputExecutor{}).Execute(ctx, ec, node(t, ec, "ask"))
	require.NoError(t, err)
	assert.Equal(t, "order-pizza", res.Next)
	assert.Equal(t, "pizza", ec.Scopes.Get("route.choice"))
}

func TestInputTypeMismatchRoutesFalseCase(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "ask", "type": "input",
		"variable": "route.photo",
		"input_type": "media",
		"cases": [
			{"id": "false", "o_connection": "not-a-photo"},
			{"id": "default", "o_connection": "got-photo"}
		]
	}]}`)
	ctx := context.Background()
	ec.Route.State = schema.RouteStateInput
	ec.Event = &schema.Event{Type: schema.EventTypeMessage, Body: "just text"}

	res, err := (&InputExecutor{}).Execute(ctx, ec, node(t, ec, "ask"))
	require.NoError(t, err)
	assert.Equal(t, "not-a-photo", res.Next)
}

func TestInputRunsProviderMiddlewaresBeforeValidation(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "mxc://example.org/recording", body["media_url"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text": "my name is ana"}`))
	}))
	defer srv.Close()

	ec, _ := newHarness(t, `{
		"nodes": [{
			"id": "ask", "type": "input",
			"variable": "route.voice_note",
			"input_type": "media",
			"middlewares": ["asr"],
			"validation": "{{ route.transcript }}",
			"cases": [
				{"id": "my name is ana", "o_connection": "greet-ana"},
				{"id": "default", "o_connection": "ask-again"}
			]
		}],
		"middlewares": [{
			"id": "asr", "type": "provider",
			"url": "`+srv.URL+`",
			"variables": {"route.transcript": ".text"}
		}]
	}`)
	ctx := context.Background()
	ec.Route.State = schema.RouteStateInput
	ec.Event = &schema.Event{
		RoomID: testRoom, ClientID: testClient,
		Type: schema.EventTypeMedia, MediaURL: "mxc://example.org/recording",
	}

	res, err := (&InputExecutor{}).Execute(ctx, ec, node(t, ec, "ask"))
	require.NoError(t, err)
	assert.Equal(t, "greet-ana", res.Next)
	assert.Equal(t, "my name is ana", ec.Scopes.Get("route.transcript"))
	assert.Equal(t, "mxc://example.org/recording", ec.Scopes.Get("route.voice_note"))
}

func TestMessageSendsRenderedText(t *testing.T) {
	ec, sender := newHarness(t, `{"nodes": [{
		"id": "hi", "type": "message",
		"text": "Hello {{ route.name }}!",
		"o_connection": "next"
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.name", "Ana"))

	res, err := (&MessageExecutor{}).Execute(ctx, ec, node(t, ec, "hi"))
	require.NoError(t, err)
	assert.Equal(t, "next", res.Next)
	require.Len(t, sender.texts, 1)
	assert.Equal(t, "Hello Ana!", sender.texts[0])
}

func TestMessageWithoutConnectionEnds(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "bye", "type": "message", "text": "Bye"
	}]}`)

	res, err := (&MessageExecutor{}).Execute(context.Background(), ec, node(t, ec, "bye"))
	require.NoError(t, err)
	assert.Empty(t, res.Next)
	assert.False(t, res.Suspend)
	assert.False(t, res.Stay)
}

func TestHTTPRequestRoutesByStatusAndExtracts(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer static", r.Header.Get("Authorization"))
		assert.Equal(t, "42", r.URL.Query().Get("user"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name": "Ana", "score": 99}`))
	}))
	defer srv.Close()

	ec, _ := newHarness(t, `{"nodes": [{
		"id": "req", "type": "http_request",
		"method": "GET",
		"url": "`+srv.URL+`",
		"headers": {"Authorization": "Bearer static"},
		"query_params": {"user": "{{ route.user_id }}"},
		"variables": {"route.name": ".name", "route.score": ".score"},
		"cases": [
			{"id": "200", "o_connection": "ok"},
			{"id": "default", "o_connection": "failed"}
		]
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.user_id", 42))

	res, err := (&HTTPRequestExecutor{}).Execute(ctx, ec, node(t, ec, "req"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Next)
	assert.Equal(t, "Ana", ec.Scopes.Get("route.name"))
	assert.EqualValues(t, 99, ec.Scopes.Get("route.score"))
}

func TestHTTPRequestExtractionDefaultsAndFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name": "Ana"}`))
	}))
	defer srv.Close()

	// Per-field defaults live in the filter via jq's alternative operator;
	// a filter that errors out resolves that field to nil without touching
	// the others.
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "req", "type": "http_request",
		"url": "`+srv.URL+`",
		"variables": {
			"route.name": ".name",
			"route.tier": ".tier // \"standard\"",
			"route.parsed": ".name | fromjson"
		},
		"cases": [{"id": "200", "o_connection": "ok"}]
	}]}`)

	res, err := (&HTTPRequestExecutor{}).Execute(context.Background(), ec, node(t, ec, "req"))
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Next)
	assert.Equal(t, "Ana", ec.Scopes.Get("route.name"))
	assert.Equal(t, "standard", ec.Scopes.Get("route.tier"))
	assert.Nil(t, ec.Scopes.Get("route.parsed"))
}

func TestHTTPRequestSynthesizesNetworkError(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "req", "type": "http_request",
		"url": "http://127.0.0.1:1",
		"cases": [
			{"id": "500", "o_connection": "retry-later"},
			{"id": "default", "o_connection": "other"}
		]
	}]}`)

	res, err := (&HTTPRequestExecutor{}).Execute(context.Background(), ec, node(t, ec, "req"))
	require.NoError(t, err)
	assert.Equal(t, "retry-later", res.Next)
}

func TestHTTPRequest401ReauthLoopIsBounded(t *testing.T) {
	var authCalls, apiCalls atomic.Int64

	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token": "tok"}`))
	}))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apiCalls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer api.Close()

	ec, _ := newHarness(t, `{
		"nodes": [{
			"id": "req", "type": "http_request",
			"url": "`+api.URL+`",
			"middleware": "svc-auth",
			"cases": [
				{"id": "401", "o_connection": "denied"},
				{"id": "default", "o_connection": "other"}
			]
		}],
		"middlewares": [{
			"id": "svc-auth", "type": "jwt",
			"url": "`+auth.URL+`",
			"username": "bot", "password": "secret",
			"attempts": 2
		}]
	}`)

	res, err := (&HTTPRequestExecutor{}).Execute(context.Background(), ec, node(t, ec, "req"))
	require.NoError(t, err)
	assert.Equal(t, "denied", res.Next)

	// Initial attempt plus the two permitted reauthentications.
	assert.EqualValues(t, 3, apiCalls.Load())
	assert.EqualValues(t, 3, authCalls.Load())

	// The counter reset at the cap, so the next run retries again.
	res, err = (&HTTPRequestExecutor{}).Execute(context.Background(), ec, node(t, ec, "req"))
	require.NoError(t, err)
	assert.Equal(t, "denied", res.Next)
	assert.EqualValues(t, 6, apiCalls.Load())
}

func TestCheckTimeRoutesWithinRange(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "hours", "type": "check_time",
		"timezone": "UTC",
		"time_ranges": ["09:00-17:00"],
		"days_of_week": ["mon", "tue", "wed", "thu", "fri"],
		"cases": [
			{"id": "True", "o_connection": "open"},
			{"id": "False", "o_connection": "closed"}
		]
	}]}`)
	ctx := context.Background()

	// Wednesday 10:30 UTC.
	exec := &CheckTimeExecutor{Now: func() time.Time {
		return time.Date(2026, time.January, 7, 10, 30, 0, 0, time.UTC)
	}}
	res, err := exec.Execute(ctx, ec, node(t, ec, "hours"))
	require.NoError(t, err)
	assert.Equal(t, "open", res.Next)

	// Saturday 10:30 UTC.
	exec.Now = func() time.Time {
		return time.Date(2026, time.January, 10, 10, 30, 0, 0, time.UTC)
	}
	res, err = exec.Execute(ctx, ec, node(t, ec, "hours"))
	require.NoError(t, err)
	assert.Equal(t, "closed", res.Next)
}

func TestCheckTimeRangeCrossingMidnight(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "night", "type": "check_time",
		"time_ranges": ["22:00-06:00"],
		"cases": [
			{"id": "True", "o_connection": "night-shift"},
			{"id": "False", "o_connection": "day-shift"}
		]
	}]}`)
	ctx := context.Background()

	exec := &CheckTimeExecutor{Now: func() time.Time {
		return time.Date(2026, time.January, 7, 2, 0, 0, 0, time.UTC)
	}}
	res, err := exec.Execute(ctx, ec, node(t, ec, "night"))
	require.NoError(t, err)
	assert.Equal(t, "night-shift", res.Next)
}

func TestCheckHolidayMatchesRecurringDate(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "hol", "type": "check_holiday",
		"holidays": ["12-25", "2026-03-15"],
		"cases": [
			{"id": "True", "o_connection": "closed"},
			{"id": "False", "o_connection": "open"}
		]
	}]}`)
	ctx := context.Background()

	exec := &CheckHolidayExecutor{Now: func() time.Time {
		return time.Date(2026, time.December, 25, 9, 0, 0, 0, time.UTC)
	}}
	res, err := exec.Execute(ctx, ec, node(t, ec, "hol"))
	require.NoError(t, err)
	assert.Equal(t, "closed", res.Next)

	exec.Now = func() time.Time {
		return time.Date(2026, time.March, 15, 9, 0, 0, 0, time.UTC)
	}
	res, err = exec.Execute(ctx, ec, node(t, ec, "hol"))
	require.NoError(t, err)
	assert.Equal(t, "closed", res.Next)

	exec.Now = func() time.Time {
		return time.Date(2026, time.March, 16, 9, 0, 0, 0, time.UTC)
	}
	res, err = exec.Execute(ctx, ec, node(t, ec, "hol"))
	require.NoError(t, err)
	assert.Equal(t, "open", res.Next)
}

func TestInviteSuspendsThenRoutesJoin(t *testing.T) {
	ec, sender := newHarness(t, `{"nodes": [{
		"id": "inv", "type": "invite_user",
		"invitee": "{{ route.agent }}",
		"timeout": 60,
		"cases": [
			{"id": "join", "o_connection": "joined"},
			{"id": "reject", "o_connection": "rejected"},
			{"id": "timeout", "o_connection": "gave-up"}
		]
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.Set(ctx, "route.agent", "@agent:example.org"))
	exec := &InviteUserExecutor{}

	res, err := exec.Execute(ctx, ec, node(t, ec, "inv"))
	require.NoError(t, err)
	assert.True(t, res.Suspend)
	assert.Equal(t, schema.RouteStateInvite, res.State)
	require.Len(t, sender.invitees, 1)
	assert.Equal(t, "@agent:example.org", sender.invitees[0])

	ec.Route.State = schema.RouteStateInvite
	ec.Event = &schema.Event{
		Type:       schema.EventTypeMembership,
		Membership: schema.MembershipJoin,
		Sender:     "@agent:example.org",
	}
	res, err = exec.Execute(ctx, ec, node(t, ec, "inv"))
	require.NoError(t, err)
	assert.Equal(t, "joined", res.Next)
	assert.Equal(t, schema.RouteStateStart, res.State)
}

func TestInviteTimeoutRoutesTimeoutCase(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "inv", "type": "invite_user",
		"invitee": "@agent:example.org",
		"cases": [
			{"id": "join", "o_connection": "joined"},
			{"id": "timeout", "o_connection": "gave-up"}
		]
	}]}`)
	ctx := context.Background()
	ec.Route.State = schema.RouteStateInvite
	ec.Event = &schema.Event{Type: schema.EventTypeTimeout}

	res, err := (&InviteUserExecutor{}).Execute(ctx, ec, node(t, ec, "inv"))
	require.NoError(t, err)
	assert.Equal(t, "gave-up", res.Next)
}

func TestWebhookParksAndConsumesCallback(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "wait", "type": "webhook",
		"filter": ".order_id == \"A-1\"",
		"variables": {"route.status": ".status"},
		"cancel_text": "cancel",
		"cases": [
			{"id": "match", "o_connection": "paid"},
			{"id": "timeout", "o_connection": "expired"},
			{"id": "cancel", "o_connection": "abandoned"}
		]
	}]}`)
	ctx := context.Background()
	exec := &WebhookExecutor{}

	res, err := exec.Execute(ctx, ec, node(t, ec, "wait"))
	require.NoError(t, err)
	assert.True(t, res.Suspend)

	sub, err := ec.Store.GetWebhookSubscription(ctx, testRoom, testClient)
	require.NoError(t, err)
	assert.Equal(t, `.order_id == "A-1"`, sub.Filter)

	ec.Route.State = schema.RouteStateInput
	ec.Event = &schema.Event{
		Type:    schema.EventTypeWebhook,
		Payload: map[string]any{"order_id": "A-1", "status": "paid"},
	}
	res, err = exec.Execute(ctx, ec, node(t, ec, "wait"))
	require.NoError(t, err)
	assert.Equal(t, "paid", res.Next)
	assert.Equal(t, "paid", ec.Scopes.Get("route.status"))

	_, err = ec.Store.GetWebhookSubscription(ctx, testRoom, testClient)
	assert.Error(t, err, "subscription should be gone after the match")
}

func TestWebhookCancelText(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "wait", "type": "webhook",
		"filter": ".ok",
		"cancel_text": "cancel",
		"cases": [
			{"id": "match", "o_connection": "done"},
			{"id": "cancel", "o_connection": "abandoned"}
		]
	}]}`)
	ctx := context.Background()
	exec := &WebhookExecutor{}

	_, err := exec.Execute(ctx, ec, node(t, ec, "wait"))
	require.NoError(t, err)

	ec.Route.State = schema.RouteStateInput
	ec.Event = &schema.Event{Type: schema.EventTypeMessage, Body: " Cancel "}
	res, err := exec.Execute(ctx, ec, node(t, ec, "wait"))
	require.NoError(t, err)
	assert.Equal(t, "abandoned", res.Next)
}

func TestWebhookUnrelatedChatterStays(t *testing.T) {
	ec, _ := newHarness(t, `{"nodes": [{
		"id": "wait", "type": "webhook",
		"filter": ".ok",
		"cancel_text": "cancel",
		"cases": [{"id": "match", "o_connection": "done"}]
	}]}`)
	ctx := context.Background()
	ec.Route.State = schema.RouteStateInput
	ec.Event = &schema.Event{Type: schema.EventTypeMessage, Body: "are you still there?"}

	res, err := (&WebhookExecutor{}).Execute(ctx, ec, node(t, ec, "wait"))
	require.NoError(t, err)
	assert.True(t, res.Stay)
}

func TestEmailRendersAndSends(t *testing.T) {
	var gotFrom, gotMsg string
	var gotTo []string

	ec, _ := newHarness(t, `{"nodes": [{
		"id": "mail", "type": "email",
		"subject": "Order {{ route.order_id }}",
		"text": "Your order {{ route.order_id }} shipped.",
		"recipients": ["{{ route.email }}"],
		"o_connection": "next"
	}]}`)
	ctx := context.Background()
	require.NoError(t, ec.Scopes.SetMany(ctx, map[string]any{
		"route.order_id": "A-1",
		"route.email":    "ana@example.org",
	}))

	exec := &EmailExecutor{
		Servers: map[string]*SMTPServer{
			"": {Host: "smtp.example.org", Sender: "noreply@example.org"},
		},
		Send: func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
			gotFrom, gotTo, gotMsg = from, to, string(msg)
			return nil
		},
	}
	res, err := exec.Execute(ctx, ec, node(t, ec, "mail"))
	require.NoError(t, err)
	assert.Equal(t, "next", res.Next)
	assert.Equal(t, "noreply@example.org", gotFrom)
	assert.Equal(t, []string{"ana@example.org"}, gotTo)
	assert.Contains(t, gotMsg, "Subject: Order A-1")
	assert.Contains(t, gotMsg, "Your order A-1 shipped.")
}

func TestAssistantStoresResponseAndContinues(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Be brief.", body["instructions"])
		assert.Equal(t, "what are your hours?", body["text"])
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"reply": "We are open 9 to 5."}`))
	}))
	defer srv.Close()

	ec, _ := newHarness(t, `{
		"nodes": [{
			"id": "gpt", "type": "gpt_assistant",
			"middleware": "llm",
			"instructions": "Be brief.",
			"variable": "route.answer",
			"o_connection": "say-answer"
		}],
		"middlewares": [{
			"id": "llm", "type": "provider",
			"url": "`+srv.URL+`",
			"variables": {"route.reply": ".reply"}
		}]
	}`)
	ctx := context.Background()
	ec.Event = &schema.Event{Type: schema.EventTypeMessage, Body: "what are your hours?"}

	res, err := (&GPTAssistantExecutor{}).Execute(ctx, ec, node(t, ec, "gpt"))
	require.NoError(t, err)
	assert.Equal(t, "say-answer", res.Next)
	assert.Equal(t, "We are open 9 to 5.", ec.Scopes.Get("route.reply"))
}

func TestRegisterDefaultsCoversAllTypes(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.RegisterDefaults(nil))

	for _, nt := range schema.KnownNodeTypes {
		_, err := r.Get(nt)
		assert.NoError(t, err, "missing executor for %q", nt)
	}
}
