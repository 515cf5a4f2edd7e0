package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/convoflow/convoflow/internal/engine"
	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/flowgraph"
	"github.com/convoflow/convoflow/internal/nodes"
	"github.com/convoflow/convoflow/internal/secrets"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/internal/validation"
	"github.com/convoflow/convoflow/internal/webhookq"
)

const sampleFlowJSON = `{
	"definition": {
		"nodes": [
			{"id": "start", "type": "message", "text": "Welcome!", "o_connection": "ask"},
			{"id": "ask", "type": "input", "text": "Name?", "variable": "route.name",
				"cases": [{"id": "default", "o_connection": ""}]}
		]
	}
}`

type apiSender struct {
	texts []string
}

func (s *apiSender) SendText(ctx context.Context, roomID, clientID, text string) error {
	s.texts = append(s.texts, text)
	return nil
}

func (s *apiSender) SendMedia(ctx context.Context, roomID, clientID, url, caption, mediaType string) error {
	return nil
}

func (s *apiSender) SendLocation(ctx context.Context, roomID, clientID, latitude, longitude string) error {
	return nil
}

func (s *apiSender) Invite(ctx context.Context, roomID, clientID, invitee string) error {
	return nil
}

func (s *apiSender) Leave(ctx context.Context, roomID, clientID, reason string) error {
	return nil
}

func newTestApp(t *testing.T) (*fiber.App, store.Store, *apiSender) {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(ctx))
	t.Cleanup(func() { _ = st.Close() })

	nodeValidator, err := validation.NewNodeValidator()
	require.NoError(t, err)

	graphs := flowgraph.NewRegistry(flowgraph.NewLoader(st, nodeValidator))

	executors := nodes.NewRegistry()
	require.NoError(t, executors.RegisterDefaults(nil))

	queue := webhookq.New(st, expressions.NewGoJQEngine(), logger)
	sender := &apiSender{}

	machine, err := engine.New(engine.Deps{
		Store:         st,
		Graphs:        graphs,
		Executors:     executors,
		Sender:        sender,
		Supervisor:    timers.New(st, logger),
		Queue:         queue,
		Logger:        logger,
		DefaultFlowID: "onboarding",
	})
	require.NoError(t, err)

	vault, err := secrets.NewAESVault(st, secrets.VaultConfig{
		Passphrase: "test-passphrase",
		Salt:       []byte("test-salt"),
	})
	require.NoError(t, err)

	srv := New(Config{
		Store:   st,
		Graphs:  graphs,
		Machine: machine,
		Queue:   queue,
		Vault:   vault,
		Logger:  logger,
	})
	return srv.App(), st, sender
}

func doJSON(t *testing.T, app *fiber.App, method, path, body string) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != "" {
		reader = bytes.NewBufferString(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != "" {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}

	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := map[string]any{}
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestUpsertFlowStoresAndLoads(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/v1/flow/onboarding", sampleFlowJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "onboarding", body["flow_id"])
	assert.EqualValues(t, 2, body["node_count"])

	resp = doJSON(t, app, http.MethodGet, "/v1/flow/onboarding", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/v1/flows", "")
	body = decodeBody(t, resp)
	require.Len(t, body["flows"], 1)
}

func TestUpsertFlowRejectsInvalidDefinition(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/v1/flow/broken",
		`{"definition": {"nodes": [{"id": "start", "type": "no_such_type"}]}}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Contains(t, body["detail"], "failed to load")
}

func TestGetFlowNotFound(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/v1/flow/missing", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestNodeIntrospection(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/v1/flow/onboarding", sampleFlowJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/v1/flow/onboarding/nodes", "")
	body := decodeBody(t, resp)
	assert.ElementsMatch(t, []any{"start", "ask"}, body["nodes"])

	resp = doJSON(t, app, http.MethodGet, "/v1/flow/onboarding/node/start", "")
	body = decodeBody(t, resp)
	assert.Equal(t, "message", body["type"])

	resp = doJSON(t, app, http.MethodGet, "/v1/flow/onboarding/node/nope", "")
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestFlowDiagram(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/v1/flow/onboarding", sampleFlowJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/v1/flow/onboarding/diagram", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "graph TD"))
}

func TestPublishAndActivateTag(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/v1/flow/onboarding", sampleFlowJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/v1/flow/onboarding/tag", `{
		"name": "v2",
		"author": "tester",
		"activate": true,
		"modules": [{"name": "core", "nodes": [
			{"id": "start", "type": "message", "text": "Updated!"}
		]}]
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	tagID, _ := body["tag_id"].(string)
	require.NotEmpty(t, tagID)
	assert.Equal(t, true, body["active"])

	// The active snapshot replaces the flow row's nodes.
	resp = doJSON(t, app, http.MethodGet, "/v1/flow/onboarding/nodes", "")
	body = decodeBody(t, resp)
	assert.ElementsMatch(t, []any{"start"}, body["nodes"])

	resp = doJSON(t, app, http.MethodGet, "/v1/flow/onboarding/tags", "")
	body = decodeBody(t, resp)
	require.Len(t, body["tags"], 1)
}

func TestPublishTagRequiresModules(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/v1/flow/onboarding", sampleFlowJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/v1/flow/onboarding/tag", `{"name": "empty"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestClientLifecycle(t *testing.T) {
	app, st, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/client", `{
		"id": "@bot:example.org",
		"homeserver": "https://matrix.example.org",
		"access_token": "syt_secret_token",
		"flow_id": "onboarding"
	}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "@bot:example.org", body["id"])
	assert.NotEqual(t, "syt_secret_token", body["access_token"])

	// The plaintext token lives in the vault, not the clients table.
	client, err := st.GetClient(context.Background(), "@bot:example.org")
	require.NoError(t, err)
	assert.Empty(t, client.AccessToken)

	secret, err := st.GetSecret(context.Background(), "client:@bot:example.org:access_token")
	require.NoError(t, err)
	assert.NotEqual(t, []byte("syt_secret_token"), secret)

	resp = doJSON(t, app, http.MethodPatch, "/v1/client/@bot:example.org/enabled", `{"enabled": false}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	client, err = st.GetClient(context.Background(), "@bot:example.org")
	require.NoError(t, err)
	assert.False(t, client.Enabled)

	resp = doJSON(t, app, http.MethodGet, "/v1/clients", "")
	body = decodeBody(t, resp)
	require.Len(t, body["clients"], 1)
}

func TestUpsertClientValidation(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/client", `{"homeserver": "not a url"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestRoomVariables(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/room/!r:example.org/set_variables", `{
		"variables": {"customer.name": "Ana", "customer.tier": "gold"}
	}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/v1/room/!r:example.org/get_variables?path=customer.name", "")
	body := decodeBody(t, resp)
	assert.Equal(t, "Ana", body["value"])

	resp = doJSON(t, app, http.MethodGet, "/v1/room/!r:example.org/get_variables", "")
	body = decodeBody(t, resp)
	vars, ok := body["variables"].(map[string]any)
	require.True(t, ok)
	customer, ok := vars["customer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "gold", customer["tier"])
}

func TestInboundEventDrivesConversation(t *testing.T) {
	app, _, sender := newTestApp(t)

	resp := doJSON(t, app, http.MethodPut, "/v1/flow/onboarding", sampleFlowJSON)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodPost, "/v1/event", `{
		"room_id": "!r:example.org",
		"client_id": "@bot:example.org",
		"type": "message",
		"body": "hi",
		"sender": "@user:example.org"
	}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Equal(t, []string{"Welcome!", "Name?"}, sender.texts)
}

func TestInboundEventValidation(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/v1/event", `{"room_id": "!r:example.org"}`)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWebhookIngressJSON(t *testing.T) {
	app, st, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/webhook", `{"order_id": "A-1", "status": "paid"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	body := decodeBody(t, resp)
	require.NotEmpty(t, body["id"])

	pending, err := st.ListPendingWebhookEvents(context.Background())
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestWebhookIngressRejectsEmptyPayload(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodPost, "/webhook", "")
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealthEndpoints(t *testing.T) {
	app, _, _ := newTestApp(t)

	resp := doJSON(t, app, http.MethodGet, "/livez", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = doJSON(t, app, http.MethodGet, "/readyz", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
