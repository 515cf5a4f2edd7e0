package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/convoflow/convoflow/pkg/schema"
)

const defaultHTTPTimeout = 30 * time.Second

// Synthetic status codes for transport-level failures, routed through the
// node's cases like any real response status.
const (
	statusTimeout      = 408
	statusNetworkError = 500
)

// HTTPRequestExecutor performs an outbound HTTP call and routes by response
// status code. A 401 with an attached auth middleware triggers a bounded
// reauthentication loop whose attempt counter is keyed by (room, node).
type HTTPRequestExecutor struct{}

func (e *HTTPRequestExecutor) Type() schema.NodeType { return schema.NodeTypeHTTPRequest }

func (e *HTTPRequestExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.HTTPRequest

	var mw *schema.Middleware
	if cfg.Middleware != "" {
		if mw = ec.Graph.Middleware(cfg.Middleware); mw == nil {
			ec.Log(ctx).Warn("middleware not found", slog.String("middleware", cfg.Middleware))
		}
	}

	status, body := e.perform(ctx, ec, node, mw)

	for status == http.StatusUnauthorized && mw != nil && isAuthMiddleware(mw) {
		if !e.bumpAuthAttempt(ec, node.ID, mw) {
			break
		}
		ec.Registry.InvalidateToken(ec.FlowID, mw.ID)
		status, body = e.perform(ctx, ec, node, mw)
	}
	if status != http.StatusUnauthorized {
		e.resetAuthAttempts(ec, node.ID)
	}

	e.extractVariables(ctx, ec, cfg.Variables, body)

	next, ok := resolveCase(ctx, ec, cfg.Cases, strconv.Itoa(status))
	if !ok {
		ec.Log(ctx).Warn("no case for response status", slog.Int("status", status))
		return Result{Stay: true}, nil
	}
	return Result{Next: next}, nil
}

// perform renders the request, issues it and decodes the response body.
// Transport failures synthesize a status code instead of erroring.
func (e *HTTPRequestExecutor) perform(ctx context.Context, ec *ExecContext, node *schema.Node, mw *schema.Middleware) (int, any) {
	cfg := node.HTTPRequest
	env := ec.Env()

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	target := ec.Renderer.RenderText(ctx, cfg.URL, env)

	if len(cfg.QueryParams) > 0 {
		params := url.Values{}
		for k, v := range ec.Renderer.RenderStringMap(ctx, cfg.QueryParams, env) {
			params.Set(k, v)
		}
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + params.Encode()
	}

	var bodyReader io.Reader
	if cfg.Body != nil {
		rendered := ec.Renderer.Render(ctx, cfg.Body, env)
		raw, err := json.Marshal(rendered)
		if err != nil {
			ec.Log(ctx).Error("marshal request body failed", slog.String("error", err.Error()))
			return statusNetworkError, nil
		}
		bodyReader = bytes.NewReader(raw)
	}

	timeout := defaultHTTPTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(ec.Renderer.RenderText(ctx, cfg.Timeout, env)); err == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, bodyReader)
	if err != nil {
		ec.Log(ctx).Error("build http request failed", slog.String("error", err.Error()))
		return statusNetworkError, nil
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ec.Renderer.RenderStringMap(ctx, cfg.Headers, env) {
		req.Header.Set(k, v)
	}
	if cfg.BasicAuth != nil {
		req.SetBasicAuth(
			ec.Renderer.RenderText(ctx, cfg.BasicAuth.Username, env),
			ec.Renderer.RenderText(ctx, cfg.BasicAuth.Password, env),
		)
	}
	if mw != nil && isAuthMiddleware(mw) {
		if err := attachAuth(ctx, ec, mw, req); err != nil {
			ec.Log(ctx).Error("middleware authentication failed",
				slog.String("middleware", mw.ID), slog.String("error", err.Error()))
			return http.StatusUnauthorized, nil
		}
	}

	resp, err := ec.HTTPClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			ec.Log(ctx).Warn("http request timed out", slog.String("url", target))
			return statusTimeout, nil
		}
		ec.Log(ctx).Warn("http request failed", slog.String("url", target), slog.String("error", err.Error()))
		return statusNetworkError, nil
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		ec.Log(ctx).Warn("read response body failed", slog.String("error", err.Error()))
		return resp.StatusCode, nil
	}

	ec.Log(ctx).Debug("http request",
		slog.String("method", method), slog.String("url", target), slog.Int("status", resp.StatusCode))

	return resp.StatusCode, decodeBody(raw)
}

// extractVariables applies each per-field jq filter to the response body.
// A filter failure logs and writes nil for that field; it never aborts the
// whole extraction.
func (e *HTTPRequestExecutor) extractVariables(ctx context.Context, ec *ExecContext, filters map[string]string, body any) {
	if len(filters) == 0 {
		return
	}
	values := make(map[string]any, len(filters))
	for path, filter := range filters {
		v, err := ec.JQ.EvaluateValue(ctx, filter, body)
		if err != nil {
			ec.Log(ctx).Warn("response extraction failed",
				slog.String("path", path), slog.String("filter", filter), slog.String("error", err.Error()))
			v = nil
		}
		values[path] = v
	}
	if err := ec.Scopes.SetMany(ctx, values); err != nil {
		ec.Log(ctx).Error("store extracted variables failed", slog.String("error", err.Error()))
	}
}

// bumpAuthAttempt increments the (room, node) 401 counter and reports
// whether another reauthentication attempt is allowed. At the cap the
// counter resets and the 401 falls through to the node's cases.
func (e *HTTPRequestExecutor) bumpAuthAttempt(ec *ExecContext, nodeID string, mw *schema.Middleware) bool {
	max := mw.Attempts
	if max <= 0 {
		max = 1
	}
	key := authAttemptKey(ec.RoomID, nodeID)

	attempts := 0
	if v, ok := ec.Attempts.Get(key); ok {
		attempts, _ = v.(int)
	}
	if attempts >= max {
		ec.Attempts.Delete(key)
		return false
	}
	ec.Attempts.Set(key, attempts+1, gocache.DefaultExpiration)
	return true
}

func (e *HTTPRequestExecutor) resetAuthAttempts(ec *ExecContext, nodeID string) {
	ec.Attempts.Delete(authAttemptKey(ec.RoomID, nodeID))
}

func authAttemptKey(roomID, nodeID string) string {
	return "401:" + roomID + "|" + nodeID
}

// decodeBody parses a JSON response, falling back to the raw string.
func decodeBody(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err == nil {
		return v
	}
	return string(raw)
}
