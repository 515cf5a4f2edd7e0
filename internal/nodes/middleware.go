package nodes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/convoflow/convoflow/pkg/schema"
)

func isAuthMiddleware(mw *schema.Middleware) bool {
	switch mw.Type {
	case schema.MiddlewareTypeJWT, schema.MiddlewareTypeBasic, schema.MiddlewareTypeAPIKey:
		return true
	}
	return false
}

// attachAuth decorates an outbound request with the middleware's credential:
// basic auth directly, or a cached/freshly acquired token for jwt and
// api_key strategies.
func attachAuth(ctx context.Context, ec *ExecContext, mw *schema.Middleware, req *http.Request) error {
	if mw.Type == schema.MiddlewareTypeBasic {
		req.SetBasicAuth(mw.Username, mw.Password)
		return nil
	}

	token, ok := ec.Registry.Token(ec.FlowID, mw.ID)
	if !ok {
		var err error
		token, err = acquireToken(ctx, ec, mw)
		if err != nil {
			return err
		}
		ec.Registry.SetToken(ec.FlowID, mw.ID, token, 0)
	}

	header := mw.TokenHeader
	if header == "" {
		header = "Authorization"
	}
	value := token
	if header == "Authorization" && !strings.HasPrefix(token, "Bearer ") {
		value = "Bearer " + token
	}
	req.Header.Set(header, value)
	return nil
}

// acquireToken runs the middleware's auth flow: POST its URL with the
// configured body/credentials and pull the token out of the response with
// the token_path jq filter.
func acquireToken(ctx context.Context, ec *ExecContext, mw *schema.Middleware) (string, error) {
	status, body, err := callMiddleware(ctx, ec, mw, nil)
	if err != nil {
		return "", err
	}
	if status < 200 || status >= 300 {
		return "", schema.NewErrorf(schema.ErrCodeAuth, "auth middleware %q returned status %d", mw.ID, status)
	}

	tokenPath := mw.TokenPath
	if tokenPath == "" {
		tokenPath = ".access_token"
	}
	v, err := ec.JQ.EvaluateValue(ctx, tokenPath, body)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeAuth, "extract token from middleware %q response", mw.ID).WithCause(err)
	}
	token, ok := v.(string)
	if !ok || token == "" {
		return "", schema.NewErrorf(schema.ErrCodeAuth, "middleware %q response has no token at %q", mw.ID, tokenPath)
	}
	return token, nil
}

// callProvider runs a provider middleware (ASR, LLM, translation) with an
// extra payload merged into its body and extracts its response variables
// into scope. Returns the decoded response body for callers that route on it.
func callProvider(ctx context.Context, ec *ExecContext, mw *schema.Middleware, payload map[string]any) (any, error) {
	status, body, err := callMiddleware(ctx, ec, mw, payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "provider middleware %q returned status %d", mw.ID, status)
	}

	if len(mw.Variables) > 0 {
		values := make(map[string]any, len(mw.Variables))
		for path, filter := range mw.Variables {
			v, err := ec.JQ.EvaluateValue(ctx, filter, body)
			if err != nil {
				ec.Log(ctx).Warn("provider extraction failed",
					slog.String("path", path), slog.String("filter", filter), slog.String("error", err.Error()))
				v = nil
			}
			values[path] = v
		}
		if err := ec.Scopes.SetMany(ctx, values); err != nil {
			ec.Log(ctx).Error("store provider variables failed", slog.String("error", err.Error()))
		}
	}
	return body, nil
}

// callMiddleware issues the middleware's HTTP call with rendered headers and
// body, merging the extra payload over the configured body map.
func callMiddleware(ctx context.Context, ec *ExecContext, mw *schema.Middleware, payload map[string]any) (int, any, error) {
	env := ec.Env()

	method := strings.ToUpper(mw.Method)
	if method == "" {
		method = http.MethodPost
	}
	target := ec.Renderer.RenderText(ctx, mw.URL, env)

	bodyMap := map[string]any{}
	if rendered, ok := ec.Renderer.Render(ctx, mw.Body, env).(map[string]any); ok {
		bodyMap = rendered
	}
	if mw.Type == schema.MiddlewareTypeJWT && mw.Username != "" {
		bodyMap["username"] = mw.Username
		bodyMap["password"] = mw.Password
	}
	for k, v := range payload {
		bodyMap[k] = v
	}

	var bodyReader io.Reader
	if len(bodyMap) > 0 {
		raw, err := json.Marshal(bodyMap)
		if err != nil {
			return 0, nil, schema.NewError(schema.ErrCodeExecution, "marshal middleware body").WithCause(err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	timeout := defaultHTTPTimeout
	if mw.Timeout != "" {
		if d, err := time.ParseDuration(mw.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, method, target, bodyReader)
	if err != nil {
		return 0, nil, schema.NewError(schema.ErrCodeExecution, "build middleware request").WithCause(err)
	}
	if bodyReader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range ec.Renderer.RenderStringMap(ctx, mw.Headers, env) {
		req.Header.Set(k, v)
	}
	if mw.Type == schema.MiddlewareTypeBasic {
		req.SetBasicAuth(mw.Username, mw.Password)
	}

	resp, err := ec.HTTPClient.Do(req)
	if err != nil {
		return 0, nil, schema.NewErrorf(schema.ErrCodeExecution, "middleware %q request failed", mw.ID).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return resp.StatusCode, nil, nil
	}
	return resp.StatusCode, decodeBody(raw), nil
}
