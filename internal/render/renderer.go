package render

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/convoflow/convoflow/internal/expressions"
	"github.com/convoflow/convoflow/internal/logging"
)

// Renderer evaluates templated node configuration against a conversation's
// merged variable environment. Strings are template source: every
// {{ expression }} token is evaluated with the environment as its bindings;
// maps and lists are walked and each string leaf rendered in place, so one
// render pass type-coerces every leaf uniformly.
//
// A render never raises to the caller: any template error is logged and the
// offending token resolves to nil/empty, because one conversation's broken
// template must not take down the execution loop.
type Renderer struct {
	engine *expressions.ExprEngine
	logger *slog.Logger
}

// NewRenderer creates a Renderer with a fresh expression engine.
func NewRenderer(logger *slog.Logger) *Renderer {
	return &Renderer{
		engine: expressions.NewExprEngine(),
		logger: logger,
	}
}

// Render evaluates data (string, list, or map) against env, returning a value
// of the same shape with every string leaf rendered and coerced.
func (r *Renderer) Render(ctx context.Context, data any, env map[string]any) any {
	switch v := data.(type) {
	case string:
		return r.RenderString(ctx, v, env)
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, item := range v {
			out[k] = r.Render(ctx, item, env)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			out[i] = r.Render(ctx, item, env)
		}
		return out
	default:
		return data
	}
}

// RenderString evaluates a single template string. When the whole string is
// exactly one {{ ... }} token the evaluated value is returned with its type
// intact; otherwise tokens are stringified into the surrounding text and the
// final string is coerced.
func (r *Renderer) RenderString(ctx context.Context, tpl string, env map[string]any) any {
	expr, isSingle := singleToken(tpl)
	if isSingle {
		val, err := r.engine.Evaluate(ctx, expr, env)
		if err != nil {
			r.logError(ctx, expr, err)
			return nil
		}
		if s, ok := val.(string); ok {
			return Coerce(s)
		}
		return val
	}

	if !strings.Contains(tpl, "{{") {
		return Coerce(tpl)
	}

	var result strings.Builder
	result.Grow(len(tpl))

	i := 0
	for i < len(tpl) {
		idx := strings.Index(tpl[i:], "{{")
		if idx == -1 {
			result.WriteString(tpl[i:])
			break
		}
		result.WriteString(tpl[i : i+idx])
		start := i + idx + 2

		end := strings.Index(tpl[start:], "}}")
		if end == -1 {
			// Unclosed token: emit the rest verbatim.
			result.WriteString(tpl[i+idx:])
			break
		}
		end += start

		expr := strings.TrimSpace(tpl[start:end])
		if expr == "" {
			i = end + 2
			continue
		}

		val, err := r.engine.Evaluate(ctx, expr, env)
		if err != nil {
			r.logError(ctx, expr, err)
		} else {
			result.WriteString(stringify(val))
		}
		i = end + 2
	}

	return Coerce(result.String())
}

// RenderText is RenderString constrained to a string result, for fields that
// are always text (message bodies, URLs, subjects).
func (r *Renderer) RenderText(ctx context.Context, tpl string, env map[string]any) string {
	return stringify(r.RenderString(ctx, tpl, env))
}

// RenderStringMap renders every value of a string map (headers, query params).
func (r *Renderer) RenderStringMap(ctx context.Context, m map[string]string, env map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = r.RenderText(ctx, v, env)
	}
	return out
}

func (r *Renderer) logError(ctx context.Context, expr string, err error) {
	logging.LogWith(ctx, r.logger).Warn("template evaluation failed",
		slog.String("expression", expr),
		slog.String("error", err.Error()),
	)
}

// singleToken reports whether tpl is exactly one {{ ... }} token and returns
// the inner expression.
func singleToken(tpl string) (string, bool) {
	t := strings.TrimSpace(tpl)
	if !strings.HasPrefix(t, "{{") || !strings.HasSuffix(t, "}}") {
		return "", false
	}
	inner := t[2 : len(t)-2]
	// A second opening marker means this is mixed content, not one token.
	if strings.Contains(inner, "{{") || strings.Contains(inner, "}}") {
		return "", false
	}
	inner = strings.TrimSpace(inner)
	if inner == "" {
		return "", false
	}
	return inner, true
}

// stringify converts an evaluated value into its inline text form.
func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		// Capitalized to round-trip through Coerce and to line up with the
		// True/False case ids calendar predicates route on.
		if val {
			return "True"
		}
		return "False"
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		// Whole floats print without a trailing ".0" to keep case ids and
		// status codes comparable as strings.
		if val == float64(int64(val)) {
			return strconv.FormatInt(int64(val), 10)
		}
		return strconv.FormatFloat(val, 'f', -1, 64)
	case json.RawMessage:
		return string(val)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// Stringify exposes the inline text form for callers that need to compare
// rendered results against case ids.
func Stringify(v any) string {
	return stringify(v)
}
