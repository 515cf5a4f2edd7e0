package nodes

import (
	"context"
	"log/slog"

	"github.com/convoflow/convoflow/internal/render"
	"github.com/convoflow/convoflow/pkg/schema"
)

// GPTAssistantExecutor delegates a conversation turn to an LLM provider
// middleware: the rendered instructions and the user's last message are sent
// to the provider, its reply is stored in scope, and routing follows the
// node's cases when present.
type GPTAssistantExecutor struct{}

func (e *GPTAssistantExecutor) Type() schema.NodeType { return schema.NodeTypeGPTAssistant }

func (e *GPTAssistantExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.GPTAssistant
	env := ec.Env()

	mw := ec.Graph.Middleware(cfg.Middleware)
	if mw == nil {
		ec.Log(ctx).Error("assistant middleware not found", slog.String("middleware", cfg.Middleware))
		return e.routeValue(ctx, ec, node, nil)
	}

	payload := map[string]any{}
	if instructions := ec.Renderer.RenderText(ctx, cfg.Instructions, env); instructions != "" {
		payload["instructions"] = instructions
	}
	if ec.Event != nil && ec.Event.Body != "" {
		payload["text"] = ec.Event.Body
	}

	body, err := callProvider(ctx, ec, mw, payload)
	if err != nil {
		ec.Log(ctx).Error("assistant provider call failed",
			slog.String("middleware", cfg.Middleware), slog.String("error", err.Error()))
		body = nil
	}

	if cfg.Variable != "" {
		if err := ec.Scopes.Set(ctx, cfg.Variable, body); err != nil {
			ec.Log(ctx).Error("store assistant response failed", slog.String("error", err.Error()))
		}
	}

	return e.routeValue(ctx, ec, node, body)
}

// routeValue routes by the stringified provider response when the node has
// cases, otherwise follows the plain o_connection.
func (e *GPTAssistantExecutor) routeValue(ctx context.Context, ec *ExecContext, node *schema.Node, value any) (Result, error) {
	cfg := node.GPTAssistant
	if len(cfg.Cases) == 0 {
		return Result{Next: cfg.OConnection}, nil
	}

	next, ok := resolveCase(ctx, ec, cfg.Cases, render.Stringify(value))
	if !ok {
		ec.Log(ctx).Warn("no assistant case matched")
		return Result{Next: cfg.OConnection}, nil
	}
	return Result{Next: next}, nil
}
