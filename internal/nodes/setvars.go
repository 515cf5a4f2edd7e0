package nodes

import (
	"context"
	"log/slog"

	"github.com/convoflow/convoflow/pkg/schema"
)

// SetVarsExecutor renders and applies a set map and an unset list against
// the scopes, then continues.
type SetVarsExecutor struct{}

func (e *SetVarsExecutor) Type() schema.NodeType { return schema.NodeTypeSetVars }

func (e *SetVarsExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.SetVars

	if len(cfg.Set) > 0 {
		rendered := make(map[string]any, len(cfg.Set))
		env := ec.Env()
		for path, tpl := range cfg.Set {
			rendered[path] = ec.Renderer.Render(ctx, tpl, env)
		}
		if err := ec.Scopes.SetMany(ctx, rendered); err != nil {
			ec.Log(ctx).Error("set variables failed", slog.String("error", err.Error()))
		}
	}

	if len(cfg.Unset) > 0 {
		if err := ec.Scopes.DeleteMany(ctx, cfg.Unset); err != nil {
			ec.Log(ctx).Error("unset variables failed", slog.String("error", err.Error()))
		}
	}

	return Result{Next: cfg.OConnection}, nil
}
