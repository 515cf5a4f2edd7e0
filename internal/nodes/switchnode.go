package nodes

import (
	"context"
	"log/slog"

	"github.com/convoflow/convoflow/internal/render"
	"github.com/convoflow/convoflow/pkg/schema"
)

// SwitchExecutor renders the validation template and routes by its
// stringified result against the node's cases. An unmatched result with no
// default case does not transition.
type SwitchExecutor struct{}

func (e *SwitchExecutor) Type() schema.NodeType { return schema.NodeTypeSwitch }

func (e *SwitchExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Switch

	result := ec.Renderer.RenderString(ctx, cfg.Validation, ec.Env())
	id := render.Stringify(result)

	next, ok := resolveCase(ctx, ec, cfg.Cases, id)
	if !ok {
		ec.Log(ctx).Warn("no case matched and no default present", slog.String("result", id))
		return Result{Stay: true}, nil
	}
	return Result{Next: next}, nil
}
