package nodes

import (
	"context"
	"log/slog"
	"time"

	"github.com/convoflow/convoflow/pkg/schema"
)

// DelayExecutor suspends this conversation for a rendered number of seconds,
// then continues to o_connection. The wait blocks only this conversation's
// goroutine; every other conversation keeps being serviced.
type DelayExecutor struct{}

func (e *DelayExecutor) Type() schema.NodeType { return schema.NodeTypeDelay }

func (e *DelayExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Delay

	seconds := delaySeconds(ec.Renderer.RenderString(ctx, cfg.Time, ec.Env()))
	if seconds > 0 {
		ec.Log(ctx).Debug("delay", slog.Int("seconds", seconds))
		select {
		case <-time.After(time.Duration(seconds) * time.Second):
		case <-ctx.Done():
			return Result{Stay: true}, schema.NewError(schema.ErrCodeCancelled, "delay interrupted").WithCause(ctx.Err())
		}
	}

	return Result{Next: cfg.OConnection}, nil
}

func delaySeconds(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	default:
		return 0
	}
}
