package nodes

import (
	"context"
	"log/slog"

	"github.com/convoflow/convoflow/pkg/schema"
)

// SubroutineExecutor implements call/return over the route's LIFO stack.
// First entry pushes the node's own id and jumps to go_sub; when control
// flows back to this node with its id at top-of-stack, the stack pops and
// execution continues to the node's o_connection.
type SubroutineExecutor struct{}

func (e *SubroutineExecutor) Type() schema.NodeType { return schema.NodeTypeSubroutine }

func (e *SubroutineExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Subroutine
	stack := ec.Route.Stack

	if len(stack) > 0 && stack[len(stack)-1] == node.ID {
		// Returning from the nested subgraph.
		ec.Route.Stack = stack[:len(stack)-1]
		ec.Log(ctx).Debug("subroutine return",
			slog.String("o_connection", cfg.OConnection), slog.Int("stack_depth", len(ec.Route.Stack)))
		return Result{Next: cfg.OConnection}, nil
	}

	ec.Route.Stack = append(stack, node.ID)
	ec.Log(ctx).Debug("subroutine call",
		slog.String("go_sub", cfg.GoSub), slog.Int("stack_depth", len(ec.Route.Stack)))
	return Result{Next: cfg.GoSub}, nil
}
