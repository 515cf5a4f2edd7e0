package expressions

import "context"

// Engine evaluates expressions against a merged variable scope.
// Three implementations: Expr (template expressions), CEL (case guard
// conditions), GoJQ (webhook filters and response extraction).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
