package nodes

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/pkg/schema"
)

// Webhook case ids.
const (
	caseMatch   = "match"
	caseTimeout = "timeout"
	caseCancel  = "cancel"
)

// WebhookExecutor parks the conversation behind a persisted subscription
// until an external callback satisfies its filter. Supports a cancel-by-user
// path and a wait timeout; queued callbacks that arrived before the park are
// matched immediately.
type WebhookExecutor struct{}

func (e *WebhookExecutor) Type() schema.NodeType { return schema.NodeTypeWebhook }

func (e *WebhookExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	if ec.Route.State == schema.RouteStateInput && ec.Event != nil {
		return e.consume(ctx, ec, node)
	}
	return e.park(ctx, ec, node)
}

func (e *WebhookExecutor) park(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Webhook

	filter := ec.Renderer.RenderText(ctx, cfg.Filter, ec.Env())
	sub := &store.WebhookSubscription{
		ID:               uuid.New().String(),
		RoomID:           ec.RoomID,
		ClientID:         ec.ClientID,
		Filter:           filter,
		SubscriptionTime: time.Now().UTC(),
	}
	if err := ec.Store.CreateWebhookSubscription(ctx, sub); err != nil {
		ec.Log(ctx).Error("create webhook subscription failed", slog.String("error", err.Error()))
		return e.route(ctx, ec, node, caseTimeout)
	}

	// The callback may have been enqueued before we parked.
	if event, ok := ec.Queue.MatchForSubscription(ctx, sub); ok {
		e.unpark(ctx, ec, sub.ID)
		e.extract(ctx, ec, cfg.Variables, event)
		return e.route(ctx, ec, node, caseMatch)
	}

	if cfg.Timeout > 0 {
		timer := &store.Timer{
			ID:       timers.ID(timers.KindWebhook, ec.RoomID, ec.ClientID),
			RoomID:   ec.RoomID,
			ClientID: ec.ClientID,
			NodeID:   node.ID,
			Kind:     timers.KindWebhook,
			FireAt:   time.Now().Add(time.Duration(cfg.Timeout) * time.Second).UTC(),
		}
		if err := ec.Supervisor.Schedule(ctx, timer); err != nil {
			ec.Log(ctx).Error("schedule webhook timeout failed", slog.String("error", err.Error()))
		}
	}

	return Result{State: schema.RouteStateInput, Suspend: true}, nil
}

func (e *WebhookExecutor) consume(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Webhook
	event := ec.Event

	switch {
	case event.Type == schema.EventTypeWebhook:
		e.cancelWait(ctx, ec)
		e.extract(ctx, ec, cfg.Variables, event.Payload)
		return e.route(ctx, ec, node, caseMatch)

	case event.Type == schema.EventTypeTimeout:
		e.cancelWait(ctx, ec)
		return e.route(ctx, ec, node, caseTimeout)

	case event.IsUserText() && cfg.CancelText != "" &&
		strings.EqualFold(strings.TrimSpace(event.Body), cfg.CancelText):
		e.cancelWait(ctx, ec)
		return e.route(ctx, ec, node, caseCancel)
	}

	// Unrelated chatter while waiting: keep the park in place.
	return Result{Stay: true}, nil
}

// cancelWait drops the subscription and the timeout timer. Idempotent.
func (e *WebhookExecutor) cancelWait(ctx context.Context, ec *ExecContext) {
	if sub, err := ec.Store.GetWebhookSubscription(ctx, ec.RoomID, ec.ClientID); err == nil {
		e.unpark(ctx, ec, sub.ID)
	}
	if err := ec.Supervisor.Cancel(ctx, timers.ID(timers.KindWebhook, ec.RoomID, ec.ClientID)); err != nil {
		ec.Log(ctx).Warn("cancel webhook timer failed", slog.String("error", err.Error()))
	}
}

func (e *WebhookExecutor) unpark(ctx context.Context, ec *ExecContext, subID string) {
	if err := ec.Store.DeleteWebhookSubscription(ctx, subID); err != nil {
		ec.Log(ctx).Warn("delete webhook subscription failed", slog.String("error", err.Error()))
	}
}

func (e *WebhookExecutor) extract(ctx context.Context, ec *ExecContext, filters map[string]string, event map[string]any) {
	if len(filters) == 0 || event == nil {
		return
	}
	values := make(map[string]any, len(filters))
	for path, filter := range filters {
		v, err := ec.JQ.Evaluate(ctx, filter, event)
		if err != nil {
			ec.Log(ctx).Warn("webhook extraction failed",
				slog.String("path", path), slog.String("filter", filter), slog.String("error", err.Error()))
			v = nil
		}
		values[path] = v
	}
	if err := ec.Scopes.SetMany(ctx, values); err != nil {
		ec.Log(ctx).Error("store webhook variables failed", slog.String("error", err.Error()))
	}
}

func (e *WebhookExecutor) route(ctx context.Context, ec *ExecContext, node *schema.Node, id string) (Result, error) {
	next, ok := resolveCase(ctx, ec, node.Webhook.Cases, id)
	if !ok {
		ec.Log(ctx).Warn("no webhook case matched", slog.String("case_id", id))
		return Result{Stay: true}, nil
	}
	return Result{Next: next, State: schema.RouteStateStart}, nil
}
