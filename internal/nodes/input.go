package nodes

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/convoflow/convoflow/internal/render"
	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/pkg/schema"
)

// InputExecutor prompts the user and waits for a reply. The first pass sends
// the prompt, parks the route in the input state and optionally arms an
// inactivity timer; the resuming pass consumes the inbound event, stores it
// in the bound variable and routes by cases.
type InputExecutor struct{}

func (e *InputExecutor) Type() schema.NodeType { return schema.NodeTypeInput }

func (e *InputExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	if ec.Route.State == schema.RouteStateInput && ec.Event != nil {
		return e.consume(ctx, ec, node)
	}
	return e.prompt(ctx, ec, node)
}

func (e *InputExecutor) prompt(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Input

	text := ec.Renderer.RenderText(ctx, cfg.Text, ec.Env())
	sendText(ctx, ec, text)

	if cfg.Inactivity != nil && cfg.Inactivity.ChatTimeout > 0 {
		e.armInactivity(ctx, ec, node, 0)
	}

	return Result{State: schema.RouteStateInput, Suspend: true}, nil
}

func (e *InputExecutor) consume(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Input
	event := ec.Event

	if err := ec.Supervisor.Cancel(ctx, timers.ID(timers.KindInactivity, ec.RoomID, ec.ClientID)); err != nil {
		ec.Log(ctx).Warn("cancel inactivity timer failed", slog.String("error", err.Error()))
	}

	if !eventMatchesInputType(event, cfg.InputType) {
		ec.Log(ctx).Debug("input type mismatch",
			slog.String("expected", cfg.InputType), slog.String("got", string(event.Type)))
		next, ok := resolveCase(ctx, ec, cfg.Cases, "false")
		if !ok {
			return Result{Stay: true}, nil
		}
		return Result{Next: next, State: schema.RouteStateStart}, nil
	}

	runProviderMiddlewares(ctx, ec, cfg.Middlewares)

	value := eventValue(event)
	if cfg.Variable != "" {
		if err := ec.Scopes.Set(ctx, cfg.Variable, render.Coerce(value)); err != nil {
			ec.Log(ctx).Error("store input variable failed",
				slog.String("variable", cfg.Variable), slog.String("error", err.Error()))
		}
	}

	id := value
	if cfg.Validation != "" {
		id = render.Stringify(ec.Renderer.RenderString(ctx, cfg.Validation, ec.Env()))
	}

	next, ok := resolveCase(ctx, ec, cfg.Cases, id)
	if !ok {
		ec.Log(ctx).Warn("no input case matched and no default present", slog.String("result", id))
		return Result{Stay: true}, nil
	}
	return Result{Next: next, State: schema.RouteStateStart}, nil
}

// armInactivity schedules (or re-schedules at a later attempt) the idle
// timer for this conversation.
func (e *InputExecutor) armInactivity(ctx context.Context, ec *ExecContext, node *schema.Node, attempt int) {
	cfg := node.Input.Inactivity
	timer := &store.Timer{
		ID:       timers.ID(timers.KindInactivity, ec.RoomID, ec.ClientID),
		RoomID:   ec.RoomID,
		ClientID: ec.ClientID,
		NodeID:   node.ID,
		Kind:     timers.KindInactivity,
		Attempt:  attempt,
		FireAt:   time.Now().Add(time.Duration(cfg.ChatTimeout) * time.Second).UTC(),
	}
	if err := ec.Supervisor.Schedule(ctx, timer); err != nil {
		ec.Log(ctx).Error("schedule inactivity timer failed", slog.String("error", err.Error()))
	}
}

// runProviderMiddlewares pipes the inbound event through the node's provider
// middlewares (ASR on a media event, translation on text) so their extracted
// variables are in scope before the bound variable is stored and the
// validation template runs. A failed provider is logged and skipped; the raw
// event still drives the node.
func runProviderMiddlewares(ctx context.Context, ec *ExecContext, ids []string) {
	for _, id := range ids {
		mw := ec.Graph.Middleware(id)
		if mw == nil {
			ec.Log(ctx).Error("input middleware not found", slog.String("middleware", id))
			continue
		}
		payload := map[string]any{}
		if ec.Event.Body != "" {
			payload["text"] = ec.Event.Body
		}
		if ec.Event.MediaURL != "" {
			payload["media_url"] = ec.Event.MediaURL
		}
		if _, err := callProvider(ctx, ec, mw, payload); err != nil {
			ec.Log(ctx).Error("input middleware call failed",
				slog.String("middleware", id), slog.String("error", err.Error()))
		}
	}
}

func eventMatchesInputType(event *schema.Event, inputType string) bool {
	switch inputType {
	case "", "text":
		return event.Type == schema.EventTypeMessage
	case "media":
		return event.Type == schema.EventTypeMedia
	case "membership":
		return event.Type == schema.EventTypeMembership
	default:
		return true
	}
}

func eventValue(event *schema.Event) string {
	switch event.Type {
	case schema.EventTypeMedia:
		return event.MediaURL
	case schema.EventTypeMembership:
		return string(event.Membership)
	default:
		return strings.TrimSpace(event.Body)
	}
}
