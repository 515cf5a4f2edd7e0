package nodes

import (
	"context"
	"log/slog"

	"github.com/convoflow/convoflow/pkg/schema"
)

// MessageExecutor renders the node's text and delivers it, then continues to
// o_connection (or ends when absent).
type MessageExecutor struct{}

func (e *MessageExecutor) Type() schema.NodeType { return schema.NodeTypeMessage }

func (e *MessageExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Message

	text := ec.Renderer.RenderText(ctx, cfg.Text, ec.Env())
	sendText(ctx, ec, text)

	return Result{Next: cfg.OConnection}, nil
}

// MediaExecutor sends a media reference.
type MediaExecutor struct{}

func (e *MediaExecutor) Type() schema.NodeType { return schema.NodeTypeMedia }

func (e *MediaExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Media

	url := ec.Renderer.RenderText(ctx, cfg.URL, ec.Env())
	caption := ec.Renderer.RenderText(ctx, cfg.Text, ec.Env())

	if ec.Sender != nil && url != "" {
		if err := ec.Sender.SendMedia(ctx, ec.RoomID, ec.ClientID, url, caption, cfg.MediaType); err != nil {
			ec.Log(ctx).Error("send media failed", slog.String("error", err.Error()))
		}
	}

	return Result{Next: cfg.OConnection}, nil
}

// LocationExecutor sends a geographic position.
type LocationExecutor struct{}

func (e *LocationExecutor) Type() schema.NodeType { return schema.NodeTypeLocation }

func (e *LocationExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Location

	lat := ec.Renderer.RenderText(ctx, cfg.Latitude, ec.Env())
	lon := ec.Renderer.RenderText(ctx, cfg.Longitude, ec.Env())

	if ec.Sender != nil {
		if err := ec.Sender.SendLocation(ctx, ec.RoomID, ec.ClientID, lat, lon); err != nil {
			ec.Log(ctx).Error("send location failed", slog.String("error", err.Error()))
		}
	}

	return Result{Next: cfg.OConnection}, nil
}

// LeaveExecutor makes the bot leave the room and ends the conversation
// unless an explicit successor is configured.
type LeaveExecutor struct{}

func (e *LeaveExecutor) Type() schema.NodeType { return schema.NodeTypeLeave }

func (e *LeaveExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.Leave

	reason := ec.Renderer.RenderText(ctx, cfg.Reason, ec.Env())
	if ec.Sender != nil {
		if err := ec.Sender.Leave(ctx, ec.RoomID, ec.ClientID, reason); err != nil {
			ec.Log(ctx).Error("leave room failed", slog.String("error", err.Error()))
		}
	}

	return Result{Next: cfg.OConnection}, nil
}

// sendText delivers a rendered message, logging delivery failures without
// aborting the transition.
func sendText(ctx context.Context, ec *ExecContext, text string) {
	if ec.Sender == nil || text == "" {
		return
	}
	if err := ec.Sender.SendText(ctx, ec.RoomID, ec.ClientID, text); err != nil {
		ec.Log(ctx).Error("send message failed", slog.String("error", err.Error()))
	}
}
