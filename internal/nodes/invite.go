package nodes

import (
	"context"
	"log/slog"
	"time"

	"github.com/convoflow/convoflow/internal/store"
	"github.com/convoflow/convoflow/internal/timers"
	"github.com/convoflow/convoflow/pkg/schema"
)

// Invite case ids. The timeout case id is shared with the webhook executor.
const (
	caseJoin   = "join"
	caseReject = "reject"
)

// defaultInviteTimeout bounds how long a pending invite is supervised when
// the node does not set its own timeout.
const defaultInviteTimeout = 5 * time.Minute

// InviteUserExecutor sends a room invite and suspends until the invitee
// joins, rejects, or the wait times out.
type InviteUserExecutor struct{}

func (e *InviteUserExecutor) Type() schema.NodeType { return schema.NodeTypeInviteUser }

func (e *InviteUserExecutor) Execute(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	if ec.Route.State == schema.RouteStateInvite && ec.Event != nil {
		return e.consume(ctx, ec, node)
	}
	return e.invite(ctx, ec, node)
}

func (e *InviteUserExecutor) invite(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	cfg := node.InviteUser

	invitee := ec.Renderer.RenderText(ctx, cfg.Invitee, ec.Env())
	if invitee == "" {
		ec.Log(ctx).Error("invite has no invitee after rendering")
		return e.route(ctx, ec, node, caseReject)
	}

	if ec.Sender != nil {
		if err := ec.Sender.Invite(ctx, ec.RoomID, ec.ClientID, invitee); err != nil {
			ec.Log(ctx).Error("send invite failed",
				slog.String("invitee", invitee), slog.String("error", err.Error()))
			return e.route(ctx, ec, node, caseReject)
		}
	}

	timeout := defaultInviteTimeout
	if cfg.Timeout > 0 {
		timeout = time.Duration(cfg.Timeout) * time.Second
	}
	timer := &store.Timer{
		ID:       timers.ID(timers.KindInvite, ec.RoomID, ec.ClientID),
		RoomID:   ec.RoomID,
		ClientID: ec.ClientID,
		NodeID:   node.ID,
		Kind:     timers.KindInvite,
		FireAt:   time.Now().Add(timeout).UTC(),
	}
	if err := ec.Supervisor.Schedule(ctx, timer); err != nil {
		ec.Log(ctx).Error("schedule invite timeout failed", slog.String("error", err.Error()))
	}

	return Result{State: schema.RouteStateInvite, Suspend: true}, nil
}

func (e *InviteUserExecutor) consume(ctx context.Context, ec *ExecContext, node *schema.Node) (Result, error) {
	event := ec.Event

	switch {
	case event.Type == schema.EventTypeMembership && event.Membership == schema.MembershipJoin:
		e.cancelWait(ctx, ec)
		return e.route(ctx, ec, node, caseJoin)

	case event.Type == schema.EventTypeMembership &&
		(event.Membership == schema.MembershipReject || event.Membership == schema.MembershipLeave):
		e.cancelWait(ctx, ec)
		return e.route(ctx, ec, node, caseReject)

	case event.Type == schema.EventTypeTimeout:
		e.cancelWait(ctx, ec)
		return e.route(ctx, ec, node, caseTimeout)
	}

	// Chatter from other members while the invite is pending.
	return Result{Stay: true}, nil
}

func (e *InviteUserExecutor) cancelWait(ctx context.Context, ec *ExecContext) {
	if err := ec.Supervisor.Cancel(ctx, timers.ID(timers.KindInvite, ec.RoomID, ec.ClientID)); err != nil {
		ec.Log(ctx).Warn("cancel invite timer failed", slog.String("error", err.Error()))
	}
}

func (e *InviteUserExecutor) route(ctx context.Context, ec *ExecContext, node *schema.Node, id string) (Result, error) {
	next, ok := resolveCase(ctx, ec, node.InviteUser.Cases, id)
	if !ok {
		ec.Log(ctx).Warn("no invite case matched", slog.String("case_id", id))
		return Result{Stay: true}, nil
	}
	return Result{Next: next, State: schema.RouteStateStart}, nil
}
