package schema

import "time"

// RouteState is the lifecycle state of a conversation cursor.
type RouteState string

const (
	RouteStateStart  RouteState = "start"
	RouteStateInput  RouteState = "input"
	RouteStateEnd    RouteState = "end"
	RouteStateInvite RouteState = "invite_user"
)

// NodeStart is the sentinel node id for an uninitialized route.
const NodeStart = "start"

// EventType classifies inbound events from the transport collaborator.
type EventType string

const (
	EventTypeMessage    EventType = "message"
	EventTypeMedia      EventType = "media"
	EventTypeMembership EventType = "membership"
	EventTypeWebhook    EventType = "webhook"
	// EventTypeTimeout is synthesized by the timer supervisor when a wait
	// (webhook, invite) expires.
	EventTypeTimeout EventType = "timeout"
)

// MembershipChange is the membership payload of a membership event.
type MembershipChange string

const (
	MembershipJoin   MembershipChange = "join"
	MembershipLeave  MembershipChange = "leave"
	MembershipReject MembershipChange = "reject"
)

// Event is the abstract inbound event the engine consumes: a
// (room_id, client_id, payload) triple. No transport protocol is assumed
// beyond text body, media reference, and membership change.
type Event struct {
	RoomID     string           `json:"room_id"`
	ClientID   string           `json:"client_id"`
	Type       EventType        `json:"type"`
	Body       string           `json:"body,omitempty"`
	MediaURL   string           `json:"media_url,omitempty"`
	Sender     string           `json:"sender,omitempty"`
	Membership MembershipChange `json:"membership,omitempty"`
	Payload    map[string]any   `json:"payload,omitempty"`
	Timestamp  time.Time        `json:"timestamp,omitzero"`
}

// IsUserText reports whether the event carries a user-typed text body.
func (e *Event) IsUserText() bool {
	return e != nil && e.Type == EventTypeMessage && e.Body != ""
}

// AsMap exposes the event to expression environments.
func (e *Event) AsMap() map[string]any {
	if e == nil {
		return map[string]any{}
	}
	m := map[string]any{
		"room_id":   e.RoomID,
		"client_id": e.ClientID,
		"type":      string(e.Type),
		"body":      e.Body,
		"sender":    e.Sender,
	}
	if e.MediaURL != "" {
		m["media_url"] = e.MediaURL
	}
	if e.Membership != "" {
		m["membership"] = string(e.Membership)
	}
	if e.Payload != nil {
		m["payload"] = e.Payload
	}
	return m
}
