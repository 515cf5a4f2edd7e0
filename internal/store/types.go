package store

import (
	"encoding/json"
	"time"

	"github.com/convoflow/convoflow/pkg/schema"
)

// Room holds room-scoped variables shared by every client conversing in the
// same chat room. Created lazily on first contact.
type Room struct {
	ID        int64          `json:"id"`
	RoomID    string         `json:"room_id"`
	Variables map[string]any `json:"variables,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Route is the persisted conversation cursor for one (room, client) pair:
// current node, lifecycle state, scoped variables and the subroutine stack.
type Route struct {
	ID        int64             `json:"id"`
	RoomID    string            `json:"room_id"`
	ClientID  string            `json:"client_id"`
	NodeID    string            `json:"node_id"`
	State     schema.RouteState `json:"state,omitempty"`
	Variables map[string]any    `json:"variables,omitempty"`
	NodeVars  map[string]any    `json:"node_vars,omitempty"`
	Stack     []string          `json:"stack,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// RouteUpdate specifies mutable cursor fields; nil fields are untouched.
type RouteUpdate struct {
	NodeID *string            `json:"node_id,omitempty"`
	State  *schema.RouteState `json:"state,omitempty"`
	Stack  *[]string          `json:"stack,omitempty"`
}

// FlowRecord is a stored flow definition: node list, flow-level variable
// defaults and middleware definitions, serialized as the raw document the
// graph loader consumes.
type FlowRecord struct {
	ID         string          `json:"id"`
	Definition json.RawMessage `json:"definition"`
	FlowVars   map[string]any  `json:"flow_vars,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Tag is a named, timestamped snapshot of a flow used for publish and
// rollback. At most one tag per flow is active.
type Tag struct {
	ID        string         `json:"id"`
	FlowID    string         `json:"flow_id"`
	Name      string         `json:"name"`
	Author    string         `json:"author,omitempty"`
	Active    bool           `json:"active"`
	FlowVars  map[string]any `json:"flow_vars,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Module is a named group of node definitions belonging to a flow snapshot.
// A flow's graph is assembled from the modules of its active tag.
type Module struct {
	ID        string          `json:"id"`
	FlowID    string          `json:"flow_id"`
	TagID     string          `json:"tag_id,omitempty"`
	Name      string          `json:"name"`
	Nodes     json.RawMessage `json:"nodes"`
	Position  json.RawMessage `json:"position,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Client is a stored transport credential record. Auth failures disable the
// client without touching others.
type Client struct {
	ID          string    `json:"id"`
	Homeserver  string    `json:"homeserver,omitempty"`
	AccessToken string    `json:"access_token,omitempty"`
	DeviceID    string    `json:"device_id,omitempty"`
	NextBatch   string    `json:"next_batch,omitempty"`
	FilterID    string    `json:"filter_id,omitempty"`
	Autojoin    bool      `json:"autojoin"`
	Enabled     bool      `json:"enabled"`
	FlowID      string    `json:"flow_id,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// WebhookSubscription marks a conversation parked at a webhook node awaiting
// an external callback matching Filter.
type WebhookSubscription struct {
	ID               string    `json:"id"`
	RoomID           string    `json:"room_id"`
	ClientID         string    `json:"client_id"`
	Filter           string    `json:"filter"`
	SubscriptionTime time.Time `json:"subscription_time"`
}

// WebhookQueueEntry is a durably stored inbound callback with a time-to-live.
// Matched against pending subscriptions and consumed at most once.
type WebhookQueueEntry struct {
	ID           string          `json:"id"`
	Event        json.RawMessage `json:"event"`
	EndingTime   time.Time       `json:"ending_time"`
	CreationTime time.Time       `json:"creation_time"`
}

// Timer is a persisted inactivity or invite deadline, so a restart resumes
// the countdown from the stored fire time instead of resetting it.
type Timer struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	ClientID  string    `json:"client_id"`
	NodeID    string    `json:"node_id"`
	Kind      string    `json:"kind"`
	Attempt   int       `json:"attempt"`
	FireAt    time.Time `json:"fire_at"`
	CreatedAt time.Time `json:"created_at"`
}

// TagFilter specifies criteria for listing tags.
type TagFilter struct {
	FlowID string `json:"flow_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Active *bool  `json:"active,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// ClientFilter specifies criteria for listing clients.
type ClientFilter struct {
	FlowID  string `json:"flow_id,omitempty"`
	Enabled *bool  `json:"enabled,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
