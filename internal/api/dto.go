package api

import "encoding/json"

// upsertFlowRequest carries a complete flow definition document.
type upsertFlowRequest struct {
	Definition json.RawMessage `json:"definition" validate:"required"`
}

// publishTagRequest snapshots the current flow (or an explicit module set)
// under a named tag, optionally activating it immediately.
type publishTagRequest struct {
	Name     string             `json:"name" validate:"required,min=1,max=128"`
	Author   string             `json:"author,omitempty"`
	Activate bool               `json:"activate,omitempty"`
	FlowVars map[string]any     `json:"flow_variables,omitempty"`
	Modules  []publishModuleDTO `json:"modules" validate:"required,min=1,dive"`
}

type publishModuleDTO struct {
	Name     string          `json:"name" validate:"required,min=1,max=128"`
	Nodes    json.RawMessage `json:"nodes" validate:"required"`
	Position json.RawMessage `json:"position,omitempty"`
}

// upsertClientRequest registers or updates a transport credential record.
type upsertClientRequest struct {
	ID          string `json:"id" validate:"required,min=3"`
	Homeserver  string `json:"homeserver,omitempty" validate:"omitempty,url"`
	AccessToken string `json:"access_token,omitempty"`
	DeviceID    string `json:"device_id,omitempty"`
	Autojoin    bool   `json:"autojoin,omitempty"`
	Enabled     *bool  `json:"enabled,omitempty"`
	FlowID      string `json:"flow_id,omitempty"`
}

type setClientEnabledRequest struct {
	Enabled *bool `json:"enabled" validate:"required"`
}

// setVariablesRequest writes variable paths into the room scope.
type setVariablesRequest struct {
	Variables map[string]any `json:"variables" validate:"required,min=1"`
}

// inboundEventRequest is the transport bridge payload: one abstract
// conversation event.
type inboundEventRequest struct {
	RoomID     string         `json:"room_id" validate:"required"`
	ClientID   string         `json:"client_id" validate:"required"`
	Type       string         `json:"type" validate:"required,oneof=message media membership"`
	Body       string         `json:"body,omitempty"`
	MediaURL   string         `json:"media_url,omitempty"`
	Sender     string         `json:"sender,omitempty"`
	Membership string         `json:"membership,omitempty" validate:"omitempty,oneof=join leave reject"`
	Payload    map[string]any `json:"payload,omitempty"`
}
