package schema

import (
	"encoding/json"
	"strings"
)

// NodeType enumerates the kinds of nodes in a flow.
type NodeType string

const (
	NodeTypeMessage      NodeType = "message"
	NodeTypeInput        NodeType = "input"
	NodeTypeSwitch       NodeType = "switch"
	NodeTypeHTTPRequest  NodeType = "http_request"
	NodeTypeWebhook      NodeType = "webhook"
	NodeTypeDelay        NodeType = "delay"
	NodeTypeSetVars      NodeType = "set_vars"
	NodeTypeSubroutine   NodeType = "subroutine"
	NodeTypeEmail        NodeType = "email"
	NodeTypeMedia        NodeType = "media"
	NodeTypeLocation     NodeType = "location"
	NodeTypeCheckTime    NodeType = "check_time"
	NodeTypeCheckHoliday NodeType = "check_holiday"
	NodeTypeInviteUser   NodeType = "invite_user"
	NodeTypeLeave        NodeType = "leave"
	NodeTypeGPTAssistant NodeType = "gpt_assistant"
)

// KnownNodeTypes lists every node type the engine can execute.
var KnownNodeTypes = []NodeType{
	NodeTypeMessage, NodeTypeInput, NodeTypeSwitch, NodeTypeHTTPRequest,
	NodeTypeWebhook, NodeTypeDelay, NodeTypeSetVars, NodeTypeSubroutine,
	NodeTypeEmail, NodeTypeMedia, NodeTypeLocation, NodeTypeCheckTime,
	NodeTypeCheckHoliday, NodeTypeInviteUser, NodeTypeLeave, NodeTypeGPTAssistant,
}

// CaseDefault is the fallback case id used when no other case matches.
const CaseDefault = "default"

// Case maps a computed result to a successor node id. Optional per-case
// variable bindings are written into scope before transitioning, and an
// optional CEL condition guards the match.
type Case struct {
	ID          string         `json:"id"`
	OConnection string         `json:"o_connection"`
	Variables   map[string]any `json:"variables,omitempty"`
	Condition   string         `json:"condition,omitempty"`
}

// Node is the tagged union of all node variants. Exactly one config field is
// non-nil, matching Type. Configs are decoded and validated at flow load, not
// at each field access.
type Node struct {
	ID   string   `json:"id"`
	Type NodeType `json:"type"`

	Message      *MessageConfig      `json:"-"`
	Input        *InputConfig        `json:"-"`
	Switch       *SwitchConfig       `json:"-"`
	HTTPRequest  *HTTPRequestConfig  `json:"-"`
	Webhook      *WebhookConfig      `json:"-"`
	Delay        *DelayConfig        `json:"-"`
	SetVars      *SetVarsConfig      `json:"-"`
	Subroutine   *SubroutineConfig   `json:"-"`
	Email        *EmailConfig        `json:"-"`
	Media        *MediaConfig        `json:"-"`
	Location     *LocationConfig     `json:"-"`
	CheckTime    *CheckTimeConfig    `json:"-"`
	CheckHoliday *CheckHolidayConfig `json:"-"`
	InviteUser   *InviteUserConfig   `json:"-"`
	Leave        *LeaveConfig        `json:"-"`
	GPTAssistant *GPTAssistantConfig `json:"-"`

	// Raw keeps the original JSON definition for introspection endpoints.
	Raw json.RawMessage `json:"-"`
}

// MessageConfig sends a rendered text message.
type MessageConfig struct {
	Text        string `json:"text"`
	MessageType string `json:"message_type,omitempty"`
	OConnection string `json:"o_connection,omitempty"`
}

// InactivityConfig drives the idle-conversation supervisor on input nodes.
type InactivityConfig struct {
	ChatTimeout    int    `json:"chat_timeout"` // seconds of silence before a warning
	WarningMessage string `json:"warning_message,omitempty"`
	Attempts       int    `json:"attempts,omitempty"` // warnings before giving up
	CloseMessage   string `json:"close_message,omitempty"`
}

// InputConfig prompts the user and waits for a reply.
type InputConfig struct {
	Text           string            `json:"text,omitempty"`
	Variable       string            `json:"variable"`
	InputType      string            `json:"input_type,omitempty"` // text, media, membership
	Validation     string            `json:"validation,omitempty"`
	Cases          []Case            `json:"cases,omitempty"`
	Inactivity     *InactivityConfig `json:"inactivity_options,omitempty"`
	Middlewares    []string          `json:"middlewares,omitempty"` // ASR/translation provider ids
}

// SwitchConfig renders a validation template and routes by its result.
type SwitchConfig struct {
	Validation string `json:"validation"`
	Cases      []Case `json:"cases"`
}

// HTTPAuth holds inline basic-auth credentials for an http_request node.
type HTTPAuth struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// HTTPRequestConfig performs an outbound HTTP call and routes by status code.
type HTTPRequestConfig struct {
	Method      string            `json:"method,omitempty"`
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers,omitempty"`
	QueryParams map[string]string `json:"query_params,omitempty"`
	BasicAuth   *HTTPAuth         `json:"basic_auth,omitempty"`
	Body        any               `json:"body,omitempty"`
	// Variables maps scope paths to jq filters applied to the response body.
	// Per-field defaults are expressed in the filter itself with jq's
	// alternative operator, e.g. ".user.tier // \"standard\""; a filter
	// that errors out resolves to nil.
	Variables  map[string]string `json:"variables,omitempty"`
	Cases      []Case            `json:"cases,omitempty"`
	Middleware string            `json:"middleware,omitempty"`
	Timeout    string            `json:"timeout,omitempty"`
}

// WebhookConfig parks the conversation until a matching external callback.
type WebhookConfig struct {
	Filter     string            `json:"filter"` // jq boolean expression over the event
	Variables  map[string]string `json:"variables,omitempty"`
	Timeout    int               `json:"timeout,omitempty"` // seconds; 0 = no timeout
	CancelText string            `json:"cancel_text,omitempty"`
	Cases      []Case            `json:"cases,omitempty"` // match / timeout / cancel
}

// DelayConfig suspends the conversation for a rendered number of seconds.
type DelayConfig struct {
	Time        string `json:"time"`
	OConnection string `json:"o_connection,omitempty"`
}

// SetVarsConfig applies scope writes and deletes, then continues.
type SetVarsConfig struct {
	Set         map[string]any `json:"set,omitempty"`
	Unset       []string       `json:"unset,omitempty"`
	OConnection string         `json:"o_connection,omitempty"`
}

// SubroutineConfig jumps into a reusable subgraph with return-to-caller semantics.
type SubroutineConfig struct {
	GoSub       string `json:"go_sub"`
	OConnection string `json:"o_connection,omitempty"`
}

// EmailConfig sends an email through a configured SMTP server.
type EmailConfig struct {
	ServerID    string   `json:"server_id,omitempty"`
	Sender      string   `json:"sender,omitempty"`
	Recipients  []string `json:"recipients"`
	Subject     string   `json:"subject"`
	Text        string   `json:"text"`
	Format      string   `json:"format,omitempty"` // plain, html
	OConnection string   `json:"o_connection,omitempty"`
}

// MediaConfig sends a media reference.
type MediaConfig struct {
	URL         string `json:"url"`
	Text        string `json:"text,omitempty"`
	MediaType   string `json:"media_type,omitempty"` // image, audio, video, file
	OConnection string `json:"o_connection,omitempty"`
}

// LocationConfig sends a geographic position.
type LocationConfig struct {
	Latitude    string `json:"latitude"`
	Longitude   string `json:"longitude"`
	OConnection string `json:"o_connection,omitempty"`
}

// CheckTimeConfig evaluates calendar/timezone predicates into True/False cases.
type CheckTimeConfig struct {
	Timezone    string   `json:"timezone,omitempty"`
	TimeRanges  []string `json:"time_ranges,omitempty"`    // "HH:MM-HH:MM"
	Days        []string `json:"days_of_week,omitempty"`   // "mon".."sun" or "*"
	DaysOfMonth []string `json:"days_of_month,omitempty"`  // "1-15", "20", "*"
	Months      []string `json:"months,omitempty"`         // "jan".."dec" or "*"
	Cases       []Case   `json:"cases"`
}

// CheckHolidayConfig routes by whether today is a configured holiday.
type CheckHolidayConfig struct {
	Timezone string   `json:"timezone,omitempty"`
	// Holidays are "MM-DD" (recurring) or "YYYY-MM-DD" (one-off) dates,
	// templated so they can come from flow variables.
	Holidays []string `json:"holidays,omitempty"`
	Cases    []Case   `json:"cases"`
}

// InviteUserConfig invites a user and waits for join/reject/timeout.
type InviteUserConfig struct {
	Invitee string `json:"invitee"`
	Timeout int    `json:"timeout,omitempty"` // seconds; 0 = engine default
	Cases   []Case `json:"cases"`             // join / reject / timeout
}

// LeaveConfig makes the bot leave the room.
type LeaveConfig struct {
	Reason      string `json:"reason,omitempty"`
	OConnection string `json:"o_connection,omitempty"`
}

// GPTAssistantConfig delegates a turn to an LLM provider middleware.
type GPTAssistantConfig struct {
	Middleware   string `json:"middleware"`
	Instructions string `json:"instructions,omitempty"`
	Variable     string `json:"variable,omitempty"`
	Cases        []Case `json:"cases,omitempty"`
	OConnection  string `json:"o_connection,omitempty"`
}

// ParseNode decodes a raw node definition into a typed Node.
// The id is trimmed of surrounding whitespace; matching is exact and
// case-sensitive thereafter.
func ParseNode(raw json.RawMessage) (*Node, error) {
	var head struct {
		ID   string   `json:"id"`
		Type NodeType `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, NewErrorf(ErrCodeValidation, "malformed node definition: %s", err.Error()).WithCause(err)
	}

	n := &Node{
		ID:   strings.TrimSpace(head.ID),
		Type: head.Type,
		Raw:  raw,
	}
	if n.ID == "" {
		return nil, NewError(ErrCodeValidation, "node is missing an id")
	}

	var err error
	switch head.Type {
	case NodeTypeMessage:
		err = decodeInto(raw, &n.Message)
	case NodeTypeInput:
		err = decodeInto(raw, &n.Input)
	case NodeTypeSwitch:
		err = decodeInto(raw, &n.Switch)
	case NodeTypeHTTPRequest:
		err = decodeInto(raw, &n.HTTPRequest)
	case NodeTypeWebhook:
		err = decodeInto(raw, &n.Webhook)
	case NodeTypeDelay:
		err = decodeInto(raw, &n.Delay)
	case NodeTypeSetVars:
		err = decodeInto(raw, &n.SetVars)
	case NodeTypeSubroutine:
		err = decodeInto(raw, &n.Subroutine)
	case NodeTypeEmail:
		err = decodeInto(raw, &n.Email)
	case NodeTypeMedia:
		err = decodeInto(raw, &n.Media)
	case NodeTypeLocation:
		err = decodeInto(raw, &n.Location)
	case NodeTypeCheckTime:
		err = decodeInto(raw, &n.CheckTime)
	case NodeTypeCheckHoliday:
		err = decodeInto(raw, &n.CheckHoliday)
	case NodeTypeInviteUser:
		err = decodeInto(raw, &n.InviteUser)
	case NodeTypeLeave:
		err = decodeInto(raw, &n.Leave)
	case NodeTypeGPTAssistant:
		err = decodeInto(raw, &n.GPTAssistant)
	default:
		return nil, NewErrorf(ErrCodeValidation, "unknown node type %q", head.Type).WithNode(n.ID)
	}
	if err != nil {
		return nil, NewErrorf(ErrCodeValidation, "node %q (%s): %s", n.ID, head.Type, err.Error()).
			WithNode(n.ID).WithCause(err)
	}
	return n, nil
}

func decodeInto[T any](raw json.RawMessage, dst **T) error {
	cfg := new(T)
	if err := json.Unmarshal(raw, cfg); err != nil {
		return err
	}
	*dst = cfg
	return nil
}

// CaseByID returns the case matching id, falling back to the "default" case.
// The second return reports whether any case (including default) was found.
func CaseByID(cases []Case, id string) (*Case, bool) {
	var fallback *Case
	for i := range cases {
		switch cases[i].ID {
		case id:
			return &cases[i], true
		case CaseDefault:
			fallback = &cases[i]
		}
	}
	if fallback != nil {
		return fallback, true
	}
	return nil, false
}
