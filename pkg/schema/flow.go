package schema

import (
	"encoding/json"
	"strings"
)

// FlowDefinition is the JSON-serializable flow format: an ordered collection
// of node definitions, flow-level variable defaults, and middleware
// definitions. Immutable once loaded; a reload replaces it atomically.
type FlowDefinition struct {
	Nodes       []json.RawMessage `json:"nodes"`
	FlowVars    map[string]any    `json:"flow_variables,omitempty"`
	Middlewares []Middleware      `json:"middlewares,omitempty"`
}

// MiddlewareType enumerates the supported middleware behaviors.
type MiddlewareType string

const (
	MiddlewareTypeJWT    MiddlewareType = "jwt"
	MiddlewareTypeBasic  MiddlewareType = "basic"
	MiddlewareTypeAPIKey MiddlewareType = "api_key"
	// MiddlewareTypeProvider is a generic provider call (ASR, LLM, translation)
	// whose response variables are extracted into scope.
	MiddlewareTypeProvider MiddlewareType = "provider"
)

// Middleware is a reusable side-channel definition referenced by id from
// http_request/input-family nodes. Auth middlewares obtain and refresh a
// token; provider middlewares wrap a generic HTTP provider call.
type Middleware struct {
	ID       string            `json:"id"`
	Type     MiddlewareType    `json:"type"`
	URL      string            `json:"url"`
	Method   string            `json:"method,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`
	Body     any               `json:"body,omitempty"`
	Username string            `json:"username,omitempty"`
	Password string            `json:"password,omitempty"`
	// Variables maps scope paths to jq filters applied to the response,
	// e.g. {"route.token": ".access_token"}.
	Variables map[string]string `json:"variables,omitempty"`
	// Attempts caps the 401 reauthentication retry loop per (room, node).
	Attempts int `json:"attempts,omitempty"`
	// TokenPath is the jq filter locating the token in the auth response.
	TokenPath string `json:"token_path,omitempty"`
	// TokenHeader is the header carrying the token on subsequent requests
	// (default "Authorization", prefixed "Bearer ").
	TokenHeader string `json:"token_header,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

// NormalizeFlowID canonicalizes a flow id at registry boundaries.
// Node ids stay case-sensitive; only flow ids are folded.
func NormalizeFlowID(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
