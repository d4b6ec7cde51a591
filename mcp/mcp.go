package mcp

import "encoding/json"

// ClientCapabilities advertises the coordinator's own features when it
// initializes a connection to an MCP server. The coordinator does not
// implement sampling/roots/elicitation itself (those are the ultimate
// editor client's concern), so this is an empty struct: the coordinator
// advertises no client capabilities and it marshals as {}.
type ClientCapabilities struct{}

// ServerCapabilities captures the features a connected MCP server
// advertises in its InitializeResult. Each listed capability is kept as
// raw JSON (capabilities not listed here are dropped); the adapter stores
// it and returns it to callers of `connect`. The coordinator does not
// interpret individual capability flags.
type ServerCapabilities struct {
	Logging     json.RawMessage `json:"logging,omitempty"`
	Prompts     json.RawMessage `json:"prompts,omitempty"`
	Resources   json.RawMessage `json:"resources,omitempty"`
	Tools       json.RawMessage `json:"tools,omitempty"`
	Completions json.RawMessage `json:"completions,omitempty"`
}

// NotificationKind classifies an inbound server notification for dispatch
// to the internal sink. Notifications are never cached.
type NotificationKind string

const (
	NotificationKindProgress NotificationKind = "progress"
	NotificationKindLog      NotificationKind = "log"
	NotificationKindOther    NotificationKind = "other"
)

// ClassifyNotification maps a raw method name to a NotificationKind.
func ClassifyNotification(method string) NotificationKind {
	switch Method(method) {
	case ProgressNotificationMethod:
		return NotificationKindProgress
	case LoggingMessageNotificationMethod:
		return NotificationKindLog
	default:
		return NotificationKindOther
	}
}
