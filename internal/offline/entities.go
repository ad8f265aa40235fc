package offline

import "encoding/json"

// Entity payloads persisted in the local write log. Field names double
// as the json_extract index keys used by the read queries.

type Message struct {
	ID              string `json:"id,omitempty"`
	ConversationID  string `json:"conversation_id"`
	Role            string `json:"role,omitempty"`
	Content         string `json:"content"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms,omitempty"`
}

type Conversation struct {
	ID                  string `json:"id,omitempty"`
	UserID              string `json:"user_id"`
	Title               string `json:"title,omitempty"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms,omitempty"`
	CreatedAtUnixMs     int64  `json:"created_at_unix_ms,omitempty"`
}

type ToolResult struct {
	ID              string          `json:"id,omitempty"`
	UserID          string          `json:"user_id"`
	ToolType        string          `json:"tool_type"`
	Input           json.RawMessage `json:"input,omitempty"`
	Output          json.RawMessage `json:"output,omitempty"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms,omitempty"`
}

type Notification struct {
	ID              string `json:"id,omitempty"`
	UserID          string `json:"user_id"`
	Kind            string `json:"kind,omitempty"`
	Title           string `json:"title"`
	Body            string `json:"body,omitempty"`
	Read            bool   `json:"read"`
	CreatedAtUnixMs int64  `json:"created_at_unix_ms,omitempty"`
}

type Setting struct {
	Key             string `json:"key"`
	Value           string `json:"value"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms,omitempty"`
}

// AuditEntry records a user-visible action for later server-side audit
// ingestion. Action is a short, stable identifier; Detail is a small,
// action-specific object (avoid secrets).
type AuditEntry struct {
	ID              string         `json:"id,omitempty"`
	Action          string         `json:"action"`
	Status          string         `json:"status,omitempty"`
	Error           string         `json:"error,omitempty"`
	Detail          map[string]any `json:"detail,omitempty"`
	CreatedAtUnixMs int64          `json:"created_at_unix_ms,omitempty"`
}

type UserProfile struct {
	UserID          string `json:"user_id"`
	Name            string `json:"name,omitempty"`
	Email           string `json:"email,omitempty"`
	Role            string `json:"role,omitempty"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms,omitempty"`
}

type KnowledgeEntry struct {
	Query           string   `json:"query"`
	Answer          string   `json:"answer"`
	Sources         []string `json:"sources,omitempty"`
	CreatedAtUnixMs int64    `json:"created_at_unix_ms,omitempty"`
}
