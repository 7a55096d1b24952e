package models

import (
	"encoding/json"
	"time"
)

// UsageSummary aggregates token usage for one run.
type UsageSummary struct {
	TotalTokens      int `json:"total_tokens"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ModelRequests    int `json:"model_requests"`
}

// RunSummary captures run metadata persisted on the session row.
type RunSummary struct {
	DurationMS int64        `json:"duration_ms"`
	Usage      UsageSummary `json:"usage"`
}

// Session is the durable index row for one immutable execution snapshot.
// Once status leaves "created" the row and its blobs are never mutated
// again; any further turn creates a new session with this one as parent.
type Session struct {
	SessionID       string        `json:"session_id"`
	ParentSessionID *string       `json:"parent_session_id,omitempty"`
	ConversationID  string        `json:"conversation_id"`
	Status          SessionStatus `json:"status"`
	SessionType     SessionType   `json:"session_type"`
	Transport       TransportKind `json:"transport"`
	SpawnedBy       *string       `json:"spawned_by,omitempty"`
	PresetID        *string       `json:"preset_id,omitempty"`
	ProjectIDs      []string      `json:"project_ids"`
	Input           []InputPart   `json:"input,omitempty"`
	FinalMessage    *string       `json:"final_message,omitempty"`
	RunSummary      *RunSummary   `json:"run_summary,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
}

// DeferredToolCall is a tool call the engine paused on, awaiting a
// caller decision in a later session.
type DeferredToolCall struct {
	ToolCallID string `json:"tool_call_id"`
	ToolName   string `json:"tool_name"`
	Args       any    `json:"args,omitempty"`
}

// SessionState is the full state blob written to the blob store at commit.
// context_state and message_history are opaque engine-resumable state;
// environment_state holds resource handles to restore on continuation.
type SessionState struct {
	ContextState      json.RawMessage    `json:"context_state,omitempty"`
	MessageHistory    json.RawMessage    `json:"message_history,omitempty"`
	EnvironmentState  json.RawMessage    `json:"environment_state,omitempty"`
	DeferredToolCalls []DeferredToolCall `json:"deferred_tool_calls,omitempty"`
}

// Conversation is a named grouping of sessions sharing one conversation_id.
type Conversation struct {
	ConversationID  string             `json:"conversation_id"`
	Title           *string            `json:"title,omitempty"`
	DefaultPresetID *string            `json:"default_preset_id,omitempty"`
	Metadata        map[string]any     `json:"metadata,omitempty"`
	Status          ConversationStatus `json:"status"`
	CreatedAt       time.Time          `json:"created_at"`
	UpdatedAt       time.Time          `json:"updated_at"`
}

// MailboxMessage is one durable async-subagent outcome pending delivery.
// A message is pending iff DeliveredTo is nil; delivery is a single atomic
// transition from nil to a concrete session id.
type MailboxMessage struct {
	MessageID       string            `json:"message_id"`
	ConversationID  string            `json:"conversation_id"`
	SourceSessionID string            `json:"source_session_id"`
	SourceType      MailboxSourceType `json:"source_type"`
	SubagentName    string            `json:"subagent_name"`
	CreatedAt       time.Time         `json:"created_at"`
	DeliveredTo     *string           `json:"delivered_to,omitempty"`
}

// Pending reports whether the message has not yet been drained.
func (m *MailboxMessage) Pending() bool {
	return m.DeliveredTo == nil
}
