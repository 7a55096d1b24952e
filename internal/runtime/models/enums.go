// Package models defines the session, conversation, and event data model
// for the execution runtime.
package models

// SessionStatus is the durable session status persisted in the index.
type SessionStatus string

const (
	SessionStatusCreated             SessionStatus = "created"
	SessionStatusCommitted           SessionStatus = "committed"
	SessionStatusAwaitingToolResults SessionStatus = "awaiting_tool_results"
	SessionStatusFailed              SessionStatus = "failed"
	SessionStatusArchived            SessionStatus = "archived"
)

// SessionType distinguishes main agent runs from async subagent runs.
type SessionType string

const (
	SessionTypeAgent         SessionType = "agent"
	SessionTypeAsyncSubagent SessionType = "async_subagent"
)

// TransportKind selects how normalized events reach the consumer.
type TransportKind string

const (
	// TransportSSE marks the session for consumption over the SSE
	// events endpoint. The run request itself returns 202 immediately.
	TransportSSE TransportKind = "sse"
	// TransportStream publishes events onto the ephemeral bus; a bridge
	// replays them as a resumable stream.
	TransportStream TransportKind = "stream"
)

// ConversationStatus is the lifecycle state of a conversation.
type ConversationStatus string

const (
	ConversationStatusActive   ConversationStatus = "active"
	ConversationStatusArchived ConversationStatus = "archived"
)

// ShellMode selects the execution environment backend.
type ShellMode string

const (
	ShellModeLocal  ShellMode = "local"
	ShellModeDocker ShellMode = "docker"
)

// MailboxSourceType classifies a mailbox message by subagent outcome.
type MailboxSourceType string

const (
	MailboxSourceSubagentResult MailboxSourceType = "subagent_result"
	MailboxSourceSubagentFailed MailboxSourceType = "subagent_failed"
)

// ContentMode is the delivery mode for non-text input parts.
type ContentMode string

const (
	// ContentModeFile materializes the part into the environment and
	// references its path. Safe for all models.
	ContentModeFile ContentMode = "file"
	// ContentModeInline passes the part directly into model context.
	// Fails loudly if the model cannot accept the content type.
	ContentModeInline ContentMode = "inline"
)

// InputPartType is the content part type in user input.
type InputPartType string

const (
	InputPartText   InputPartType = "text"
	InputPartURL    InputPartType = "url"
	InputPartFile   InputPartType = "file"
	InputPartBinary InputPartType = "binary"
)

// EventType enumerates protocol event types emitted during execution.
type EventType string

const (
	// Lifecycle
	EventRunStarted   EventType = "run_started"
	EventRunCompleted EventType = "run_completed"
	EventRunFailed    EventType = "run_failed"

	// Content
	EventMessageStart EventType = "message_start"
	EventContentDelta EventType = "content_delta"
	EventContentDone  EventType = "content_done"
	EventMessageEnd   EventType = "message_end"

	// Tool
	EventToolCallStart     EventType = "tool_call_start"
	EventToolCallArgsDelta EventType = "tool_call_args_delta"
	EventToolCallResult    EventType = "tool_call_result"
	EventToolCallEnd       EventType = "tool_call_end"

	// Subagent
	EventSubagentStarted   EventType = "subagent_started"
	EventSubagentCompleted EventType = "subagent_completed"

	// Control
	EventInterruptReceived EventType = "interrupt_received"
	EventSteeringInjected  EventType = "steering_injected"
	EventUsageSnapshot     EventType = "usage_snapshot"
)

// IsTerminal reports whether the event type ends a session's event
// sequence. No event may follow a terminal event.
func (t EventType) IsTerminal() bool {
	return t == EventRunCompleted || t == EventRunFailed
}
