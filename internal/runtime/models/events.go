package models

import (
	"time"
)

// ProtocolEvent is the wire-format event envelope delivered over SSE and
// the ephemeral bus. Seq is assigned by the event processor and is the
// resume cursor for the pull stream.
type ProtocolEvent struct {
	EventID   string         `json:"event_id"`
	EventType EventType      `json:"event_type"`
	SessionID string         `json:"session_id"`
	Seq       uint64         `json:"seq"`
	Timestamp time.Time      `json:"timestamp"`
	AgentID   string         `json:"agent_id"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// DisplayMessage is one entry of the compressed display form computed once
// at finalize: coalesced text and tool-call summaries suitable for UI
// rendering and search. The transform is one-way.
type DisplayMessage struct {
	Role     string         `json:"role"` // assistant, tool, system
	Text     string         `json:"text,omitempty"`
	ToolName string         `json:"tool_name,omitempty"`
	Summary  string         `json:"summary,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}
