// Package processor normalizes raw engine events into the ordered
// protocol event stream and computes the compressed display transcript.
package processor

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/netherbrain/netherbrain/internal/runtime/engine"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// Processor assigns identity and order to one session's events. After a
// terminal event nothing further is accepted.
type Processor struct {
	sessionID string

	mu       sync.Mutex
	seq      uint64
	terminal bool
	buffer   []models.ProtocolEvent
}

// NewProcessor creates a processor for one session.
func NewProcessor(sessionID string) *Processor {
	return &Processor{sessionID: sessionID}
}

// Process normalizes a raw engine event. Returns an error for events
// arriving after the terminal event.
func (p *Processor) Process(ev engine.Event) (*models.ProtocolEvent, error) {
	return p.emit(ev.Type, ev.AgentID, ev.Payload)
}

// Emit produces an envelope event originating from the orchestration
// layer itself (run_started, run_failed on setup errors, and so on).
func (p *Processor) Emit(eventType models.EventType, payload map[string]any) (*models.ProtocolEvent, error) {
	return p.emit(eventType, "", payload)
}

func (p *Processor) emit(eventType models.EventType, agentID string, payload map[string]any) (*models.ProtocolEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.terminal {
		return nil, fmt.Errorf("event %q after terminal event for session %s", eventType, p.sessionID)
	}

	p.seq++
	event := models.ProtocolEvent{
		EventID:   uuid.New().String(),
		EventType: eventType,
		SessionID: p.sessionID,
		Seq:       p.seq,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		Payload:   payload,
	}
	p.buffer = append(p.buffer, event)

	if eventType.IsTerminal() {
		p.terminal = true
	}
	return &event, nil
}

// Terminal reports whether the stream has ended.
func (p *Processor) Terminal() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.terminal
}

// Events returns the full ordered buffer.
func (p *Processor) Events() []models.ProtocolEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]models.ProtocolEvent, len(p.buffer))
	copy(out, p.buffer)
	return out
}

// Compress collapses the event buffer into display messages: coalesced
// assistant text per message, one summary entry per tool call. The
// transform is one-way; raw events are not reconstructable from it.
func (p *Processor) Compress() []models.DisplayMessage {
	p.mu.Lock()
	events := make([]models.ProtocolEvent, len(p.buffer))
	copy(events, p.buffer)
	p.mu.Unlock()

	var out []models.DisplayMessage
	var currentRole string
	var currentText string
	inMessage := false

	flush := func() {
		if inMessage && currentText != "" {
			role := currentRole
			if role == "" {
				role = "assistant"
			}
			out = append(out, models.DisplayMessage{Role: role, Text: currentText})
		}
		inMessage = false
		currentRole = ""
		currentText = ""
	}

	toolNames := make(map[string]string)
	for _, ev := range events {
		switch ev.EventType {
		case models.EventMessageStart:
			flush()
			inMessage = true
			if role, ok := ev.Payload["role"].(string); ok {
				currentRole = role
			}
		case models.EventContentDelta:
			if text, ok := ev.Payload["text"].(string); ok {
				currentText += text
				inMessage = true
			}
		case models.EventMessageEnd:
			flush()
		case models.EventToolCallStart:
			if id, ok := ev.Payload["tool_call_id"].(string); ok {
				toolNames[id], _ = ev.Payload["tool_name"].(string)
			}
		case models.EventToolCallResult:
			flush()
			msg := models.DisplayMessage{Role: "tool"}
			if id, ok := ev.Payload["tool_call_id"].(string); ok {
				msg.ToolName = toolNames[id]
			}
			if summary, ok := ev.Payload["summary"].(string); ok {
				msg.Summary = summary
			} else if output, ok := ev.Payload["output"].(string); ok {
				msg.Summary = truncate(output, 500)
			}
			out = append(out, msg)
		case models.EventSteeringInjected:
			flush()
			if text, ok := ev.Payload["text"].(string); ok {
				out = append(out, models.DisplayMessage{Role: "system", Text: text,
					Metadata: map[string]any{"steering": true}})
			}
		}
	}
	flush()
	return out
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
