// Package engine defines the contract with the agent execution engine.
// The engine is an external collaborator: it receives a fully resolved
// run request, streams heterogeneous events, and produces a resumable
// state snapshot when the run ends.
package engine

import (
	"context"
	"encoding/json"

	"github.com/netherbrain/netherbrain/internal/runtime/environment"
	"github.com/netherbrain/netherbrain/internal/runtime/input"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
)

// RunRequest carries everything an engine needs for one run.
type RunRequest struct {
	SessionID string
	Config    *resolver.ResolvedConfig
	Prompt    []input.PromptBlock

	// ContextState and MessageHistory come from the parent session's
	// state snapshot on continuations; nil for fresh runs.
	ContextState   json.RawMessage
	MessageHistory json.RawMessage

	ProjectPaths []environment.ProjectPath

	// Interactions answer deferred tool approvals from the parent
	// session. Unanswered ones are auto-denied by the caller before the
	// request is built.
	Interactions []models.UserInteraction
	ToolResults  []models.ToolResult
}

// Event is one raw engine event before protocol normalization.
type Event struct {
	Type    models.EventType
	AgentID string
	Payload map[string]any
}

// SubagentDispatch asks the orchestration layer to spawn an async
// subagent. Emitted via subagent_started events with a dispatch payload.
type SubagentDispatch struct {
	Name  string
	Input []models.InputPart
}

// Result is the run outcome, valid once the event channel closes.
type Result struct {
	FinalMessage   string
	Usage          models.UsageSummary
	ContextState   json.RawMessage
	MessageHistory json.RawMessage

	// DeferredToolCalls non-empty means the run parked awaiting tool
	// results instead of completing.
	DeferredToolCalls []models.DeferredToolCall
}

// RunHandle is the live handle to a running engine invocation.
type RunHandle interface {
	// Events streams engine events. The channel closes when the run
	// ends; cancellation surfaces as a closed channel too.
	Events() <-chan Event

	// Steer injects soft guidance applied at the next turn boundary.
	Steer(msg models.SteeringMessage) error

	// Result returns the outcome. Only valid after Events closes.
	Result() (*Result, error)
}

// Engine starts runs. Implementations must respect ctx cancellation by
// winding down and closing the event channel.
type Engine interface {
	Run(ctx context.Context, req *RunRequest) (RunHandle, error)
}

// DispatchFromEvent extracts a subagent dispatch request from a
// subagent_started event, if present.
func DispatchFromEvent(ev Event) (*SubagentDispatch, bool) {
	if ev.Type != models.EventSubagentStarted {
		return nil, false
	}
	name, _ := ev.Payload["name"].(string)
	if name == "" {
		return nil, false
	}
	dispatch := &SubagentDispatch{Name: name}
	if text, ok := ev.Payload["input"].(string); ok && text != "" {
		dispatch.Input = models.TextInput(text)
	}
	return dispatch, true
}
