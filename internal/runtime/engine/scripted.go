package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// Script is a canned run fed to the scripted engine.
type Script struct {
	// Events are emitted in order after the run_started envelope is
	// produced by the caller. The scripted engine does not emit
	// lifecycle envelopes itself.
	Events []Event

	// StepDelay inserts a pause before each event, giving tests a
	// window to interrupt or steer mid-run.
	StepDelay time.Duration

	// Result is returned after the last event. Nil means a minimal
	// completed result.
	Result *Result

	// Err makes the run fail after the scripted events.
	Err error

	// BlockAfterEvents keeps the run alive after the scripted events
	// until the context is cancelled.
	BlockAfterEvents bool
}

// ScriptedEngine plays back canned scripts. It backs tests and the mock
// wiring mode.
type ScriptedEngine struct {
	mu      sync.Mutex
	scripts []Script
	next    int

	// Steered records every steering message injected across runs.
	Steered []models.SteeringMessage
}

// NewScriptedEngine queues scripts consumed one per Run call. The last
// script repeats when runs outnumber scripts.
func NewScriptedEngine(scripts ...Script) *ScriptedEngine {
	if len(scripts) == 0 {
		scripts = []Script{{}}
	}
	return &ScriptedEngine{scripts: scripts}
}

func (e *ScriptedEngine) Run(ctx context.Context, req *RunRequest) (RunHandle, error) {
	e.mu.Lock()
	script := e.scripts[e.next]
	if e.next < len(e.scripts)-1 {
		e.next++
	}
	e.mu.Unlock()

	handle := &scriptedHandle{
		engine: e,
		events: make(chan Event),
	}
	go handle.play(ctx, script)
	return handle, nil
}

type scriptedHandle struct {
	engine *ScriptedEngine
	events chan Event

	mu     sync.Mutex
	result *Result
	err    error
	done   bool
}

func (h *scriptedHandle) play(ctx context.Context, script Script) {
	defer close(h.events)

	cancelled := false
	for _, ev := range script.Events {
		if script.StepDelay > 0 {
			select {
			case <-ctx.Done():
				cancelled = true
			case <-time.After(script.StepDelay):
			}
		}
		if cancelled || ctx.Err() != nil {
			cancelled = true
			break
		}
		select {
		case h.events <- ev:
		case <-ctx.Done():
			cancelled = true
		}
		if cancelled {
			break
		}
	}

	if script.BlockAfterEvents && !cancelled {
		<-ctx.Done()
		cancelled = true
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.done = true
	switch {
	case script.Err != nil && !cancelled:
		h.err = script.Err
	case script.Result != nil:
		h.result = script.Result
	default:
		h.result = &Result{
			FinalMessage:   "done",
			ContextState:   json.RawMessage(`{}`),
			MessageHistory: json.RawMessage(`[]`),
		}
	}
}

func (h *scriptedHandle) Events() <-chan Event {
	return h.events
}

func (h *scriptedHandle) Steer(msg models.SteeringMessage) error {
	h.mu.Lock()
	done := h.done
	h.mu.Unlock()
	if done {
		return errors.New("run already finished")
	}

	h.engine.mu.Lock()
	h.engine.Steered = append(h.engine.Steered, msg)
	h.engine.mu.Unlock()
	return nil
}

func (h *scriptedHandle) Result() (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.done {
		return nil, errors.New("run still in progress")
	}
	return h.result, h.err
}
