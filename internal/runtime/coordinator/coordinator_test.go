package coordinator

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/events/bus"
	"github.com/netherbrain/netherbrain/internal/runtime/engine"
	"github.com/netherbrain/netherbrain/internal/runtime/environment"
	"github.com/netherbrain/netherbrain/internal/runtime/input"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
	"github.com/netherbrain/netherbrain/internal/runtime/store"
	"github.com/netherbrain/netherbrain/internal/runtime/transport"
)

type fixture struct {
	coord *Coordinator
	repo  repository.Repository
	store store.StateStore
	reg   *registry.Registry
	hub   *transport.Hub
	eng   *engine.ScriptedEngine
}

func newFixture(t *testing.T, eng *engine.ScriptedEngine) *fixture {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	repo, err := repository.NewSQLiteRepository(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	stateStore, err := store.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	t.Cleanup(memBus.Close)

	reg := registry.NewRegistry(log)
	hub := transport.NewHub(0, log)
	res := resolver.NewResolver(repo, "NETHERBRAIN_", log)
	envs := environment.NewManager(t.TempDir(), nil, log)

	require.NoError(t, repo.CreatePreset(context.Background(), &models.Preset{
		Name:         "default",
		Model:        models.ModelSpec{Name: "test-model"},
		SystemPrompt: "You are a test agent.",
		Subagents:    models.SubagentSpec{Allowed: []string{"researcher"}},
		IsDefault:    true,
	}))

	coord := NewCoordinator(repo, stateStore, reg, res, input.NewMapper(), envs, eng,
		hub, transport.NewPublisher(memBus, log), log)
	return &fixture{coord: coord, repo: repo, store: stateStore, reg: reg, hub: hub, eng: eng}
}

func (f *fixture) createSession(t *testing.T, text string) *models.Session {
	t.Helper()
	session, err := f.repo.CreateSession(context.Background(), &repository.SessionCreate{
		SessionType: models.SessionTypeAgent,
		Transport:   models.TransportSSE,
		Input:       models.TextInput(text),
	})
	require.NoError(t, err)
	return session
}

func (f *fixture) waitTerminal(t *testing.T, sessionID string) *models.Session {
	t.Helper()
	var got *models.Session
	require.Eventually(t, func() bool {
		session, err := f.repo.GetSession(context.Background(), sessionID)
		if err != nil {
			return false
		}
		got = session
		return session.Status != models.SessionStatusCreated
	}, 5*time.Second, 20*time.Millisecond)

	// The registry entry is gone once the run goroutine exits.
	require.Eventually(t, func() bool {
		_, active := f.reg.Get(sessionID)
		return !active
	}, 5*time.Second, 10*time.Millisecond)
	return got
}

func contentEvent(text string) engine.Event {
	return engine.Event{
		Type:    models.EventContentDelta,
		Payload: map[string]any{"text": text},
	}
}

func TestRunCommitsAndStreams(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{
		Events: []engine.Event{
			{Type: models.EventMessageStart, Payload: map[string]any{"role": "assistant"}},
			contentEvent("hello "),
			contentEvent("world"),
			{Type: models.EventMessageEnd},
		},
		Result: &engine.Result{
			FinalMessage:   "hello world",
			Usage:          models.UsageSummary{TotalTokens: 12},
			ContextState:   json.RawMessage(`{"turn":1}`),
			MessageHistory: json.RawMessage(`[]`),
		},
	})
	f := newFixture(t, eng)
	session := f.createSession(t, "say hello")

	require.NoError(t, f.coord.Start(&RunParams{Session: session, Resolve: &resolver.Request{}}))

	ch, cancel, err := f.hub.Subscribe(session.SessionID, 0)
	require.NoError(t, err)
	defer cancel()

	var types []models.EventType
	for ev := range ch {
		types = append(types, ev.EventType)
	}
	require.NotEmpty(t, types)
	assert.Equal(t, models.EventRunStarted, types[0])
	assert.Equal(t, models.EventRunCompleted, types[len(types)-1])

	got := f.waitTerminal(t, session.SessionID)
	assert.Equal(t, models.SessionStatusCommitted, got.Status)
	require.NotNil(t, got.FinalMessage)
	assert.Equal(t, "hello world", *got.FinalMessage)
	require.NotNil(t, got.RunSummary)
	assert.Equal(t, 12, got.RunSummary.Usage.TotalTokens)

	state, err := f.store.ReadState(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"turn":1}`, string(state.ContextState))

	display, err := f.store.ReadDisplay(context.Background(), session.SessionID)
	require.NoError(t, err)
	require.Len(t, display, 1)
	assert.Equal(t, "hello world", display[0].Text)
}

func TestRunEngineFailure(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{
		Events: []engine.Event{contentEvent("partial")},
		Err:    assert.AnError,
	})
	f := newFixture(t, eng)
	session := f.createSession(t, "doomed")

	require.NoError(t, f.coord.Start(&RunParams{Session: session, Resolve: &resolver.Request{}}))

	ch, cancel, err := f.hub.Subscribe(session.SessionID, 0)
	require.NoError(t, err)
	defer cancel()
	var last models.ProtocolEvent
	for ev := range ch {
		last = ev
	}
	assert.Equal(t, models.EventRunFailed, last.EventType)

	got := f.waitTerminal(t, session.SessionID)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
}

func TestRunInterruptPartialCommit(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{
		Events: []engine.Event{contentEvent("partial output")},
		Result: &engine.Result{
			FinalMessage:   "partial output",
			ContextState:   json.RawMessage(`{"partial":true}`),
			MessageHistory: json.RawMessage(`[]`),
		},
		BlockAfterEvents: true,
	})
	f := newFixture(t, eng)
	session := f.createSession(t, "long task")

	require.NoError(t, f.coord.Start(&RunParams{Session: session, Resolve: &resolver.Request{}}))

	ch, cancel, err := f.hub.Subscribe(session.SessionID, 0)
	require.NoError(t, err)
	defer cancel()

	// Wait until the run is mid-flight, then interrupt via the registry
	// cancel func, the same path the control plane uses.
	require.Eventually(t, func() bool {
		_, ok := f.reg.Get(session.SessionID)
		return ok
	}, time.Second, 10*time.Millisecond)
	runtime, ok := f.reg.Get(session.SessionID)
	require.True(t, ok)
	runtime.Cancel()

	var types []models.EventType
	for ev := range ch {
		types = append(types, ev.EventType)
	}
	assert.Contains(t, types, models.EventInterruptReceived)
	assert.Equal(t, models.EventRunCompleted, types[len(types)-1])

	// Partial output commits; interrupt is not failure.
	got := f.waitTerminal(t, session.SessionID)
	assert.Equal(t, models.SessionStatusCommitted, got.Status)

	state, err := f.store.ReadState(context.Background(), session.SessionID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"partial":true}`, string(state.ContextState))
}

func TestRunDeferredToolCallsPark(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{
		Events: []engine.Event{
			{Type: models.EventToolCallStart, Payload: map[string]any{
				"tool_call_id": "t1", "tool_name": "deploy"}},
		},
		Result: &engine.Result{
			FinalMessage: "awaiting approval",
			DeferredToolCalls: []models.DeferredToolCall{
				{ToolCallID: "t1", ToolName: "deploy"},
			},
		},
	})
	f := newFixture(t, eng)
	session := f.createSession(t, "deploy it")

	require.NoError(t, f.coord.Start(&RunParams{Session: session, Resolve: &resolver.Request{}}))

	got := f.waitTerminal(t, session.SessionID)
	assert.Equal(t, models.SessionStatusAwaitingToolResults, got.Status)

	state, err := f.store.ReadState(context.Background(), session.SessionID)
	require.NoError(t, err)
	require.Len(t, state.DeferredToolCalls, 1)
	assert.Equal(t, "deploy", state.DeferredToolCalls[0].ToolName)
}

func TestRunConflictSecondAgentSession(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{BlockAfterEvents: true})
	f := newFixture(t, eng)
	first := f.createSession(t, "first")

	require.NoError(t, f.coord.Start(&RunParams{Session: first, Resolve: &resolver.Request{}}))
	t.Cleanup(func() {
		if runtime, ok := f.reg.Get(first.SessionID); ok {
			runtime.Cancel()
		}
	})

	second, err := f.repo.CreateSession(context.Background(), &repository.SessionCreate{
		ParentSessionID: nil,
		ConversationID:  first.ConversationID,
		SessionType:     models.SessionTypeAgent,
		Transport:       models.TransportSSE,
		Input:           models.TextInput("second"),
	})
	require.NoError(t, err)

	err = f.coord.Start(&RunParams{Session: second, Resolve: &resolver.Request{}})
	assert.True(t, apperrors.IsConflict(err))
}

func TestRunSubagentDispatchAppendsMailbox(t *testing.T) {
	eng := engine.NewScriptedEngine(
		engine.Script{
			Events: []engine.Event{
				{Type: models.EventSubagentStarted, Payload: map[string]any{
					"name": "researcher", "input": "dig into logs"}},
				contentEvent("dispatched"),
			},
			Result: &engine.Result{FinalMessage: "dispatched"},
		},
		// Script consumed by the subagent run.
		engine.Script{
			Events: []engine.Event{contentEvent("findings")},
			Result: &engine.Result{FinalMessage: "findings"},
		},
	)
	f := newFixture(t, eng)
	session := f.createSession(t, "investigate")

	require.NoError(t, f.coord.Start(&RunParams{Session: session, Resolve: &resolver.Request{}}))
	f.waitTerminal(t, session.SessionID)

	require.Eventually(t, func() bool {
		count, err := f.repo.PendingMailboxCount(context.Background(), session.ConversationID)
		return err == nil && count == 1
	}, 5*time.Second, 20*time.Millisecond)

	sessions, err := f.repo.ListSessions(context.Background(), session.ConversationID, 10, 0)
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	sub := sessions[1]
	assert.Equal(t, models.SessionTypeAsyncSubagent, sub.SessionType)
	require.NotNil(t, sub.SpawnedBy)
	assert.Equal(t, "researcher", *sub.SpawnedBy)
}

func TestSteeringDeliveredAndDeduplicated(t *testing.T) {
	eng := engine.NewScriptedEngine(engine.Script{
		Events:    []engine.Event{contentEvent("a"), contentEvent("b")},
		StepDelay: 50 * time.Millisecond,
		Result:    &engine.Result{FinalMessage: "ab"},
	})
	f := newFixture(t, eng)
	session := f.createSession(t, "steer me")

	require.NoError(t, f.coord.Start(&RunParams{Session: session, Resolve: &resolver.Request{}}))

	runtime, ok := f.reg.Get(session.SessionID)
	require.True(t, ok)

	msg := models.SteeringMessage{MessageID: "m1", Text: "focus"}
	require.NoError(t, runtime.Steering.Inject(msg))
	require.NoError(t, runtime.Steering.Inject(msg)) // retry, deduplicated

	f.waitTerminal(t, session.SessionID)
	require.Len(t, eng.Steered, 1)
	assert.Equal(t, "focus", eng.Steered[0].Text)
}
