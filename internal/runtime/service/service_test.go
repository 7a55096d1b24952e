package service

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/events/bus"
	"github.com/netherbrain/netherbrain/internal/runtime/coordinator"
	"github.com/netherbrain/netherbrain/internal/runtime/engine"
	"github.com/netherbrain/netherbrain/internal/runtime/environment"
	"github.com/netherbrain/netherbrain/internal/runtime/input"
	"github.com/netherbrain/netherbrain/internal/runtime/mailbox"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
	"github.com/netherbrain/netherbrain/internal/runtime/store"
	"github.com/netherbrain/netherbrain/internal/runtime/transport"
)

type fixture struct {
	svc  *Service
	repo repository.Repository
	reg  *registry.Registry
}

func newFixture(t *testing.T, scripts ...engine.Script) *fixture {
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
	if len(scripts) == 0 {
		scripts = []engine.Script{{Result: &engine.Result{FinalMessage: "done"}}}
	}
	eng := engine.NewScriptedEngine(scripts...)

	require.NoError(t, repo.CreatePreset(context.Background(), &models.Preset{
		Name:         "default",
		Model:        models.ModelSpec{Name: "test-model"},
		SystemPrompt: "test",
		IsDefault:    true,
	}))

	coord := coordinator.NewCoordinator(repo, stateStore, reg,
		resolver.NewResolver(repo, "NETHERBRAIN_", log),
		input.NewMapper(),
		environment.NewManager(t.TempDir(), nil, log),
		eng, transport.NewHub(0, log), transport.NewPublisher(memBus, log), log)
	mb := mailbox.NewService(repo, coord, log)

	return &fixture{
		svc:  NewService(repo, stateStore, reg, coord, mb, log),
		repo: repo,
		reg:  reg,
	}
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
	return got
}

func TestRunStartsNewConversation(t *testing.T) {
	f := newFixture(t)

	session, err := f.svc.Run(context.Background(), &RunOptions{
		Input: models.TextInput("hello"),
	})
	require.NoError(t, err)
	assert.Equal(t, session.SessionID, session.ConversationID)

	got := f.waitTerminal(t, session.SessionID)
	assert.Equal(t, models.SessionStatusCommitted, got.Status)
}

func TestRunContinuationUsesLatestCommittedParent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Run(ctx, &RunOptions{Input: models.TextInput("first")})
	require.NoError(t, err)
	f.waitTerminal(t, first.SessionID)

	second, err := f.svc.Run(ctx, &RunOptions{
		ConversationID: first.ConversationID,
		Input:          models.TextInput("second"),
	})
	require.NoError(t, err)
	require.NotNil(t, second.ParentSessionID)
	assert.Equal(t, first.SessionID, *second.ParentSessionID)
	assert.Equal(t, first.ConversationID, second.ConversationID)
	f.waitTerminal(t, second.SessionID)
}

func TestRunConflictReturnsActiveDescriptor(t *testing.T) {
	f := newFixture(t, engine.Script{BlockAfterEvents: true})
	ctx := context.Background()

	first, err := f.svc.Run(ctx, &RunOptions{Input: models.TextInput("long")})
	require.NoError(t, err)
	t.Cleanup(func() {
		if runtime, ok := f.reg.Get(first.SessionID); ok {
			runtime.Cancel()
		}
	})

	_, err = f.svc.Run(ctx, &RunOptions{
		ConversationID: first.ConversationID,
		Input:          models.TextInput("too soon"),
	})
	require.True(t, apperrors.IsConflict(err))
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, first.SessionID, appErr.Details["active_session_id"])
}

func TestRunUnknownConversation(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Run(context.Background(), &RunOptions{
		ConversationID: "no-such-conversation",
		Input:          models.TextInput("hi"),
	})
	assert.True(t, apperrors.IsNotFound(err))
}

func TestRunEmptyInput(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Run(context.Background(), &RunOptions{})
	require.Error(t, err)
	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, apperrors.ErrCodeValidationError, appErr.Code)
}

func TestForkStartsNewConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	root, err := f.svc.Run(ctx, &RunOptions{Input: models.TextInput("root")})
	require.NoError(t, err)
	f.waitTerminal(t, root.SessionID)

	fork, err := f.svc.Fork(ctx, root.SessionID, &RunOptions{Input: models.TextInput("branch")})
	require.NoError(t, err)
	require.NotNil(t, fork.ParentSessionID)
	assert.Equal(t, root.SessionID, *fork.ParentSessionID)
	assert.NotEqual(t, root.ConversationID, fork.ConversationID)
	f.waitTerminal(t, fork.SessionID)

	// Both conversations can now run concurrently.
	_, err = f.svc.Run(ctx, &RunOptions{
		ConversationID: root.ConversationID,
		Input:          models.TextInput("continue original"),
	})
	require.NoError(t, err)
}

func TestStatusRegistryFirst(t *testing.T) {
	f := newFixture(t, engine.Script{BlockAfterEvents: true})
	ctx := context.Background()

	session, err := f.svc.Run(ctx, &RunOptions{Input: models.TextInput("long")})
	require.NoError(t, err)

	status, err := f.svc.Status(ctx, session.SessionID)
	require.NoError(t, err)
	assert.True(t, status.Running)
	assert.Equal(t, "running", status.Status)

	runtime, ok := f.reg.Get(session.SessionID)
	require.True(t, ok)
	runtime.Cancel()
	f.waitTerminal(t, session.SessionID)

	require.Eventually(t, func() bool {
		status, err = f.svc.Status(ctx, session.SessionID)
		return err == nil && !status.Running
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, string(models.SessionStatusCommitted), status.Status)
}

func TestStatusUnknownSession(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Status(context.Background(), "missing")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestTurnsAggregatesDisplay(t *testing.T) {
	f := newFixture(t,
		engine.Script{
			Events: []engine.Event{
				{Type: models.EventMessageStart, Payload: map[string]any{"role": "assistant"}},
				{Type: models.EventContentDelta, Payload: map[string]any{"text": "turn one"}},
				{Type: models.EventMessageEnd},
			},
			Result: &engine.Result{FinalMessage: "turn one"},
		},
		engine.Script{
			Events: []engine.Event{
				{Type: models.EventMessageStart, Payload: map[string]any{"role": "assistant"}},
				{Type: models.EventContentDelta, Payload: map[string]any{"text": "turn two"}},
				{Type: models.EventMessageEnd},
			},
			Result: &engine.Result{FinalMessage: "turn two"},
		},
	)
	ctx := context.Background()

	first, err := f.svc.Run(ctx, &RunOptions{Input: models.TextInput("one")})
	require.NoError(t, err)
	f.waitTerminal(t, first.SessionID)
	second, err := f.svc.Run(ctx, &RunOptions{
		ConversationID: first.ConversationID,
		Input:          models.TextInput("two"),
	})
	require.NoError(t, err)
	f.waitTerminal(t, second.SessionID)

	var turns []models.DisplayMessage
	require.Eventually(t, func() bool {
		turns, err = f.svc.Turns(ctx, first.ConversationID)
		return err == nil && len(turns) == 2
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "turn one", turns[0].Text)
	assert.Equal(t, "turn two", turns[1].Text)
}

func TestStartupSweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orphan, err := f.repo.CreateSession(ctx, &repository.SessionCreate{
		SessionType: models.SessionTypeAgent,
		Transport:   models.TransportSSE,
		Input:       models.TextInput("orphan"),
	})
	require.NoError(t, err)

	require.NoError(t, f.svc.StartupSweep(ctx))

	got, err := f.repo.GetSession(ctx, orphan.SessionID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
}
