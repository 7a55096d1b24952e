package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	return NewRegistry(log)
}

func agentSession(sessionID, conversationID string) *RuntimeSession {
	return &RuntimeSession{
		SessionID:      sessionID,
		ConversationID: conversationID,
		SessionType:    models.SessionTypeAgent,
		Cancel:         func() {},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(agentSession("s1", "c1")))

	got, ok := reg.Get("s1")
	require.True(t, ok)
	assert.Equal(t, "c1", got.ConversationID)
	assert.Equal(t, 1, reg.ActiveCount())

	reg.Unregister("s1")
	_, ok = reg.Get("s1")
	assert.False(t, ok)
	assert.Equal(t, 0, reg.ActiveCount())
}

func TestRegisterConflict_OneAgentPerConversation(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(agentSession("s1", "c1")))

	err := reg.Register(agentSession("s2", "c1"))
	require.True(t, apperrors.IsConflict(err))

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "s1", appErr.Details["active_session_id"])

	// A different conversation is fine.
	require.NoError(t, reg.Register(agentSession("s3", "c2")))
}

func TestRegisterSubagentsRunConcurrently(t *testing.T) {
	reg := newTestRegistry(t)

	require.NoError(t, reg.Register(agentSession("s1", "c1")))
	require.NoError(t, reg.Register(&RuntimeSession{
		SessionID:      "sub1",
		ConversationID: "c1",
		SessionType:    models.SessionTypeAsyncSubagent,
		Cancel:         func() {},
	}))
	require.NoError(t, reg.Register(&RuntimeSession{
		SessionID:      "sub2",
		ConversationID: "c1",
		SessionType:    models.SessionTypeAsyncSubagent,
		Cancel:         func() {},
	}))

	assert.Len(t, reg.GetByConversation("c1"), 3)

	active, ok := reg.ActiveAgentSession("c1")
	require.True(t, ok)
	assert.Equal(t, "s1", active.SessionID)

	// After the agent session ends, subagents keep running but no agent
	// session is active.
	reg.Unregister("s1")
	_, ok = reg.ActiveAgentSession("c1")
	assert.False(t, ok)
	assert.Len(t, reg.GetByConversation("c1"), 2)
}

func TestRegisterConcurrencyCap(t *testing.T) {
	reg := newTestRegistry(t)
	reg.SetMaxConcurrent(1)

	require.NoError(t, reg.Register(agentSession("s1", "c1")))

	err := reg.Register(agentSession("s2", "c2"))
	require.Error(t, err)

	var appErr *apperrors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, 503, appErr.HTTPStatus)
	assert.Equal(t, 1, appErr.Details["max_concurrent_runs"])

	// Capacity frees when a session ends.
	reg.Unregister("s1")
	require.NoError(t, reg.Register(agentSession("s2", "c2")))
}

func TestDispatchNames_LastWriterWins(t *testing.T) {
	session := agentSession("s1", "c1")

	session.RecordDispatch("researcher", "sub1")
	session.RecordDispatch("researcher", "sub2")

	id, ok := session.DispatchedSession("researcher")
	require.True(t, ok)
	assert.Equal(t, "sub2", id)

	_, ok = session.DispatchedSession("unknown")
	assert.False(t, ok)
}

func TestDrain(t *testing.T) {
	reg := newTestRegistry(t)

	cancelled := make(chan string, 2)
	for _, id := range []string{"s1", "s2"} {
		id := id
		session := agentSession(id, "c-"+id)
		session.Cancel = func() {
			cancelled <- id
			// Simulate the run goroutine observing cancellation and
			// unregistering shortly after.
			go func() {
				time.Sleep(10 * time.Millisecond)
				reg.Unregister(id)
			}()
		}
		require.NoError(t, reg.Register(session))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, reg.Drain(ctx))

	assert.Equal(t, 0, reg.ActiveCount())
	assert.Len(t, cancelled, 2)
}

func TestDrainTimeout(t *testing.T) {
	reg := newTestRegistry(t)

	// A session that never unregisters.
	require.NoError(t, reg.Register(agentSession("stuck", "c1")))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := reg.Drain(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
