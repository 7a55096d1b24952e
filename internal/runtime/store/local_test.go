package store

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

func TestLocalStoreStateRoundTrip(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	state := &models.SessionState{
		ContextState:   json.RawMessage(`{"turn":3}`),
		MessageHistory: json.RawMessage(`[{"role":"user","text":"hi"}]`),
	}
	require.NoError(t, s.WriteState(ctx, "sess-1", state))

	got, err := s.ReadState(ctx, "sess-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"turn":3}`, string(got.ContextState))

	exists, err := s.Exists(ctx, "sess-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestLocalStoreMissingState(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = s.ReadState(ctx, "unknown")
	assert.True(t, apperrors.IsNotFound(err))

	exists, err := s.Exists(ctx, "unknown")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestLocalStoreDisplay(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	messages := []models.DisplayMessage{
		{Role: "user", Text: "hello"},
		{Role: "assistant", Text: "hi there"},
	}
	require.NoError(t, s.WriteDisplay(ctx, "sess-1", messages))

	got, err := s.ReadDisplay(ctx, "sess-1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "assistant", got[1].Role)

	_, err = s.ReadDisplay(ctx, "sess-2")
	assert.True(t, apperrors.IsNotFound(err))
}

func TestLocalStoreOverwriteAndDelete(t *testing.T) {
	s, err := NewLocalStore(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.WriteState(ctx, "sess-1", &models.SessionState{
		ContextState: json.RawMessage(`{"v":1}`),
	}))
	require.NoError(t, s.WriteState(ctx, "sess-1", &models.SessionState{
		ContextState: json.RawMessage(`{"v":2}`),
	}))

	got, err := s.ReadState(ctx, "sess-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.ContextState))

	require.NoError(t, s.Delete(ctx, "sess-1"))
	require.NoError(t, s.Delete(ctx, "sess-1"))

	_, err = s.ReadState(ctx, "sess-1")
	assert.True(t, apperrors.IsNotFound(err))
}
