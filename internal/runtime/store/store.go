package store

import (
	"context"

	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// StateStore persists the heavy per-session blobs: the engine-resumable
// state snapshot and the compressed display transcript. Rows in the
// repository only index these blobs.
type StateStore interface {
	// WriteState persists the full state snapshot for a session.
	WriteState(ctx context.Context, sessionID string, state *models.SessionState) error

	// ReadState loads a session's state snapshot. Returns a NotFound
	// error when the session has no committed state.
	ReadState(ctx context.Context, sessionID string) (*models.SessionState, error)

	// WriteDisplay persists the compressed display transcript.
	WriteDisplay(ctx context.Context, sessionID string, messages []models.DisplayMessage) error

	// ReadDisplay loads the display transcript. Returns a NotFound error
	// when none was written.
	ReadDisplay(ctx context.Context, sessionID string) ([]models.DisplayMessage, error)

	// Exists reports whether a state snapshot was committed for the session.
	Exists(ctx context.Context, sessionID string) (bool, error)

	// Delete removes all blobs for a session. Deleting a missing session
	// is not an error.
	Delete(ctx context.Context, sessionID string) error
}
