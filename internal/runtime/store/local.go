package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

const (
	stateFile   = "state.json"
	displayFile = "display.json"
)

// LocalStore keeps session blobs on the local filesystem under
// {root}/sessions/{session_id}/. Writes go through a temp file and a
// rename so readers never observe a partial blob.
type LocalStore struct {
	root string
}

var _ StateStore = (*LocalStore)(nil)

// NewLocalStore creates the data root if needed.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(filepath.Join(root, "sessions"), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create store root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) sessionDir(sessionID string) string {
	return filepath.Join(s.root, "sessions", sessionID)
}

func (s *LocalStore) writeFile(sessionID, name string, v any) error {
	dir := s.sessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create session dir: %w", err)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}

func (s *LocalStore) readFile(sessionID, name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.sessionDir(sessionID), name))
	if os.IsNotExist(err) {
		return apperrors.NotFound("session state", sessionID)
	}
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func (s *LocalStore) WriteState(ctx context.Context, sessionID string, state *models.SessionState) error {
	return s.writeFile(sessionID, stateFile, state)
}

func (s *LocalStore) ReadState(ctx context.Context, sessionID string) (*models.SessionState, error) {
	state := &models.SessionState{}
	if err := s.readFile(sessionID, stateFile, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (s *LocalStore) WriteDisplay(ctx context.Context, sessionID string, messages []models.DisplayMessage) error {
	return s.writeFile(sessionID, displayFile, messages)
}

func (s *LocalStore) ReadDisplay(ctx context.Context, sessionID string) ([]models.DisplayMessage, error) {
	var messages []models.DisplayMessage
	if err := s.readFile(sessionID, displayFile, &messages); err != nil {
		return nil, err
	}
	return messages, nil
}

func (s *LocalStore) Exists(ctx context.Context, sessionID string) (bool, error) {
	_, err := os.Stat(filepath.Join(s.sessionDir(sessionID), stateFile))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalStore) Delete(ctx context.Context, sessionID string) error {
	return os.RemoveAll(s.sessionDir(sessionID))
}
