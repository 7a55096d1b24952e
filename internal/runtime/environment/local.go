package environment

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
)

// localState is the exported resource state for local environments.
type localState struct {
	DownloadsDir string `json:"downloads_dir"`
}

// localEnvironment runs the session against directories under the data
// root. Virtual paths are the real paths.
type localEnvironment struct {
	projects     []ProjectPath
	downloadsDir string
}

func (m *Manager) openLocal(cfg *resolver.ResolvedConfig, sessionID string, previous json.RawMessage) (Environment, error) {
	downloadsDir := filepath.Join(m.dataRoot, "sessions", sessionID, "downloads")
	if previous != nil {
		var state localState
		if err := json.Unmarshal(previous, &state); err == nil && state.DownloadsDir != "" {
			downloadsDir = state.DownloadsDir
		}
	}
	if err := os.MkdirAll(downloadsDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create downloads dir: %w", err)
	}

	projects := make([]ProjectPath, 0, len(cfg.ProjectIDs))
	for _, id := range cfg.ProjectIDs {
		real := filepath.Join(m.dataRoot, "projects", id)
		if err := os.MkdirAll(real, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create project dir %q: %w", id, err)
		}
		projects = append(projects, ProjectPath{ProjectID: id, RealPath: real, VirtualPath: real})
	}

	return &localEnvironment{projects: projects, downloadsDir: downloadsDir}, nil
}

func (e *localEnvironment) ShellMode() models.ShellMode {
	return models.ShellModeLocal
}

func (e *localEnvironment) ProjectPaths() []ProjectPath {
	return e.projects
}

func (e *localEnvironment) Materialize(ctx context.Context, suggestedName string, data []byte) (string, error) {
	target := collisionSafePath(e.downloadsDir, suggestedName)
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return "", err
	}
	return target, nil
}

func (e *localEnvironment) ExportState() (json.RawMessage, error) {
	return json.Marshal(localState{DownloadsDir: e.downloadsDir})
}

func (e *localEnvironment) Close() error {
	return nil
}

// collisionSafePath appends -1, -2, ... before the extension until the
// name is free in dir.
func collisionSafePath(dir, name string) string {
	if name == "" {
		name = "download"
	}
	candidate := filepath.Join(dir, name)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}

	ext := filepath.Ext(name)
	stem := name[:len(name)-len(ext)]
	for i := 1; ; i++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s-%d%s", stem, i, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
