package environment

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
)

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	root := t.TempDir()
	return NewManager(root, nil, log), root
}

func TestOpenLocalCreatesProjectDirs(t *testing.T) {
	m, root := newTestManager(t)

	env, err := m.Open(context.Background(), &resolver.ResolvedConfig{
		ShellMode:  models.ShellModeLocal,
		ProjectIDs: []string{"api", "web"},
	}, "sess-1", nil)
	require.NoError(t, err)
	defer env.Close()

	assert.Equal(t, models.ShellModeLocal, env.ShellMode())
	paths := env.ProjectPaths()
	require.Len(t, paths, 2)
	assert.Equal(t, filepath.Join(root, "projects", "api"), paths[0].RealPath)
	assert.Equal(t, paths[0].RealPath, paths[0].VirtualPath)
	assert.DirExists(t, paths[1].RealPath)
}

func TestLocalMaterializeCollisionSafe(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	env, err := m.Open(ctx, &resolver.ResolvedConfig{ShellMode: models.ShellModeLocal}, "sess-1", nil)
	require.NoError(t, err)
	defer env.Close()

	first, err := env.Materialize(ctx, "report.pdf", []byte("one"))
	require.NoError(t, err)
	second, err := env.Materialize(ctx, "report.pdf", []byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, "report-1.pdf", filepath.Base(second))

	data, err := os.ReadFile(second)
	require.NoError(t, err)
	assert.Equal(t, "two", string(data))
}

func TestLocalStateRestoredAcrossSessions(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()
	cfg := &resolver.ResolvedConfig{ShellMode: models.ShellModeLocal}

	env, err := m.Open(ctx, cfg, "sess-1", nil)
	require.NoError(t, err)
	exported, err := env.ExportState()
	require.NoError(t, err)
	require.NoError(t, env.Close())

	// The continuation reuses the parent's downloads directory.
	restored, err := m.Open(ctx, cfg, "sess-2", exported)
	require.NoError(t, err)
	defer restored.Close()

	var state localState
	require.NoError(t, json.Unmarshal(exported, &state))
	p, err := restored.Materialize(ctx, "a.txt", []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, state.DownloadsDir, filepath.Dir(p))
}

func TestOpenDockerWithoutClient(t *testing.T) {
	m, _ := newTestManager(t)

	_, err := m.Open(context.Background(), &resolver.ResolvedConfig{
		ShellMode: models.ShellModeDocker,
	}, "sess-1", nil)
	assert.Error(t, err)
}
