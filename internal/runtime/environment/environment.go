// Package environment provides the execution environment handle for a
// run: where project files live and where input content materializes.
package environment

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
)

// ProjectPath maps a project id to its real location and the virtual
// path the engine sees. Both are equal in local mode.
type ProjectPath struct {
	ProjectID   string `json:"project_id"`
	RealPath    string `json:"real_path"`
	VirtualPath string `json:"virtual_path"`
}

// Environment is the per-run execution environment handle. It also
// serves as the input materialization sink.
type Environment interface {
	ShellMode() models.ShellMode
	ProjectPaths() []ProjectPath

	// Materialize writes content into the environment's download area
	// with a collision-safe name and returns the virtual path.
	Materialize(ctx context.Context, suggestedName string, data []byte) (string, error)

	// ExportState captures resource handles for restoration on a
	// continuation session.
	ExportState() (json.RawMessage, error)

	Close() error
}

// Manager opens environments from resolved run configuration.
type Manager struct {
	dataRoot string
	docker   *DockerClient
	logger   *logger.Logger
}

// NewManager creates an environment manager. The docker client may be
// nil when container mode is not configured.
func NewManager(dataRoot string, docker *DockerClient, log *logger.Logger) *Manager {
	return &Manager{
		dataRoot: dataRoot,
		docker:   docker,
		logger:   log.WithFields(zap.String("component", "environment-manager")),
	}
}

// Open creates the environment for one run. Previous state from the
// parent session, when present, restores resource handles.
func (m *Manager) Open(ctx context.Context, cfg *resolver.ResolvedConfig, sessionID string, previous json.RawMessage) (Environment, error) {
	switch cfg.ShellMode {
	case models.ShellModeLocal, "":
		return m.openLocal(cfg, sessionID, previous)
	case models.ShellModeDocker:
		if m.docker == nil {
			return nil, apperrors.ServiceUnavailable("docker")
		}
		return m.openDocker(ctx, cfg, sessionID, previous)
	default:
		return nil, apperrors.ValidationError("shell_mode",
			fmt.Sprintf("unknown shell mode %q", cfg.ShellMode))
	}
}
