package environment

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/netherbrain/netherbrain/internal/common/config"
	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
)

// DockerClient wraps the Docker SDK for container-backed environments.
type DockerClient struct {
	cli    *client.Client
	logger *logger.Logger
}

// NewDockerClient creates a Docker client from configuration.
func NewDockerClient(cfg config.DockerConfig, log *logger.Logger) (*DockerClient, error) {
	opts := []client.Opt{
		client.WithAPIVersionNegotiation(),
	}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerClient{
		cli:    cli,
		logger: log.WithFields(zap.String("component", "docker-client")),
	}, nil
}

// Ping verifies connectivity to the Docker daemon.
func (c *DockerClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := c.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker daemon not reachable: %w", err)
	}
	return nil
}

// InspectRunning verifies the container exists and is running.
func (c *DockerClient) InspectRunning(ctx context.Context, containerID string) error {
	info, err := c.cli.ContainerInspect(ctx, containerID)
	if err != nil {
		if client.IsErrNotFound(err) {
			return apperrors.NotFound("container", containerID)
		}
		return fmt.Errorf("failed to inspect container: %w", err)
	}
	if info.State == nil || !info.State.Running {
		return apperrors.ServiceUnavailable("container " + containerID)
	}
	return nil
}

// CopyFile writes a single file into the container at destDir/name.
func (c *DockerClient) CopyFile(ctx context.Context, containerID, destDir, name string, data []byte) error {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	if err := tw.WriteHeader(&tar.Header{
		Name: name,
		Mode: 0o644,
		Size: int64(len(data)),
	}); err != nil {
		return err
	}
	if _, err := tw.Write(data); err != nil {
		return err
	}
	if err := tw.Close(); err != nil {
		return err
	}

	return c.cli.CopyToContainer(ctx, containerID, destDir, &buf, container.CopyToContainerOptions{})
}

// Close releases the underlying client.
func (c *DockerClient) Close() error {
	return c.cli.Close()
}

// dockerState is the exported resource state for docker environments.
type dockerState struct {
	ContainerID  string `json:"container_id"`
	Workdir      string `json:"workdir"`
	DownloadsDir string `json:"downloads_dir"`
}

// dockerEnvironment runs the session inside an existing container.
type dockerEnvironment struct {
	client       *DockerClient
	containerID  string
	workdir      string
	downloadsDir string
	projects     []ProjectPath
	// used maps materialized names for collision-safe renaming; the
	// container filesystem cannot be cheaply probed per write.
	used map[string]int
}

func (m *Manager) openDocker(ctx context.Context, cfg *resolver.ResolvedConfig, sessionID string, previous json.RawMessage) (Environment, error) {
	state := dockerState{Workdir: "/workspace"}
	if previous != nil {
		_ = json.Unmarshal(previous, &state)
	}
	if cfg.ContainerID != nil {
		state.ContainerID = *cfg.ContainerID
	}
	if cfg.ContainerWorkdir != nil {
		state.Workdir = *cfg.ContainerWorkdir
	}
	if state.ContainerID == "" {
		return nil, apperrors.ValidationError("environment", "docker mode requires a container id")
	}
	if state.DownloadsDir == "" {
		state.DownloadsDir = path.Join(state.Workdir, "downloads", sessionID)
	}

	if err := m.docker.Ping(ctx); err != nil {
		return nil, err
	}
	if err := m.docker.InspectRunning(ctx, state.ContainerID); err != nil {
		return nil, err
	}

	projects := make([]ProjectPath, 0, len(cfg.ProjectIDs))
	for _, id := range cfg.ProjectIDs {
		projects = append(projects, ProjectPath{
			ProjectID:   id,
			RealPath:    path.Join(state.Workdir, id),
			VirtualPath: path.Join(state.Workdir, id),
		})
	}

	m.logger.Debug("opened docker environment",
		zap.String("session_id", sessionID),
		zap.String("container_id", state.ContainerID))

	return &dockerEnvironment{
		client:       m.docker,
		containerID:  state.ContainerID,
		workdir:      state.Workdir,
		downloadsDir: state.DownloadsDir,
		projects:     projects,
		used:         make(map[string]int),
	}, nil
}

func (e *dockerEnvironment) ShellMode() models.ShellMode {
	return models.ShellModeDocker
}

func (e *dockerEnvironment) ProjectPaths() []ProjectPath {
	return e.projects
}

func (e *dockerEnvironment) Materialize(ctx context.Context, suggestedName string, data []byte) (string, error) {
	if suggestedName == "" {
		suggestedName = "download"
	}
	name := suggestedName
	if n := e.used[suggestedName]; n > 0 {
		ext := path.Ext(suggestedName)
		name = fmt.Sprintf("%s-%d%s", suggestedName[:len(suggestedName)-len(ext)], n, ext)
	}
	e.used[suggestedName]++

	if err := e.client.CopyFile(ctx, e.containerID, e.downloadsDir, name, data); err != nil {
		return "", err
	}
	return path.Join(e.downloadsDir, name), nil
}

func (e *dockerEnvironment) ExportState() (json.RawMessage, error) {
	return json.Marshal(dockerState{
		ContainerID:  e.containerID,
		Workdir:      e.workdir,
		DownloadsDir: e.downloadsDir,
	})
}

func (e *dockerEnvironment) Close() error {
	return nil
}
