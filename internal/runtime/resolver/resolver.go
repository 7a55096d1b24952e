// Package resolver turns a preset, request overrides, and workspace
// membership into the concrete execution configuration for one run.
package resolver

import (
	"context"

	"go.uber.org/zap"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
)

// Overrides are per-request adjustments layered over the preset.
type Overrides struct {
	Model        *models.ModelSpec        `json:"model,omitempty"`
	SystemPrompt *string                  `json:"system_prompt,omitempty"`
	Environment  *models.EnvironmentSpec  `json:"environment,omitempty"`
	Toolsets     []models.ToolsetSpec     `json:"toolsets,omitempty"`
	Subagents    *models.SubagentSpec     `json:"subagents,omitempty"`
}

// Request carries everything resolution needs for one run.
type Request struct {
	// PresetID selects the preset explicitly. When nil the conversation
	// default is used, then the global default preset.
	PresetID                    *string
	ConversationDefaultPresetID *string
	Overrides                   *Overrides

	// WorkspaceID and ProjectIDs are the request-level environment
	// selection. They are mutually exclusive.
	WorkspaceID *string
	ProjectIDs  []string

	// ParentProjectIDs come from the parent session on continuations.
	ParentProjectIDs []string
}

// ResolvedConfig is the fully merged, render-complete run configuration.
type ResolvedConfig struct {
	PresetID         string
	Model            models.ModelSpec
	SystemPrompt     string
	Toolsets         []models.ToolsetSpec
	Subagents        models.SubagentSpec
	ShellMode        models.ShellMode
	ProjectIDs       []string
	ContainerID      *string
	ContainerWorkdir *string

	// Credentials are injected from process configuration, never from
	// the preset.
	Credentials map[string]string
}

// Resolver resolves run configuration against the durable repository.
type Resolver struct {
	repo        repository.Repository
	credentials *CredentialProvider
	logger      *logger.Logger
}

// NewResolver creates a resolver with the given credential prefix.
func NewResolver(repo repository.Repository, credentialPrefix string, log *logger.Logger) *Resolver {
	return &Resolver{
		repo:        repo,
		credentials: NewCredentialProvider(credentialPrefix),
		logger:      log.WithFields(zap.String("component", "config-resolver")),
	}
}

// Resolve merges preset, overrides, and workspace into a ResolvedConfig.
func (r *Resolver) Resolve(ctx context.Context, req *Request) (*ResolvedConfig, error) {
	preset, err := r.selectPreset(ctx, req)
	if err != nil {
		return nil, err
	}

	cfg := &ResolvedConfig{
		PresetID:  preset.PresetID,
		Model:     preset.Model,
		Toolsets:  preset.Toolsets,
		Subagents: preset.Subagents,
		ShellMode: preset.Environment.ShellMode,
	}
	prompt := preset.SystemPrompt

	if ov := req.Overrides; ov != nil {
		if ov.Model != nil {
			cfg.Model = *ov.Model
		}
		if ov.SystemPrompt != nil {
			prompt = *ov.SystemPrompt
		}
		if ov.Toolsets != nil {
			cfg.Toolsets = ov.Toolsets
		}
		if ov.Subagents != nil {
			cfg.Subagents = *ov.Subagents
		}
		if ov.Environment != nil {
			if ov.Environment.ShellMode != "" {
				cfg.ShellMode = ov.Environment.ShellMode
			}
			if ov.Environment.ContainerID != nil {
				cfg.ContainerID = ov.Environment.ContainerID
			}
			if ov.Environment.ContainerWorkdir != nil {
				cfg.ContainerWorkdir = ov.Environment.ContainerWorkdir
			}
		}
	}
	if cfg.ShellMode == "" {
		cfg.ShellMode = models.ShellModeLocal
	}
	if cfg.ContainerID == nil {
		cfg.ContainerID = preset.Environment.ContainerID
	}
	if cfg.ContainerWorkdir == nil {
		cfg.ContainerWorkdir = preset.Environment.ContainerWorkdir
	}

	projectIDs, err := r.resolveProjects(ctx, req, preset)
	if err != nil {
		return nil, err
	}
	cfg.ProjectIDs = projectIDs

	rendered, err := RenderPrompt(prompt, PromptVars{
		ProjectIDs: cfg.ProjectIDs,
		ShellMode:  cfg.ShellMode,
		ModelName:  cfg.Model.Name,
		PresetID:   cfg.PresetID,
	})
	if err != nil {
		return nil, apperrors.ValidationError("system_prompt", err.Error())
	}
	cfg.SystemPrompt = rendered

	cfg.Credentials = r.credentials.Collect()

	r.logger.Debug("resolved run config",
		zap.String("preset_id", cfg.PresetID),
		zap.String("shell_mode", string(cfg.ShellMode)),
		zap.Strings("project_ids", cfg.ProjectIDs))
	return cfg, nil
}

// selectPreset picks explicit > conversation default > global default.
func (r *Resolver) selectPreset(ctx context.Context, req *Request) (*models.Preset, error) {
	if req.PresetID != nil {
		return r.repo.GetPreset(ctx, *req.PresetID)
	}
	if req.ConversationDefaultPresetID != nil {
		return r.repo.GetPreset(ctx, *req.ConversationDefaultPresetID)
	}
	preset, err := r.repo.GetDefaultPreset(ctx)
	if apperrors.IsNotFound(err) {
		return nil, apperrors.NotFound("preset", "default")
	}
	return preset, err
}

// resolveProjects applies the priority chain:
// request > override env > preset env > parent session > empty.
// At each level workspace_id and project_ids are mutually exclusive.
func (r *Resolver) resolveProjects(ctx context.Context, req *Request, preset *models.Preset) ([]string, error) {
	if req.WorkspaceID != nil && len(req.ProjectIDs) > 0 {
		return nil, projectConflict()
	}
	if req.WorkspaceID != nil {
		return r.workspaceProjects(ctx, *req.WorkspaceID)
	}
	if len(req.ProjectIDs) > 0 {
		return req.ProjectIDs, nil
	}

	if req.Overrides != nil && req.Overrides.Environment != nil {
		env := req.Overrides.Environment
		if env.WorkspaceID != nil && len(env.ProjectIDs) > 0 {
			return nil, projectConflict()
		}
		if env.WorkspaceID != nil {
			return r.workspaceProjects(ctx, *env.WorkspaceID)
		}
		if len(env.ProjectIDs) > 0 {
			return env.ProjectIDs, nil
		}
	}

	env := preset.Environment
	if env.WorkspaceID != nil && len(env.ProjectIDs) > 0 {
		return nil, projectConflict()
	}
	if env.WorkspaceID != nil {
		return r.workspaceProjects(ctx, *env.WorkspaceID)
	}
	if len(env.ProjectIDs) > 0 {
		return env.ProjectIDs, nil
	}

	if len(req.ParentProjectIDs) > 0 {
		return req.ParentProjectIDs, nil
	}
	return nil, nil
}

func (r *Resolver) workspaceProjects(ctx context.Context, workspaceID string) ([]string, error) {
	ws, err := r.repo.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	return ws.Projects, nil
}

func projectConflict() *apperrors.AppError {
	return apperrors.ValidationError("environment",
		"workspace_id and project_ids are mutually exclusive")
}
