package models

import "time"

// ModelSpec names the model and its sampling parameters.
type ModelSpec struct {
	Name        string   `json:"name"`
	Provider    string   `json:"provider,omitempty"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	Temperature *float64 `json:"temperature,omitempty"`
	// InlineMIMECategories lists the content categories the model accepts
	// inline (image, audio, video, document). Empty means text only.
	InlineMIMECategories []string `json:"inline_mime_categories,omitempty"`
}

// ToolsetSpec declares one tool group enabled for a run. Toolsets are
// resolved to capability sets at config-resolve time.
type ToolsetSpec struct {
	Name    string         `json:"name"`
	Enabled bool           `json:"enabled"`
	Options map[string]any `json:"options,omitempty"`
}

// SubagentSpec declares the async subagents a run may dispatch.
type SubagentSpec struct {
	Allowed    []string `json:"allowed,omitempty"`
	MaxRunning int      `json:"max_running,omitempty"`
}

// EnvironmentSpec declares where the run executes. WorkspaceID and
// ProjectIDs are mutually exclusive at each level.
type EnvironmentSpec struct {
	ShellMode        ShellMode `json:"shell_mode,omitempty"`
	WorkspaceID      *string   `json:"workspace_id,omitempty"`
	ProjectIDs       []string  `json:"project_ids,omitempty"`
	ContainerID      *string   `json:"container_id,omitempty"`
	ContainerWorkdir *string   `json:"container_workdir,omitempty"`
}

// Preset is a named execution configuration. Presets never contain
// secrets; credentials are injected from process configuration at
// resolve time.
type Preset struct {
	PresetID     string          `json:"preset_id"`
	Name         string          `json:"name"`
	Description  string          `json:"description,omitempty"`
	Model        ModelSpec       `json:"model"`
	SystemPrompt string          `json:"system_prompt"`
	Toolsets     []ToolsetSpec   `json:"toolsets"`
	Environment  EnvironmentSpec `json:"environment"`
	Subagents    SubagentSpec    `json:"subagents"`
	IsDefault    bool            `json:"is_default"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Workspace is a named, ordered project list.
type Workspace struct {
	WorkspaceID string    `json:"workspace_id"`
	Name        string    `json:"name,omitempty"`
	Projects    []string  `json:"projects"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}
