package resolver

import (
	"fmt"
	"strings"
	"text/template"
	"time"

	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// PromptVars are the variables available to system prompt templates.
type PromptVars struct {
	ProjectIDs []string
	ShellMode  models.ShellMode
	ModelName  string
	PresetID   string

	// Now overrides the date variable in tests; zero means time.Now.
	Now time.Time
}

// RenderPrompt renders a system prompt template. Available variables:
// {{.project_ids}}, {{.default_project}}, {{.shell_mode}},
// {{.model_name}}, {{.preset_id}}, {{.date}}.
func RenderPrompt(prompt string, vars PromptVars) (string, error) {
	if !strings.Contains(prompt, "{{") {
		return prompt, nil
	}

	tmpl, err := template.New("system_prompt").Option("missingkey=error").Parse(prompt)
	if err != nil {
		return "", fmt.Errorf("invalid prompt template: %w", err)
	}

	now := vars.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	defaultProject := ""
	if len(vars.ProjectIDs) > 0 {
		defaultProject = vars.ProjectIDs[0]
	}

	data := map[string]any{
		"project_ids":     strings.Join(vars.ProjectIDs, ", "),
		"default_project": defaultProject,
		"shell_mode":      string(vars.ShellMode),
		"model_name":      vars.ModelName,
		"preset_id":       vars.PresetID,
		"date":            now.Format("2006-01-02"),
	}

	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("failed to render prompt template: %w", err)
	}
	return sb.String(), nil
}
