package resolver

import (
	"os"
	"strings"
)

// knownAPIKeyPatterns lists environment variables recognized as engine
// credentials even without the configured prefix.
var knownAPIKeyPatterns = []string{
	"ANTHROPIC_API_KEY",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GOOGLE_API_KEY",
	"AZURE_OPENAI_API_KEY",
	"COHERE_API_KEY",
	"MISTRAL_API_KEY",
	"TOGETHER_API_KEY",
	"GITHUB_TOKEN",
	"GITLAB_TOKEN",
}

// CredentialProvider collects engine credentials from process
// environment variables. Presets never carry secrets; this is the only
// path by which credentials reach a run.
type CredentialProvider struct {
	prefix string
}

// NewCredentialProvider creates a provider with an optional prefix
// filter (e.g. "NETHERBRAIN_"). Prefixed variables are exposed to the
// engine with the prefix stripped.
func NewCredentialProvider(prefix string) *CredentialProvider {
	return &CredentialProvider{prefix: prefix}
}

// Collect returns all credentials visible to the engine.
func (p *CredentialProvider) Collect() map[string]string {
	out := make(map[string]string)

	for _, key := range knownAPIKeyPatterns {
		if value := os.Getenv(key); value != "" {
			out[key] = value
		}
	}

	if p.prefix == "" {
		return out
	}
	for _, env := range os.Environ() {
		name, value, ok := strings.Cut(env, "=")
		if !ok || value == "" {
			continue
		}
		if !strings.HasPrefix(name, p.prefix) {
			continue
		}
		stripped := strings.TrimPrefix(name, p.prefix)
		if stripped == "" {
			continue
		}
		out[stripped] = value
	}
	return out
}
