package models

import (
	"fmt"
)

// InputPart is a single content part in user input. Exactly one of Text,
// URL, Path, or Data must be set, matching the Type field. Mode controls
// how the part reaches the model: materialized into the environment
// (default) or passed inline into model context.
type InputPart struct {
	Type InputPartType `json:"type"`
	Text string        `json:"text,omitempty"`
	URL  string        `json:"url,omitempty"`
	Path string        `json:"path,omitempty"`
	Data string        `json:"data,omitempty"` // base64-encoded for type=binary
	MIME string        `json:"mime,omitempty"`
	Mode ContentMode   `json:"mode,omitempty"`
}

// Validate checks that the payload field matching Type is set and fills in
// the default delivery mode.
func (p *InputPart) Validate() error {
	if p.Mode == "" {
		p.Mode = ContentModeFile
	}
	if p.Mode != ContentModeFile && p.Mode != ContentModeInline {
		return fmt.Errorf("unknown content mode %q", p.Mode)
	}

	switch p.Type {
	case InputPartText:
		if p.Text == "" {
			return fmt.Errorf("text field is required when type='text'")
		}
	case InputPartURL:
		if p.URL == "" {
			return fmt.Errorf("url field is required when type='url'")
		}
	case InputPartFile:
		if p.Path == "" {
			return fmt.Errorf("path field is required when type='file'")
		}
	case InputPartBinary:
		if p.Data == "" {
			return fmt.Errorf("data field is required when type='binary'")
		}
	default:
		return fmt.Errorf("unknown input part type %q", p.Type)
	}
	return nil
}

// ValidateInput validates a full input part list.
func ValidateInput(parts []InputPart) error {
	for i := range parts {
		if err := parts[i].Validate(); err != nil {
			return fmt.Errorf("input part %d: %w", i, err)
		}
	}
	return nil
}

// TextInput is a convenience constructor for a single text part.
func TextInput(text string) []InputPart {
	return []InputPart{{Type: InputPartText, Text: text, Mode: ContentModeFile}}
}

// UserInteraction is a caller decision for one deferred tool approval.
type UserInteraction struct {
	ToolCallID string `json:"tool_call_id"`
	Approved   bool   `json:"approved"`
	Message    string `json:"message,omitempty"`
}

// ToolResult is a caller-supplied result for one deferred external tool call.
type ToolResult struct {
	ToolCallID string `json:"tool_call_id"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
}

// SteeringMessage is soft guidance injected into a running session, applied
// at the next turn boundary. MessageID deduplicates caller retries.
type SteeringMessage struct {
	MessageID string `json:"message_id"`
	Text      string `json:"text"`
}
