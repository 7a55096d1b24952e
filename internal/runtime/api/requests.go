// Package api provides the HTTP surface of the Netherbrain runtime.
package api

import (
	"time"

	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
)

// RunRequest starts a root or continuation agent session.
type RunRequest struct {
	ConversationID string                   `json:"conversation_id,omitempty"`
	Input          []models.InputPart       `json:"input" binding:"required"`
	PresetID       *string                  `json:"preset_id,omitempty"`
	Overrides      *resolver.Overrides      `json:"overrides,omitempty"`
	WorkspaceID    *string                  `json:"workspace_id,omitempty"`
	ProjectIDs     []string                 `json:"project_ids,omitempty"`
	Transport      string                   `json:"transport,omitempty"`
	Interactions   []models.UserInteraction `json:"interactions,omitempty"`
	ToolResults    []models.ToolResult      `json:"tool_results,omitempty"`
}

// ForkRequest branches a new conversation from a committed session.
// When ParentSessionID is empty the conversation's latest committed
// agent session is used.
type ForkRequest struct {
	ParentSessionID string              `json:"parent_session_id,omitempty"`
	Input           []models.InputPart  `json:"input" binding:"required"`
	PresetID        *string             `json:"preset_id,omitempty"`
	Overrides       *resolver.Overrides `json:"overrides,omitempty"`
	WorkspaceID     *string             `json:"workspace_id,omitempty"`
	ProjectIDs      []string            `json:"project_ids,omitempty"`
	Transport       string              `json:"transport,omitempty"`
}

// FireRequest delivers pending mailbox results as a continuation run.
type FireRequest struct {
	ExtraInput []models.InputPart `json:"extra_input,omitempty"`
}

// SteerRequest injects soft guidance into a running session. MessageID
// deduplicates retries; when empty the server assigns one.
type SteerRequest struct {
	MessageID string `json:"message_id,omitempty"`
	Text      string `json:"text" binding:"required"`
}

// UpdateConversationRequest carries optional conversation field updates.
type UpdateConversationRequest struct {
	Title           *string        `json:"title,omitempty"`
	DefaultPresetID *string        `json:"default_preset_id,omitempty"`
	Metadata        map[string]any `json:"metadata,omitempty"`
	Status          *string        `json:"status,omitempty"`
}

// SessionResponse acknowledges an accepted run. StreamKey identifies
// the event stream the run emits on.
type SessionResponse struct {
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Status         string    `json:"status"`
	SessionType    string    `json:"session_type"`
	Transport      string    `json:"transport"`
	StreamKey      string    `json:"stream_key"`
	CreatedAt      time.Time `json:"created_at"`
}

// SessionDetailResponse is the full session read, optionally hydrated
// with the state and display blobs.
type SessionDetailResponse struct {
	Session *models.Session         `json:"session"`
	State   *models.SessionState    `json:"state,omitempty"`
	Display []models.DisplayMessage `json:"display,omitempty"`
}

// InterruptResponse reports how many sessions an interrupt reached.
type InterruptResponse struct {
	Interrupted int `json:"interrupted"`
}

// SteerResponse names the session a steering message was routed to.
type SteerResponse struct {
	SessionID string `json:"session_id"`
	MessageID string `json:"message_id"`
}

// ConversationsListResponse for listing conversations.
type ConversationsListResponse struct {
	Conversations []*models.Conversation `json:"conversations"`
	Total         int                    `json:"total"`
}

// SessionsListResponse for listing a conversation's sessions.
type SessionsListResponse struct {
	Sessions []*models.Session `json:"sessions"`
	Total    int               `json:"total"`
}

// TurnsResponse is the concatenated display transcript of a conversation.
type TurnsResponse struct {
	Messages []models.DisplayMessage `json:"messages"`
}

// PresetsListResponse for listing presets.
type PresetsListResponse struct {
	Presets []*models.Preset `json:"presets"`
	Total   int              `json:"total"`
}

// WorkspacesListResponse for listing workspaces.
type WorkspacesListResponse struct {
	Workspaces []*models.Workspace `json:"workspaces"`
	Total      int                 `json:"total"`
}

func newSessionResponse(s *models.Session) SessionResponse {
	return SessionResponse{
		SessionID:      s.SessionID,
		ConversationID: s.ConversationID,
		Status:         string(s.Status),
		SessionType:    string(s.SessionType),
		Transport:      string(s.Transport),
		StreamKey:      s.SessionID,
		CreatedAt:      s.CreatedAt,
	}
}
