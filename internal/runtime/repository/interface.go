// Package repository provides durable-index storage for sessions,
// conversations, presets, workspaces, and the mailbox.
package repository

import (
	"context"

	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// SessionCreate holds parameters for creating a session row.
//
// Conversation lineage rules:
//   - Root session (no parent, no conversation): conversation_id = session_id
//   - Continuation (parent set, no conversation): inherit parent's conversation
//   - Fork (parent set, conversation set): caller supplies the new conversation
//   - Async subagent: conversation_id = spawner's conversation
type SessionCreate struct {
	ParentSessionID *string
	ConversationID  string // empty for root/continuation, resolved by lineage
	PresetID        *string
	ProjectIDs      []string
	SessionType     models.SessionType
	Transport       models.TransportKind
	SpawnedBy       *string
	Input           []models.InputPart
}

// ConversationFilter narrows ListConversations.
type ConversationFilter struct {
	Status           *models.ConversationStatus
	MetadataContains map[string]any
	Limit            int
	Offset           int
}

// ConversationUpdate carries optional field updates; nil pointers are
// left unchanged.
type ConversationUpdate struct {
	Title           *string
	DefaultPresetID *string
	Metadata        map[string]any
	Status          *models.ConversationStatus
}

// Repository defines the durable index operations. Session rows are never
// mutated after leaving the created status, so no cross-session locking is
// required; the one read-modify-write hazard is DrainMailbox, which must
// run as a single transaction.
type Repository interface {
	// Session operations
	CreateSession(ctx context.Context, create *SessionCreate) (*models.Session, error)
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context, conversationID string, limit, offset int) ([]*models.Session, error)
	CommitSession(ctx context.Context, id string, status models.SessionStatus, finalMessage *string, summary *models.RunSummary) error
	// SetSessionInput replaces the input of a session still in created
	// status, used by mailbox fire where the rendered prompt depends on
	// the new session's id.
	SetSessionInput(ctx context.Context, id string, input []models.InputPart) error
	FailSession(ctx context.Context, id string) error
	LatestCommittedAgentSession(ctx context.Context, conversationID string) (*models.Session, error)
	// MarkOrphanedFailed flips every session still recorded as created to
	// failed. Called once at startup, when the registry is empty by
	// construction. Returns the number of sessions recovered.
	MarkOrphanedFailed(ctx context.Context) (int64, error)

	// Conversation operations (created implicitly by CreateSession)
	GetConversation(ctx context.Context, id string) (*models.Conversation, error)
	ListConversations(ctx context.Context, filter ConversationFilter) ([]*models.Conversation, error)
	UpdateConversation(ctx context.Context, id string, update ConversationUpdate) (*models.Conversation, error)

	// Preset operations
	CreatePreset(ctx context.Context, preset *models.Preset) error
	GetPreset(ctx context.Context, id string) (*models.Preset, error)
	GetDefaultPreset(ctx context.Context) (*models.Preset, error)
	ListPresets(ctx context.Context) ([]*models.Preset, error)
	UpdatePreset(ctx context.Context, preset *models.Preset) error
	DeletePreset(ctx context.Context, id string) error

	// Workspace operations
	CreateWorkspace(ctx context.Context, ws *models.Workspace) error
	GetWorkspace(ctx context.Context, id string) (*models.Workspace, error)
	ListWorkspaces(ctx context.Context) ([]*models.Workspace, error)
	UpdateWorkspace(ctx context.Context, ws *models.Workspace) error
	DeleteWorkspace(ctx context.Context, id string) error

	// Mailbox operations
	AppendMailboxMessage(ctx context.Context, msg *models.MailboxMessage) error
	PendingMailboxCount(ctx context.Context, conversationID string) (int, error)
	// DrainMailbox atomically marks every pending message for the
	// conversation as delivered to the given session id and returns them.
	// Concurrent drains never both receive the same message.
	DrainMailbox(ctx context.Context, conversationID, deliveredTo string) ([]*models.MailboxMessage, error)
	// AbortDelivery marks the session failed and returns any messages
	// drained to it back to pending, in one transaction. Used when a
	// fire fails after its drain so the messages stay deliverable.
	AbortDelivery(ctx context.Context, sessionID string) error

	// Close closes the repository (for database connections)
	Close() error
}
