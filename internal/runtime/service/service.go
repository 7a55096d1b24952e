// Package service is the run orchestration facade behind the HTTP API.
// It owns the conflict gate, lineage decisions, and registry-first
// status reads.
package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/coordinator"
	"github.com/netherbrain/netherbrain/internal/runtime/mailbox"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
	"github.com/netherbrain/netherbrain/internal/runtime/store"
)

// RunOptions carries one run request from the API layer.
type RunOptions struct {
	// ConversationID empty starts a new conversation.
	ConversationID string
	Input          []models.InputPart
	PresetID       *string
	Overrides      *resolver.Overrides
	WorkspaceID    *string
	ProjectIDs     []string
	Transport      models.TransportKind

	// Interactions and ToolResults answer the parent's deferred tool
	// calls on continuation runs.
	Interactions []models.UserInteraction
	ToolResults  []models.ToolResult
}

// SessionStatus is the registry-first status view of a session.
type SessionStatus struct {
	SessionID      string               `json:"session_id"`
	ConversationID string               `json:"conversation_id"`
	Status         string               `json:"status"`
	SessionType    models.SessionType   `json:"session_type"`
	Running        bool                 `json:"running"`
	StartedAt      *time.Time           `json:"started_at,omitempty"`
	FinalMessage   *string              `json:"final_message,omitempty"`
	RunSummary     *models.RunSummary   `json:"run_summary,omitempty"`
}

// Service orchestrates runs over the coordinator and mailbox.
type Service struct {
	repo     repository.Repository
	store    store.StateStore
	registry *registry.Registry
	coord    *coordinator.Coordinator
	mailbox  *mailbox.Service
	logger   *logger.Logger
}

// NewService wires the orchestration facade.
func NewService(
	repo repository.Repository,
	stateStore store.StateStore,
	reg *registry.Registry,
	coord *coordinator.Coordinator,
	mb *mailbox.Service,
	log *logger.Logger,
) *Service {
	return &Service{
		repo:     repo,
		store:    stateStore,
		registry: reg,
		coord:    coord,
		mailbox:  mb,
		logger:   log.WithFields(zap.String("component", "runtime-service")),
	}
}

// Run starts a root or continuation agent session. A Conflict error
// carries the active session descriptor when the conversation already
// has a running agent session.
func (s *Service) Run(ctx context.Context, opts *RunOptions) (*models.Session, error) {
	if len(opts.Input) == 0 {
		return nil, apperrors.ValidationError("input", "at least one input part is required")
	}
	transport := opts.Transport
	if transport == "" {
		transport = models.TransportSSE
	}

	create := &repository.SessionCreate{
		SessionType: models.SessionTypeAgent,
		Transport:   transport,
		PresetID:    opts.PresetID,
		ProjectIDs:  opts.ProjectIDs,
		Input:       opts.Input,
	}
	resolve := &resolver.Request{
		PresetID:    opts.PresetID,
		Overrides:   opts.Overrides,
		WorkspaceID: opts.WorkspaceID,
		ProjectIDs:  opts.ProjectIDs,
	}

	if opts.ConversationID != "" {
		if active, running := s.registry.ActiveAgentSession(opts.ConversationID); running {
			return nil, activeConflict(active)
		}
		conv, err := s.repo.GetConversation(ctx, opts.ConversationID)
		if err != nil {
			return nil, err
		}
		if opts.PresetID == nil {
			resolve.ConversationDefaultPresetID = conv.DefaultPresetID
		}
		create.ConversationID = opts.ConversationID

		parent, err := s.repo.LatestCommittedAgentSession(ctx, opts.ConversationID)
		switch {
		case err == nil:
			create.ParentSessionID = &parent.SessionID
			create.ConversationID = ""
			resolve.ParentProjectIDs = parent.ProjectIDs
			if opts.PresetID == nil {
				create.PresetID = parent.PresetID
				resolve.PresetID = parent.PresetID
			}
		case apperrors.IsNotFound(err):
			// No committed turn yet; start a fresh root in the same
			// conversation.
		default:
			return nil, err
		}
	}

	session, err := s.repo.CreateSession(ctx, create)
	if err != nil {
		return nil, err
	}
	return s.start(ctx, session, resolve, opts)
}

// Fork starts a new conversation branching from an existing session's
// committed state.
func (s *Service) Fork(ctx context.Context, parentSessionID string, opts *RunOptions) (*models.Session, error) {
	if len(opts.Input) == 0 {
		return nil, apperrors.ValidationError("input", "at least one input part is required")
	}
	parent, err := s.repo.GetSession(ctx, parentSessionID)
	if err != nil {
		return nil, err
	}
	if parent.Status == models.SessionStatusCreated {
		return nil, apperrors.BadRequest("cannot fork from a session that has not committed")
	}

	transport := opts.Transport
	if transport == "" {
		transport = models.TransportSSE
	}
	presetID := opts.PresetID
	if presetID == nil {
		presetID = parent.PresetID
	}

	session, err := s.repo.CreateSession(ctx, &repository.SessionCreate{
		ParentSessionID: &parent.SessionID,
		ConversationID:  uuid.New().String(),
		SessionType:     models.SessionTypeAgent,
		Transport:       transport,
		PresetID:        presetID,
		ProjectIDs:      opts.ProjectIDs,
		Input:           opts.Input,
	})
	if err != nil {
		return nil, err
	}

	resolve := &resolver.Request{
		PresetID:         presetID,
		Overrides:        opts.Overrides,
		WorkspaceID:      opts.WorkspaceID,
		ProjectIDs:       opts.ProjectIDs,
		ParentProjectIDs: parent.ProjectIDs,
	}
	return s.start(ctx, session, resolve, opts)
}

func (s *Service) start(ctx context.Context, session *models.Session, resolve *resolver.Request, opts *RunOptions) (*models.Session, error) {
	err := s.coord.Start(&coordinator.RunParams{
		Session:      session,
		Resolve:      resolve,
		Interactions: opts.Interactions,
		ToolResults:  opts.ToolResults,
	})
	if err != nil {
		_ = s.repo.FailSession(ctx, session.SessionID)
		return nil, err
	}
	s.logger.Info("run started",
		zap.String("session_id", session.SessionID),
		zap.String("conversation_id", session.ConversationID))
	return session, nil
}

// Fire drains the conversation mailbox into a continuation run.
func (s *Service) Fire(ctx context.Context, conversationID string, extraInput []models.InputPart) (*models.Session, error) {
	if active, running := s.registry.ActiveAgentSession(conversationID); running {
		return nil, activeConflict(active)
	}
	return s.mailbox.Fire(ctx, conversationID, extraInput)
}

// Status reads a session's state, registry first: a registered session
// reports running regardless of what the durable row says.
func (s *Service) Status(ctx context.Context, sessionID string) (*SessionStatus, error) {
	if runtime, ok := s.registry.Get(sessionID); ok {
		started := runtime.StartedAt
		return &SessionStatus{
			SessionID:      runtime.SessionID,
			ConversationID: runtime.ConversationID,
			Status:         "running",
			SessionType:    runtime.SessionType,
			Running:        true,
			StartedAt:      &started,
		}, nil
	}

	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &SessionStatus{
		SessionID:      session.SessionID,
		ConversationID: session.ConversationID,
		Status:         string(session.Status),
		SessionType:    session.SessionType,
		FinalMessage:   session.FinalMessage,
		RunSummary:     session.RunSummary,
	}, nil
}

// Turns concatenates the display transcripts of a conversation's
// sessions in creation order.
func (s *Service) Turns(ctx context.Context, conversationID string) ([]models.DisplayMessage, error) {
	if _, err := s.repo.GetConversation(ctx, conversationID); err != nil {
		return nil, err
	}
	sessions, err := s.repo.ListSessions(ctx, conversationID, 500, 0)
	if err != nil {
		return nil, err
	}

	var out []models.DisplayMessage
	for _, session := range sessions {
		display, err := s.store.ReadDisplay(ctx, session.SessionID)
		if apperrors.IsNotFound(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, display...)
	}
	return out, nil
}

// StartupSweep fails orphaned created-status sessions left by a crash.
// Must run before the server accepts requests.
func (s *Service) StartupSweep(ctx context.Context) error {
	recovered, err := s.repo.MarkOrphanedFailed(ctx)
	if err != nil {
		return err
	}
	if recovered > 0 {
		s.logger.Warn("recovered orphaned sessions", zap.Int64("count", recovered))
	}
	return nil
}

func activeConflict(active *registry.RuntimeSession) *apperrors.AppError {
	return apperrors.Conflict("conversation already has a running agent session").
		WithDetails(map[string]any{
			"active_session_id": active.SessionID,
			"conversation_id":   active.ConversationID,
			"session_type":      string(active.SessionType),
			"started_at":        active.StartedAt,
		})
}
