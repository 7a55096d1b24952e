// Package mailbox delivers async subagent outcomes back into their
// conversation. Outcomes queue durably until a fire call drains them
// into a continuation run.
package mailbox

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/coordinator"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/repository"
	"github.com/netherbrain/netherbrain/internal/runtime/resolver"
)

// Service drains pending subagent results into continuation runs.
type Service struct {
	repo   repository.Repository
	coord  *coordinator.Coordinator
	logger *logger.Logger
}

// NewService creates the mailbox service.
func NewService(repo repository.Repository, coord *coordinator.Coordinator, log *logger.Logger) *Service {
	return &Service{
		repo:   repo,
		coord:  coord,
		logger: log.WithFields(zap.String("component", "mailbox")),
	}
}

// Pending returns the number of undelivered messages.
func (s *Service) Pending(ctx context.Context, conversationID string) (int, error) {
	return s.repo.PendingMailboxCount(ctx, conversationID)
}

// Fire starts a continuation run that consumes all pending messages.
// The latest committed agent session becomes the parent; the drained
// results render into the continuation prompt, followed by any extra
// input. MailboxEmpty when nothing is pending; extra input rides along
// with a delivery, it cannot replace one.
func (s *Service) Fire(ctx context.Context, conversationID string, extraInput []models.InputPart) (*models.Session, error) {
	pending, err := s.repo.PendingMailboxCount(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if pending == 0 {
		return nil, apperrors.MailboxEmpty(conversationID)
	}

	parent, err := s.repo.LatestCommittedAgentSession(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	session, err := s.repo.CreateSession(ctx, &repository.SessionCreate{
		ParentSessionID: &parent.SessionID,
		SessionType:     models.SessionTypeAgent,
		Transport:       models.TransportSSE,
		PresetID:        parent.PresetID,
		ProjectIDs:      parent.ProjectIDs,
	})
	if err != nil {
		return nil, err
	}

	// The drain marks delivery to the new session id in one atomic
	// step; a concurrent fire cannot claim the same messages. Any
	// failure from here on aborts the delivery, returning the drained
	// messages to pending so a later fire can claim them.
	drained, err := s.repo.DrainMailbox(ctx, conversationID, session.SessionID)
	if err != nil {
		return nil, s.abort(ctx, session.SessionID, err)
	}
	if len(drained) == 0 {
		// Lost the race with a concurrent fire.
		return nil, s.abort(ctx, session.SessionID, apperrors.MailboxEmpty(conversationID))
	}

	prompt, err := s.renderDelivery(ctx, drained)
	if err != nil {
		return nil, s.abort(ctx, session.SessionID, err)
	}
	input := make([]models.InputPart, 0, len(extraInput)+1)
	input = append(input, models.InputPart{
		Type: models.InputPartText,
		Text: prompt,
		Mode: models.ContentModeFile,
	})
	input = append(input, extraInput...)
	if err := s.repo.SetSessionInput(ctx, session.SessionID, input); err != nil {
		return nil, s.abort(ctx, session.SessionID, err)
	}
	session.Input = input

	err = s.coord.Start(&coordinator.RunParams{
		Session: session,
		Resolve: &resolver.Request{
			PresetID:         session.PresetID,
			ParentProjectIDs: parent.ProjectIDs,
		},
	})
	if err != nil {
		return nil, s.abort(ctx, session.SessionID, err)
	}

	s.logger.Info("fired mailbox continuation",
		zap.String("conversation_id", conversationID),
		zap.String("session_id", session.SessionID),
		zap.Int("delivered", len(drained)))
	return session, nil
}

// abort fails the continuation session and releases its drained
// messages back to pending, then returns cause for the caller.
func (s *Service) abort(ctx context.Context, sessionID string, cause error) error {
	if err := s.repo.AbortDelivery(ctx, sessionID); err != nil {
		s.logger.Error("failed to abort mailbox delivery",
			zap.String("session_id", sessionID),
			zap.Error(err))
	}
	return cause
}

// renderDelivery builds the continuation prompt from drained messages.
func (s *Service) renderDelivery(ctx context.Context, drained []*models.MailboxMessage) (string, error) {
	if len(drained) == 1 {
		line, err := s.renderMessage(ctx, drained[0])
		if err != nil {
			return "", err
		}
		return line, nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d subagent results arrived:\n", len(drained))
	for i, msg := range drained {
		line, err := s.renderMessage(ctx, msg)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&sb, "%d. %s\n", i+1, line)
	}
	return sb.String(), nil
}

func (s *Service) renderMessage(ctx context.Context, msg *models.MailboxMessage) (string, error) {
	source, err := s.repo.GetSession(ctx, msg.SourceSessionID)
	if err != nil {
		return "", err
	}

	outcome := ""
	if source.FinalMessage != nil {
		outcome = *source.FinalMessage
	}
	if msg.SourceType == models.MailboxSourceSubagentFailed {
		if outcome == "" {
			outcome = "no output"
		}
		return fmt.Sprintf("Subagent %q failed: %s", msg.SubagentName, outcome), nil
	}
	return fmt.Sprintf("Subagent %q completed: %s", msg.SubagentName, outcome), nil
}
