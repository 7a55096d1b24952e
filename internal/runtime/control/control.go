// Package control is the interrupt/steer plane. It acts on the live
// registry only; sessions not running are not controllable.
package control

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/registry"
)

// Controller exposes interrupt and steering over running sessions.
type Controller struct {
	registry *registry.Registry
	logger   *logger.Logger
}

// NewController creates a control plane over the registry.
func NewController(reg *registry.Registry, log *logger.Logger) *Controller {
	return &Controller{
		registry: reg,
		logger:   log.WithFields(zap.String("component", "control-plane")),
	}
}

// Interrupt cancels one running session. The coordinator observes the
// cancellation, commits partial output, and finalizes normally.
func (c *Controller) Interrupt(sessionID string) error {
	runtime, ok := c.registry.Get(sessionID)
	if !ok {
		return apperrors.NotFound("running session", sessionID)
	}
	c.logger.Info("interrupting session", zap.String("session_id", sessionID))
	runtime.Cancel()
	return nil
}

// Steer injects soft guidance into one running session.
func (c *Controller) Steer(sessionID string, msg models.SteeringMessage) error {
	runtime, ok := c.registry.Get(sessionID)
	if !ok {
		return apperrors.NotFound("running session", sessionID)
	}
	if runtime.Steering == nil {
		return apperrors.BadRequest("session does not accept steering")
	}
	return runtime.Steering.Inject(msg)
}

// InterruptConversation interrupts every running session of a
// conversation, agent and subagents alike. Each interrupt proceeds
// independently; the first failure is reported after all complete.
func (c *Controller) InterruptConversation(ctx context.Context, conversationID string) (int, error) {
	sessions := c.registry.GetByConversation(conversationID)
	if len(sessions) == 0 {
		return 0, apperrors.NotFound("running sessions for conversation", conversationID)
	}

	g, _ := errgroup.WithContext(ctx)
	for _, session := range sessions {
		session := session
		g.Go(func() error {
			return c.Interrupt(session.SessionID)
		})
	}
	err := g.Wait()
	if err != nil && apperrors.IsNotFound(err) {
		// A session finishing between listing and interrupt is not a
		// caller-visible failure.
		err = nil
	}
	return len(sessions), err
}

// SteerConversation steers the single active agent session of a
// conversation. Subagent sessions are never steered by conversation id.
func (c *Controller) SteerConversation(conversationID string, msg models.SteeringMessage) (string, error) {
	runtime, ok := c.registry.ActiveAgentSession(conversationID)
	if !ok {
		return "", apperrors.NotFound("running agent session for conversation", conversationID)
	}
	return runtime.SessionID, c.Steer(runtime.SessionID, msg)
}
