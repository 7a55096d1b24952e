// Package registry tracks in-process running sessions. It is the
// authoritative source for "is this session running right now"; the
// durable repository only learns the outcome at commit time.
package registry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// SteeringSink receives steering messages for a running session.
// Implementations must not block; delivery is best effort once the
// run reaches its terminal event.
type SteeringSink interface {
	Inject(msg models.SteeringMessage) error
}

// RuntimeSession is the live handle for one running session.
type RuntimeSession struct {
	SessionID      string
	ConversationID string
	SessionType    models.SessionType
	StreamKey      string
	Cancel         context.CancelFunc
	Steering       SteeringSink
	StartedAt      time.Time

	// dispatched maps subagent dispatch names to the spawned session id.
	// Re-dispatching a name overwrites the previous entry.
	dispatched map[string]string
	mu         sync.Mutex
}

// RecordDispatch remembers the session spawned under a dispatch name.
func (rs *RuntimeSession) RecordDispatch(name, sessionID string) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if rs.dispatched == nil {
		rs.dispatched = make(map[string]string)
	}
	rs.dispatched[name] = sessionID
}

// DispatchedSession returns the session id last dispatched under name.
func (rs *RuntimeSession) DispatchedSession(name string) (string, bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	id, ok := rs.dispatched[name]
	return id, ok
}

// Registry tracks active sessions by id and conversation.
type Registry struct {
	sessions       map[string]*RuntimeSession
	byConversation map[string]map[string]*RuntimeSession
	maxConcurrent  int
	mu             sync.RWMutex
	logger         *logger.Logger
}

// NewRegistry creates an empty session registry.
func NewRegistry(log *logger.Logger) *Registry {
	return &Registry{
		sessions:       make(map[string]*RuntimeSession),
		byConversation: make(map[string]map[string]*RuntimeSession),
		logger:         log.WithFields(zap.String("component", "session-registry")),
	}
}

// SetMaxConcurrent caps the number of simultaneously registered
// sessions. Zero or negative means unlimited.
func (r *Registry) SetMaxConcurrent(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.maxConcurrent = n
}

// Register adds a running session. Returns a Conflict error when the
// session is an agent session and the conversation already has one
// running; async subagents run concurrently without restriction. A
// ServiceUnavailable error means the concurrency cap is reached.
func (r *Registry) Register(session *RuntimeSession) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[session.SessionID]; exists {
		return apperrors.Conflict("session already registered").
			WithDetails(map[string]any{"session_id": session.SessionID})
	}

	if r.maxConcurrent > 0 && len(r.sessions) >= r.maxConcurrent {
		return apperrors.ServiceUnavailable("runtime").
			WithDetails(map[string]any{
				"active_sessions":     len(r.sessions),
				"max_concurrent_runs": r.maxConcurrent,
			})
	}

	if session.SessionType == models.SessionTypeAgent {
		for _, active := range r.byConversation[session.ConversationID] {
			if active.SessionType == models.SessionTypeAgent {
				return apperrors.Conflict("conversation already has a running agent session").
					WithDetails(map[string]any{
						"conversation_id":   session.ConversationID,
						"active_session_id": active.SessionID,
					})
			}
		}
	}

	if session.StartedAt.IsZero() {
		session.StartedAt = time.Now().UTC()
	}

	r.sessions[session.SessionID] = session
	conv := r.byConversation[session.ConversationID]
	if conv == nil {
		conv = make(map[string]*RuntimeSession)
		r.byConversation[session.ConversationID] = conv
	}
	conv[session.SessionID] = session

	r.logger.Debug("session registered",
		zap.String("session_id", session.SessionID),
		zap.String("conversation_id", session.ConversationID),
		zap.String("session_type", string(session.SessionType)))
	return nil
}

// Unregister removes a session. Unknown ids are ignored.
func (r *Registry) Unregister(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	session, exists := r.sessions[sessionID]
	if !exists {
		return
	}
	delete(r.sessions, sessionID)

	conv := r.byConversation[session.ConversationID]
	delete(conv, sessionID)
	if len(conv) == 0 {
		delete(r.byConversation, session.ConversationID)
	}

	r.logger.Debug("session unregistered", zap.String("session_id", sessionID))
}

// Get returns the running session with the given id.
func (r *Registry) Get(sessionID string) (*RuntimeSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	session, ok := r.sessions[sessionID]
	return session, ok
}

// GetByConversation returns all running sessions in a conversation.
func (r *Registry) GetByConversation(conversationID string) []*RuntimeSession {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conv := r.byConversation[conversationID]
	result := make([]*RuntimeSession, 0, len(conv))
	for _, session := range conv {
		result = append(result, session)
	}
	return result
}

// ActiveAgentSession returns the single running agent session of a
// conversation, if any. Subagent sessions are not considered.
func (r *Registry) ActiveAgentSession(conversationID string) (*RuntimeSession, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, session := range r.byConversation[conversationID] {
		if session.SessionType == models.SessionTypeAgent {
			return session, true
		}
	}
	return nil, false
}

// ActiveCount returns the number of running sessions.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Drain cancels every running session and waits until they all
// unregister or the context expires.
func (r *Registry) Drain(ctx context.Context) error {
	r.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(r.sessions))
	for _, session := range r.sessions {
		if session.Cancel != nil {
			cancels = append(cancels, session.Cancel)
		}
	}
	r.mu.RUnlock()

	r.logger.Info("draining registry", zap.Int("active", len(cancels)))
	for _, cancel := range cancels {
		cancel()
	}

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if r.ActiveCount() == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
