package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

const heartbeatInterval = 30 * time.Second

// StreamSessionEvents streams a session's protocol events over SSE.
// Frames are `event: {type}\ndata: {json}\n\n` with the sequence number
// as the SSE id, so Last-Event-ID resumes mid-stream.
// GET /api/v1/sessions/:sessionId/events
func (h *Handler) StreamSessionEvents(c *gin.Context) {
	h.streamEvents(c, c.Param("sessionId"))
}

// StreamConversationEvents streams the conversation's active agent
// session, falling back to its latest committed one while the stream
// is still within its retention window.
// GET /api/v1/conversations/:conversationId/events
func (h *Handler) StreamConversationEvents(c *gin.Context) {
	conversationID := c.Param("conversationId")

	sessionID := ""
	if active, running := h.registry.ActiveAgentSession(conversationID); running {
		sessionID = active.SessionID
	} else {
		latest, err := h.repo.LatestCommittedAgentSession(c.Request.Context(), conversationID)
		if err != nil {
			h.respondError(c, err)
			return
		}
		sessionID = latest.SessionID
	}
	h.streamEvents(c, sessionID)
}

func (h *Handler) streamEvents(c *gin.Context, sessionID string) {
	events, cancel, err := h.hub.Subscribe(sessionID, resumeCursor(c))
	if errors.IsNotFound(err) && h.bridge != nil {
		// The session may be executing on another node; follow its bus
		// subject into the local hub and retry.
		events, cancel, err = h.followRemote(c, sessionID)
	}
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer cancel()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		h.respondError(c, errors.InternalError("streaming unsupported", nil))
		return
	}
	flusher.Flush()

	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(c.Writer, ": ping\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				// Terminal event already delivered; the stream is done.
				return
			}
			if err := writeSSE(c.Writer, ev); err != nil {
				h.logger.Debug("SSE write failed",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
				return
			}
			flusher.Flush()
		}
	}
}

// followRemote attaches the bus bridge for a session the local hub has
// never seen. Only sessions still recorded as created qualify; anything
// terminal has nothing left to deliver on the bus.
func (h *Handler) followRemote(c *gin.Context, sessionID string) (<-chan models.ProtocolEvent, func(), error) {
	session, err := h.repo.GetSession(c.Request.Context(), sessionID)
	if err != nil {
		return nil, nil, err
	}
	if session.Status != models.SessionStatusCreated {
		return nil, nil, errors.Gone(sessionID)
	}

	sub, err := h.bridge.Follow(sessionID)
	if err != nil {
		return nil, nil, err
	}
	events, cancel, err := h.hub.Subscribe(sessionID, resumeCursor(c))
	if err != nil {
		_ = sub.Unsubscribe()
		return nil, nil, err
	}
	return events, func() {
		cancel()
		_ = sub.Unsubscribe()
	}, nil
}

// resumeCursor reads the resume position from the Last-Event-ID header
// or the after_seq query parameter. Zero replays from the beginning.
func resumeCursor(c *gin.Context) uint64 {
	raw := c.GetHeader("Last-Event-ID")
	if raw == "" {
		raw = c.Query("after_seq")
	}
	if raw == "" {
		return 0
	}
	seq, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0
	}
	return seq
}

func writeSSE(w http.ResponseWriter, ev models.ProtocolEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.EventType, data)
	return err
}
