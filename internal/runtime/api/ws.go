package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/netherbrain/netherbrain/internal/common/errors"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The runtime binds to localhost or sits behind a gateway that
		// enforces origin.
		return true
	},
}

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

// StreamWS streams a session's protocol events over a WebSocket, one
// JSON-encoded event per text message. Resume works the same way as the
// SSE stream via the after_seq query parameter.
// GET /ws?session_id=...&after_seq=...
func (h *Handler) StreamWS(c *gin.Context) {
	sessionID := c.Query("session_id")
	if sessionID == "" {
		appErr := errors.BadRequest("session_id query parameter is required")
		c.JSON(appErr.HTTPStatus, appErr)
		return
	}

	events, cancel, err := h.hub.Subscribe(sessionID, resumeCursor(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	defer cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("Failed to upgrade connection",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
		return
	}
	defer conn.Close()

	h.logger.Info("WebSocket stream established",
		zap.String("session_id", sessionID))

	// Drain the read side to observe close frames from the client.
	disconnected := make(chan struct{})
	go func() {
		defer close(disconnected)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-disconnected:
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case ev, open := <-events:
			if !open {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream ended"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("WebSocket write failed",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
				return
			}
		}
	}
}
