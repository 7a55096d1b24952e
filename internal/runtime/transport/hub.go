// Package transport delivers session event streams to callers: an
// in-process resumable hub for SSE/websocket pulls, a publisher pushing
// frames onto the ephemeral bus, and a bridge feeding bus frames back
// into the hub.
package transport

import (
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/netherbrain/netherbrain/internal/common/errors"
	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// stream holds one session's backlog and wakes subscribers on append.
type stream struct {
	mu       sync.Mutex
	cond     *sync.Cond
	events   []models.ProtocolEvent
	terminal bool
}

func newStream() *stream {
	s := &stream{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// append adds an event. Duplicate or out-of-order seqs from the bridge
// are dropped so replay after reconnect cannot double-deliver.
func (s *stream) append(ev models.ProtocolEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.terminal {
		return
	}
	if n := len(s.events); n > 0 && ev.Seq <= s.events[n-1].Seq {
		return
	}
	s.events = append(s.events, ev)
	if ev.EventType.IsTerminal() {
		s.terminal = true
	}
	s.cond.Broadcast()
}

func (s *stream) close() {
	s.mu.Lock()
	s.terminal = true
	s.cond.Broadcast()
	s.mu.Unlock()
}

// Hub tracks per-session streams. Streams retire a TTL after their
// terminal event; subscribing to a retired stream returns Gone.
type Hub struct {
	mu      sync.Mutex
	streams map[string]*stream
	retired map[string]struct{}
	ttl     time.Duration
	logger  *logger.Logger
}

// NewHub creates a hub. ttl <= 0 disables retirement.
func NewHub(ttl time.Duration, log *logger.Logger) *Hub {
	return &Hub{
		streams: make(map[string]*stream),
		retired: make(map[string]struct{}),
		ttl:     ttl,
		logger:  log.WithFields(zap.String("component", "transport-hub")),
	}
}

// Open creates the stream for a session. Opening an existing stream is
// a no-op so bridge and coordinator can race safely.
func (h *Hub) Open(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, exists := h.streams[sessionID]; !exists {
		h.streams[sessionID] = newStream()
		delete(h.retired, sessionID)
	}
}

// Append delivers an event to a session's stream. The stream is opened
// implicitly; appends never block on subscribers.
func (h *Hub) Append(ev models.ProtocolEvent) {
	h.mu.Lock()
	s, exists := h.streams[ev.SessionID]
	if !exists {
		if _, gone := h.retired[ev.SessionID]; gone {
			h.mu.Unlock()
			return
		}
		s = newStream()
		h.streams[ev.SessionID] = s
	}
	h.mu.Unlock()

	s.append(ev)
	if ev.EventType.IsTerminal() {
		h.scheduleRetirement(ev.SessionID)
	}
}

// CloseStream force-terminates a stream without a terminal event, used
// on hard failure paths.
func (h *Hub) CloseStream(sessionID string) {
	h.mu.Lock()
	s, exists := h.streams[sessionID]
	h.mu.Unlock()
	if exists {
		s.close()
		h.scheduleRetirement(sessionID)
	}
}

func (h *Hub) scheduleRetirement(sessionID string) {
	if h.ttl <= 0 {
		return
	}
	time.AfterFunc(h.ttl, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, exists := h.streams[sessionID]; exists {
			s.close()
			delete(h.streams, sessionID)
			h.retired[sessionID] = struct{}{}
			h.logger.Debug("stream retired", zap.String("session_id", sessionID))
		}
	})
}

// Subscribe replays the backlog after afterSeq, then follows live until
// the terminal event. The returned cancel func releases the subscriber.
// Retired streams return Gone; unknown sessions return NotFound.
func (h *Hub) Subscribe(sessionID string, afterSeq uint64) (<-chan models.ProtocolEvent, func(), error) {
	h.mu.Lock()
	s, exists := h.streams[sessionID]
	if !exists {
		_, gone := h.retired[sessionID]
		h.mu.Unlock()
		if gone {
			return nil, nil, apperrors.Gone(sessionID)
		}
		return nil, nil, apperrors.NotFound("event stream", sessionID)
	}
	h.mu.Unlock()

	out := make(chan models.ProtocolEvent, 64)
	done := make(chan struct{})
	var once sync.Once
	cancel := func() {
		once.Do(func() {
			close(done)
			s.mu.Lock()
			s.cond.Broadcast()
			s.mu.Unlock()
		})
	}

	go func() {
		defer close(out)
		cursor := 0
		for {
			s.mu.Lock()
			for cursor >= len(s.events) && !s.terminal && !closed(done) {
				s.cond.Wait()
			}
			batch := make([]models.ProtocolEvent, len(s.events)-cursor)
			copy(batch, s.events[cursor:])
			cursor = len(s.events)
			terminal := s.terminal
			s.mu.Unlock()

			for _, ev := range batch {
				if ev.Seq <= afterSeq {
					continue
				}
				select {
				case out <- ev:
				case <-done:
					return
				}
			}
			if terminal && len(batch) == 0 {
				return
			}
			if closed(done) {
				return
			}
			if terminal {
				// Drain whatever arrived before terminal, then exit on
				// the next empty batch.
				continue
			}
		}
	}()

	return out, cancel, nil
}

func closed(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
