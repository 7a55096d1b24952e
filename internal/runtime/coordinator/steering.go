package coordinator

import (
	"errors"
	"sync"

	"github.com/netherbrain/netherbrain/internal/runtime/engine"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
	"github.com/netherbrain/netherbrain/internal/runtime/processor"
)

// steeringSink queues steering messages injected before the engine
// handle exists, forwards them once attached, and deduplicates caller
// retries by message id. After the run's terminal event it rejects
// further injection.
type steeringSink struct {
	mu      sync.Mutex
	handle  engine.RunHandle
	proc    *processor.Processor
	emit    func(*models.ProtocolEvent)
	pending []models.SteeringMessage
	seen    map[string]bool
	done    bool
}

func newSteeringSink() *steeringSink {
	return &steeringSink{seen: make(map[string]bool)}
}

// Inject queues or forwards one steering message. Duplicate message ids
// are acknowledged without re-delivery.
func (s *steeringSink) Inject(msg models.SteeringMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done {
		return errors.New("session already reached terminal state")
	}
	if msg.MessageID != "" && s.seen[msg.MessageID] {
		return nil
	}
	if msg.MessageID != "" {
		s.seen[msg.MessageID] = true
	}

	if s.handle == nil {
		s.pending = append(s.pending, msg)
		return nil
	}
	return s.deliverLocked(msg)
}

// attach flushes messages queued during setup into the live handle.
func (s *steeringSink) attach(handle engine.RunHandle, proc *processor.Processor, emit func(*models.ProtocolEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.handle = handle
	s.proc = proc
	s.emit = emit
	for _, msg := range s.pending {
		if err := s.deliverLocked(msg); err != nil {
			break
		}
	}
	s.pending = nil
}

func (s *steeringSink) deliverLocked(msg models.SteeringMessage) error {
	if err := s.handle.Steer(msg); err != nil {
		return err
	}
	if s.proc != nil && s.emit != nil {
		if ev, err := s.proc.Emit(models.EventSteeringInjected, map[string]any{
			"message_id": msg.MessageID,
			"text":       msg.Text,
		}); err == nil {
			s.emit(ev)
		}
	}
	return nil
}

func (s *steeringSink) close() {
	s.mu.Lock()
	s.done = true
	s.pending = nil
	s.mu.Unlock()
}
