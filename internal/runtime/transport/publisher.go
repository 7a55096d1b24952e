package transport

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/events/bus"
	"github.com/netherbrain/netherbrain/internal/runtime/models"
)

// Publisher pushes protocol events onto the ephemeral bus so remote
// consumers (and the bridge) can follow sessions across processes.
type Publisher struct {
	bus    bus.EventBus
	logger *logger.Logger
}

// NewPublisher creates a bus publisher.
func NewPublisher(eventBus bus.EventBus, log *logger.Logger) *Publisher {
	return &Publisher{
		bus:    eventBus,
		logger: log.WithFields(zap.String("component", "event-publisher")),
	}
}

// Publish sends one frame. Publish failures are logged, not fatal: the
// bus is ephemeral delivery and the run must not block on it.
func (p *Publisher) Publish(ctx context.Context, ev *models.ProtocolEvent) {
	data, err := eventToData(ev)
	if err != nil {
		p.logger.Error("failed to encode protocol event",
			zap.String("session_id", ev.SessionID), zap.Error(err))
		return
	}

	subject := bus.SessionSubject(ev.SessionID)
	busEvent := bus.NewEvent(string(ev.EventType), "agent-runtime", data)
	if err := p.bus.Publish(ctx, subject, busEvent); err != nil {
		p.logger.Warn("failed to publish protocol event",
			zap.String("session_id", ev.SessionID),
			zap.String("event_type", string(ev.EventType)),
			zap.Error(err))
	}
}

func eventToData(ev *models.ProtocolEvent) (map[string]any, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	var data map[string]any
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, err
	}
	return data, nil
}

// eventFromData reverses eventToData on the bridge side.
func eventFromData(data map[string]any) (*models.ProtocolEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	ev := &models.ProtocolEvent{}
	if err := json.Unmarshal(raw, ev); err != nil {
		return nil, err
	}
	return ev, nil
}
