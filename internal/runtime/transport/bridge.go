package transport

import (
	"context"

	"go.uber.org/zap"

	"github.com/netherbrain/netherbrain/internal/common/logger"
	"github.com/netherbrain/netherbrain/internal/events/bus"
)

// Bridge feeds bus frames into the hub so pull streams work for
// sessions executing in other processes. Hub seq dedup makes re-joining
// after a reconnect safe.
type Bridge struct {
	bus    bus.EventBus
	hub    *Hub
	logger *logger.Logger
}

// NewBridge creates a bus-to-hub bridge.
func NewBridge(eventBus bus.EventBus, hub *Hub, log *logger.Logger) *Bridge {
	return &Bridge{
		bus:    eventBus,
		hub:    hub,
		logger: log.WithFields(zap.String("component", "event-bridge")),
	}
}

// Follow subscribes to one session's bus subject and appends every
// frame to the hub until the subscription is cancelled.
func (b *Bridge) Follow(sessionID string) (bus.Subscription, error) {
	b.hub.Open(sessionID)
	return b.bus.Subscribe(bus.SessionSubject(sessionID), func(ctx context.Context, event *bus.Event) error {
		ev, err := eventFromData(event.Data)
		if err != nil {
			b.logger.Warn("failed to decode bus frame",
				zap.String("session_id", sessionID), zap.Error(err))
			return nil
		}
		b.hub.Append(*ev)
		return nil
	})
}
