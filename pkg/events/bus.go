package events

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// Handler is a function that handles an event
type Handler func(ctx context.Context, event Event) error

// Publisher is the narrow view of the bus that producers depend on
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Bus is an in-memory event bus for pub/sub messaging
type Bus struct {
	handlers map[EventType][]Handler
	mu       sync.RWMutex
	inflight sync.WaitGroup
	logger   *zap.Logger
}

// NewBus creates a new event bus
func NewBus(logger *zap.Logger) *Bus {
	return &Bus{
		handlers: make(map[EventType][]Handler),
		logger:   logger,
	}
}

// Subscribe registers a handler for a specific event type.
// Multiple handlers can be registered for the same event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.handlers[eventType] = append(b.handlers[eventType], handler)
	b.logger.Info("event handler subscribed",
		zap.String("event_type", string(eventType)),
		zap.Int("total_handlers", len(b.handlers[eventType])),
	)
}

// Publish delivers an event to all registered handlers without blocking.
// Handlers run on their own goroutines with a context detached from the
// publisher's, since publishers are usually request scoped.
func (b *Bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	handlers := b.handlers[event.Type]
	b.mu.RUnlock()

	if len(handlers) == 0 {
		b.logger.Debug("no handlers registered for event type",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
		)
		return nil
	}

	b.logger.Debug("publishing event",
		zap.String("event_type", string(event.Type)),
		zap.String("event_id", event.ID),
		zap.Int("handler_count", len(handlers)),
	)

	handlerCtx := context.WithoutCancel(ctx)
	for _, handler := range handlers {
		b.inflight.Add(1)
		go func(h Handler) {
			defer b.inflight.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						zap.String("event_type", string(event.Type)),
						zap.String("event_id", event.ID),
						zap.Any("panic", r),
					)
				}
			}()

			if err := h(handlerCtx, event); err != nil {
				b.logger.Error("event handler failed",
					zap.String("event_type", string(event.Type)),
					zap.String("event_id", event.ID),
					zap.Error(err),
				)
			}
		}(handler)
	}

	return nil
}

// Drain blocks until every handler started by Publish has returned.
// Used on shutdown and in tests.
func (b *Bus) Drain() {
	b.inflight.Wait()
}

// Stats returns the number of handlers per event type
func (b *Bus) Stats() map[string]int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	counts := make(map[string]int, len(b.handlers))
	for eventType, handlers := range b.handlers {
		counts[string(eventType)] = len(handlers)
	}
	return counts
}

// LogHandler returns a handler that writes every event to logger.
// cmd/server subscribes it for the quota and configuration events.
func LogHandler(logger *zap.Logger) Handler {
	return func(_ context.Context, event Event) error {
		logger.Info("event",
			zap.String("event_type", string(event.Type)),
			zap.String("event_id", event.ID),
			zap.String("tenant_id", event.TenantID),
			zap.Any("payload", event.Payload),
		)
		return nil
	}
}
