package distributed

import (
	"context"
	"errors"
	"sync"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"

	"go.uber.org/zap"
)

// LocalBus fans session events out to in-process subscribers. Slow
// subscribers lose events rather than blocking the publisher.
type LocalBus struct {
	mu     sync.RWMutex
	subs   map[int]chan domain.SessionEvent
	nextID int
	logger *zap.SugaredLogger
}

func NewLocalBus(logger *zap.SugaredLogger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LocalBus{
		subs:   make(map[int]chan domain.SessionEvent),
		logger: logger,
	}
}

// Subscribe returns a buffered event channel and a function that closes it.
func (b *LocalBus) Subscribe(buffer int) (<-chan domain.SessionEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan domain.SessionEvent, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

func (b *LocalBus) Publish(ctx context.Context, event domain.SessionEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subs {
		select {
		case ch <- event:
		default:
			b.logger.Warnw("dropping event for slow subscriber",
				"subscriber", id,
				"kind", event.Kind,
				"stream_id", event.StreamID,
			)
		}
	}
	return nil
}

// Fanout publishes every event to all of its publishers.
type Fanout []ports.EventPublisher

func (f Fanout) Publish(ctx context.Context, event domain.SessionEvent) error {
	var errs []error
	for _, p := range f {
		if err := p.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ ports.EventPublisher = (*LocalBus)(nil)
	_ ports.EventPublisher = Fanout(nil)
)
