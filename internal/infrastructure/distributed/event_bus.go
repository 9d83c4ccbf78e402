package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const eventsChannel = "lecturecast:events"

// envelope tags session events with the publishing instance.
type envelope struct {
	InstanceID string              `json:"instance_id"`
	Event      domain.SessionEvent `json:"event"`
}

// EventBus publishes session lifecycle events over Redis pub/sub so that
// other services (chat, notifications) can react to them.
type EventBus struct {
	client     *redis.Client
	instanceID string
	channel    string
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
}

func NewEventBus(client *redis.Client, instanceID string, logger *zap.SugaredLogger) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		channel:    eventsChannel,
		logger:     logger,
	}
}

func (eb *EventBus) Publish(ctx context.Context, event domain.SessionEvent) error {
	data, err := json.Marshal(envelope{InstanceID: eb.instanceID, Event: event})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, eb.channel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"kind", event.Kind,
		"stream_id", event.StreamID,
		"status", event.Status,
	)
	return nil
}

// Subscribe blocks delivering events published by other instances to handler
// until ctx is cancelled.
func (eb *EventBus) Subscribe(ctx context.Context, handler func(domain.SessionEvent) error) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	eb.pubsub = eb.client.Subscribe(ctx, eb.channel)
	pubsub := eb.pubsub
	eb.mu.Unlock()

	defer func() {
		eb.mu.Lock()
		_ = pubsub.Close()
		eb.pubsub = nil
		eb.mu.Unlock()
	}()

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if env.InstanceID == eb.instanceID {
				continue
			}

			if err := handler(env.Event); err != nil {
				eb.logger.Warnw("error handling event",
					"kind", env.Event.Kind,
					"error", err,
				)
			}
		}
	}
}

var _ ports.EventPublisher = (*EventBus)(nil)
