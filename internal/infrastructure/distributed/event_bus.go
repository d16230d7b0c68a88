package distributed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"callguard/internal/core/domain"
	"callguard/internal/core/ports"
	"callguard/pkg/utils"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// EventType represents the type of event
type EventType string

const (
	EventUserBlocked   EventType = "abuse.blocked"
	EventUserUnblocked EventType = "abuse.unblocked"
)

const abuseChannel = "callguard:events:abuse"

// Event is one abuse transition broadcast to every relay instance.
type Event struct {
	Type         EventType     `json:"type"`
	InstanceID   string        `json:"instance_id"`
	Timestamp    time.Time     `json:"timestamp"`
	UserID       domain.UserID `json:"user_id"`
	Reason       string        `json:"reason,omitempty"`
	BlockedUntil int64         `json:"blocked_until,omitempty"` // unix ms
}

// EventBus fans block and unblock notices out to the other relay instances.
// Each notice is delivered to the local notifier right away and published
// for the rest; events from this instance are skipped on receipt.
type EventBus struct {
	client     redis.UniversalClient
	instanceID string
	local      ports.AbuseNotifier
	logger     *zap.SugaredLogger

	mu     sync.Mutex
	pubsub *redis.PubSub
	ready  chan struct{}
}

var _ ports.AbuseNotifier = (*EventBus)(nil)

// NewEventBus creates a new event bus
func NewEventBus(
	client redis.UniversalClient,
	instanceID string,
	local ports.AbuseNotifier,
	logger *zap.SugaredLogger,
) *EventBus {
	return &EventBus{
		client:     client,
		instanceID: instanceID,
		local:      local,
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Publish publishes an event to the event bus
func (eb *EventBus) Publish(ctx context.Context, event *Event) error {
	event.InstanceID = eb.instanceID
	event.Timestamp = time.Now()

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := eb.client.Publish(ctx, abuseChannel, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	eb.logger.Debugw("published event",
		"type", event.Type,
		"user_id", event.UserID,
	)
	return nil
}

func (eb *EventBus) NotifyBlocked(ctx context.Context, state *domain.UserAbuseState) error {
	if err := eb.local.NotifyBlocked(ctx, state); err != nil {
		eb.logger.Warnw("local block notice failed", "user_id", state.UserID, "error", err)
	}
	return eb.Publish(ctx, &Event{
		Type:         EventUserBlocked,
		UserID:       state.UserID,
		Reason:       state.BlockReason,
		BlockedUntil: utils.UnixMillis(state.BlockedUntil),
	})
}

func (eb *EventBus) NotifyUnblocked(ctx context.Context, userID domain.UserID) error {
	if err := eb.local.NotifyUnblocked(ctx, userID); err != nil {
		eb.logger.Warnw("local unblock notice failed", "user_id", userID, "error", err)
	}
	return eb.Publish(ctx, &Event{Type: EventUserUnblocked, UserID: userID})
}

// Ready is closed once Subscribe is receiving.
func (eb *EventBus) Ready() <-chan struct{} { return eb.ready }

// Subscribe delivers events published by other instances to the local
// notifier until ctx is done.
func (eb *EventBus) Subscribe(ctx context.Context) error {
	eb.mu.Lock()
	if eb.pubsub != nil {
		eb.mu.Unlock()
		return fmt.Errorf("already subscribed")
	}
	pubsub := eb.client.Subscribe(ctx, abuseChannel)
	eb.pubsub = pubsub
	eb.mu.Unlock()
	defer pubsub.Close()

	// wait for the subscription confirmation
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	close(eb.ready)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				eb.logger.Warnw("failed to unmarshal event",
					"error", err,
					"payload", msg.Payload,
				)
				continue
			}

			if event.InstanceID == eb.instanceID {
				continue
			}

			if err := eb.dispatch(ctx, &event); err != nil {
				eb.logger.Warnw("error handling event",
					"type", event.Type,
					"user_id", event.UserID,
					"error", err,
				)
			}
		}
	}
}

func (eb *EventBus) dispatch(ctx context.Context, event *Event) error {
	switch event.Type {
	case EventUserBlocked:
		return eb.local.NotifyBlocked(ctx, &domain.UserAbuseState{
			UserID:       event.UserID,
			State:        domain.StateBlocked,
			BlockReason:  event.Reason,
			BlockedUntil: utils.FromUnixMillis(event.BlockedUntil),
		})
	case EventUserUnblocked:
		return eb.local.NotifyUnblocked(ctx, event.UserID)
	default:
		return fmt.Errorf("unknown event type %q", event.Type)
	}
}

// Close closes the event bus
func (eb *EventBus) Close() error {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	if eb.pubsub != nil {
		return eb.pubsub.Close()
	}
	return nil
}
