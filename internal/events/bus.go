// Package events carries engine change notifications to interested hosts.
//
// The engine publishes one StateChanged per applied transition; subscribers
// treat it as a signal to take a fresh snapshot rather than as a diff.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/zap"
)

// TopicStateChanged is the topic every engine transition is published on.
const TopicStateChanged = "reportsync.state_changed"

const subscriberBuffer = 32

// StateChanged announces a new engine state version.
type StateChanged struct {
	Version uint64    `json:"version"`
	Actions []string  `json:"actions"`
	At      time.Time `json:"at"`
}

// Bus is an in-process publish/subscribe feed.
type Bus struct {
	pubsub *gochannel.GoChannel
	logger *zap.Logger
}

// NewBus returns a Bus. A nil logger discards diagnostics.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: subscriberBuffer},
			watermill.NopLogger{},
		),
		logger: logger,
	}
}

// PublishStateChanged announces a transition.
func (b *Bus) PublishStateChanged(ev StateChanged) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode state change: %w", err)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(TopicStateChanged, msg); err != nil {
		return fmt.Errorf("publish state change: %w", err)
	}
	return nil
}

// Subscribe returns state changes until ctx ends. Slow subscribers miss
// intermediate versions; the latest snapshot is always the source of truth.
func (b *Bus) Subscribe(ctx context.Context) (<-chan StateChanged, error) {
	messages, err := b.pubsub.Subscribe(ctx, TopicStateChanged)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", TopicStateChanged, err)
	}
	out := make(chan StateChanged, subscriberBuffer)
	go func() {
		defer close(out)
		for msg := range messages {
			var ev StateChanged
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				b.logger.Warn("dropping malformed state change", zap.String("uuid", msg.UUID), zap.Error(err))
				msg.Ack()
				continue
			}
			msg.Ack()
			select {
			case out <- ev:
			default:
			}
		}
	}()
	return out, nil
}

// Close stops delivery and closes every subscription.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}
