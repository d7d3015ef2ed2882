// Package pubsub exports committed usage records onto an in-process
// watermill bus, keeping analytics consumers decoupled from the
// rendezvous core.
package pubsub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/0patch/magic-wormhole/internal/rendezvous"
)

// TopicUsage carries one message per emitted usage record.
const TopicUsage = "usage.records"

// UsageEvent is the wire form of a usage record. WaitingTime is nil
// when no second side ever joined.
type UsageEvent struct {
	Kind        string   `json:"kind"`
	AppID       string   `json:"app_id"`
	Started     float64  `json:"started"`
	TotalTime   float64  `json:"total_time"`
	WaitingTime *float64 `json:"waiting_time,omitempty"`
	Result      string   `json:"result"`
}

// Bus is a gochannel-backed publisher/subscriber pair for usage events.
// It implements rendezvous.UsageRecorder.
type Bus struct {
	pubsub *gochannel.GoChannel
	log    *slog.Logger
}

var _ rendezvous.UsageRecorder = (*Bus)(nil)

// NewBus builds the in-process bus.
func NewBus(log *slog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(
			gochannel.Config{OutputChannelBuffer: 64},
			watermill.NewSlogLogger(log),
		),
		log: log,
	}
}

// RecordUsage publishes one usage record. The record is already durable
// in the store; publish failures are logged and dropped, never
// propagated back into the core.
func (b *Bus) RecordUsage(kind, appID string, u rendezvous.Usage) {
	ev := UsageEvent{
		Kind:      kind,
		AppID:     appID,
		Started:   u.Started,
		TotalTime: u.TotalTime,
		Result:    u.Result,
	}
	if u.Waited {
		waiting := u.WaitingTime
		ev.WaitingTime = &waiting
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.log.Error("usage event marshal failed", "error", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if err := b.pubsub.Publish(TopicUsage, msg); err != nil {
		b.log.Error("usage event publish failed", "error", err)
	}
}

// Subscribe returns a stream of usage events. Each message must be
// Acked by the consumer.
func (b *Bus) Subscribe(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.pubsub.Subscribe(ctx, TopicUsage)
	if err != nil {
		return nil, fmt.Errorf("pubsub: subscribe %s: %w", TopicUsage, err)
	}
	return ch, nil
}

// Close shuts the bus down, terminating all subscribers.
func (b *Bus) Close() error {
	return b.pubsub.Close()
}

// RunUsageLogger drains usage events into the structured log until ctx
// is canceled. It is the default bus consumer; external analytics can
// subscribe alongside it.
func RunUsageLogger(ctx context.Context, bus *Bus, log *slog.Logger) error {
	ch, err := bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	go func() {
		for msg := range ch {
			var ev UsageEvent
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn("malformed usage event", "error", err)
				msg.Ack()
				continue
			}
			log.Info("usage record",
				"kind", ev.Kind,
				"result", ev.Result,
				"total_time", ev.TotalTime,
			)
			msg.Ack()
		}
	}()
	return nil
}
