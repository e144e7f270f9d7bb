package internal

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/bytedance/sonic"
	"github.com/google/uuid"
)

// Event topics. In-process only; the gochannel pub/sub never leaves the
// binary.
const (
	_topicBookUpserted = "book.upserted"
	_topicCoverUpdated = "cover.updated"
)

// bookUpsertedEvent announces that a book's canonical row changed.
type bookUpsertedEvent struct {
	Key uuid.UUID `json:"key"`
}

// coverUpdatedEvent announces a final cover selection.
type coverUpdatedEvent struct {
	Key    uuid.UUID `json:"key"`
	Source Source    `json:"source"`
	URL    string    `json:"url"`
}

// Events is the in-process pub/sub seam. A nil *Events drops everything,
// which is what tests and the one-shot CLI commands want.
type Events struct {
	pub message.Publisher
	sub message.Subscriber
}

// NewEvents builds the gochannel-backed bus.
func NewEvents() *Events {
	ps := gochannel.NewGoChannel(
		gochannel.Config{OutputChannelBuffer: 256},
		watermill.NewSlogLogger(Slogger()),
	)
	return &Events{pub: ps, sub: ps}
}

// BookUpserted publishes a book.upserted event. Best effort; failures are
// logged, never surfaced.
func (e *Events) BookUpserted(ctx context.Context, key uuid.UUID) {
	if e == nil {
		return
	}
	e.publish(ctx, _topicBookUpserted, bookUpsertedEvent{Key: key})
}

// CoverUpdated publishes a cover.updated event.
func (e *Events) CoverUpdated(ctx context.Context, key uuid.UUID, source Source, url string) {
	if e == nil {
		return
	}
	e.publish(ctx, _topicCoverUpdated, coverUpdatedEvent{Key: key, Source: source, URL: url})
}

func (e *Events) publish(ctx context.Context, topic string, payload any) {
	body, err := sonic.ConfigStd.Marshal(payload)
	if err != nil {
		Log(ctx).Warn("problem encoding event", "topic", topic, "err", err)
		return
	}
	msg := message.NewMessage(watermill.NewUUID(), body)
	if err := e.pub.Publish(topic, msg); err != nil {
		Log(ctx).Warn("problem publishing event", "topic", topic, "err", err)
	}
}

// Close shuts the bus down, releasing subscribers.
func (e *Events) Close() error {
	if e == nil {
		return nil
	}
	return e.pub.(*gochannel.GoChannel).Close()
}

// searchRefresher is the slice of the store the consumer needs.
type searchRefresher interface {
	RefreshSearchIndex(ctx context.Context) error
}

// EventConsumers runs the bus consumers: a search-index refresh debouncer
// that coalesces bursts of upserts into one view refresh after a quiet
// period, and an audit logger for cover selections. Implements suture.Service.
type EventConsumers struct {
	events  *Events
	store   searchRefresher
	quiet   time.Duration
	metrics *jobMetrics
}

// NewEventConsumers wires the consumers. quiet is the debounce window.
func NewEventConsumers(events *Events, store searchRefresher, quiet time.Duration, metrics *jobMetrics) *EventConsumers {
	if quiet <= 0 {
		quiet = 30 * time.Second
	}
	return &EventConsumers{events: events, store: store, quiet: quiet, metrics: metrics}
}

// Serve consumes until ctx is done. Run under the supervisor.
func (c *EventConsumers) Serve(ctx context.Context) error {
	upserts, err := c.events.sub.Subscribe(ctx, _topicBookUpserted)
	if err != nil {
		return err
	}
	covers, err := c.events.sub.Subscribe(ctx, _topicCoverUpdated)
	if err != nil {
		return err
	}

	// The timer stays parked until the first upsert lands.
	debounce := time.NewTimer(time.Hour)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()
	pending := 0

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-upserts:
			if !ok {
				return nil
			}
			msg.Ack()
			pending++
			debounce.Reset(c.quiet)

		case msg, ok := <-covers:
			if !ok {
				return nil
			}
			msg.Ack()
			var ev coverUpdatedEvent
			if err := sonic.ConfigStd.Unmarshal(msg.Payload, &ev); err == nil {
				Log(ctx).Info("cover updated", "book", ev.Key, "source", ev.Source)
			}

		case <-debounce.C:
			n := pending
			pending = 0
			start := time.Now()
			err := c.store.RefreshSearchIndex(ctx)
			c.metrics.ran("search_refresh", time.Since(start), err)
			if err != nil {
				Log(ctx).Warn("problem refreshing search index", "upserts", n, "err", err)
			} else {
				Log(ctx).Debug("search index refreshed", "upserts", n, "took", time.Since(start))
			}
		}
	}
}

func (c *EventConsumers) String() string { return "event-consumers" }
