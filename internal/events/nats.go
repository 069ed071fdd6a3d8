package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// StreamName is the JetStream stream holding ledger events.
const StreamName = "ARENA_LEDGER_EVENTS"

// SubjectPrefix is followed by the event type, e.g.
// arena.ledger.events.position_opened.
const SubjectPrefix = "arena.ledger.events."

// NATSPublisher publishes events to JetStream from a background loop so that
// ledger operations never wait on the broker.
type NATSPublisher struct {
	js    jetstream.JetStream
	queue chan Event
}

// NewNATSPublisher creates a publisher with the given queue capacity.
func NewNATSPublisher(js jetstream.JetStream, capacity int) *NATSPublisher {
	if capacity <= 0 {
		capacity = 1024
	}
	return &NATSPublisher{
		js:    js,
		queue: make(chan Event, capacity),
	}
}

// Publish enqueues evt, dropping it when the queue is full.
func (p *NATSPublisher) Publish(_ context.Context, evt Event) {
	select {
	case p.queue <- evt:
	default:
		slog.Warn("nats publish queue full, dropping event", "type", evt.Type, "id", evt.ID)
	}
}

// Run drains the queue until ctx is cancelled.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt := <-p.queue:
			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: the base ledger remains the source of truth.
				slog.Warn("nats publish failed", "type", evt.Type, "id", evt.ID, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, evt Event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	// The event id doubles as the JetStream dedup key.
	_, err = p.js.Publish(ctx, SubjectPrefix+evt.Type, data, jetstream.WithMsgID(evt.ID))
	return err
}

// EnsureStream creates or updates the ledger events stream.
func EnsureStream(ctx context.Context, js jetstream.JetStream) error {
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{SubjectPrefix + ">"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}
	slog.Info("ensured nats stream", "stream", StreamName)
	return nil
}
