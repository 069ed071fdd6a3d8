// Package events carries ledger state changes to downstream consumers:
// NATS JetStream for services, the WebSocket hub for browsers.
package events

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/traderings/arena-ledger/internal/model"
)

// Event types.
const (
	PositionOpened     = "position_opened"
	PositionUpdated    = "position_updated"
	PositionClosed     = "position_closed"
	AccountDelegated   = "account_delegated"
	AccountCommitted   = "account_committed"
	AccountUndelegated = "account_undelegated"
)

// Event is one ledger state change. Amounts are micro-units.
type Event struct {
	ID        string        `json:"id"`
	Type      string        `json:"type"`
	Executor  string        `json:"executor"`
	Address   model.Address `json:"address"`
	Account   model.Address `json:"account,omitempty"`
	Asset     string        `json:"asset,omitempty"`
	Quantity  int64         `json:"quantity,omitempty"`
	Cost      string        `json:"cost,omitempty"`
	Balance   int64         `json:"balance,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// New stamps an event with a fresh id and the current time.
func New(typ, executor string, address model.Address) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      typ,
		Executor:  executor,
		Address:   address,
		Timestamp: time.Now().UTC(),
	}
}

// Publisher accepts events. Publish must not block the caller on slow
// consumers; implementations buffer or drop.
type Publisher interface {
	Publish(ctx context.Context, evt Event)
}

// Fanout publishes to every non-nil publisher in order.
type Fanout []Publisher

func (f Fanout) Publish(ctx context.Context, evt Event) {
	for _, p := range f {
		if p != nil {
			p.Publish(ctx, evt)
		}
	}
}

// Recorder keeps published events in memory. Useful in tests.
type Recorder struct {
	Events []Event
}

func (r *Recorder) Publish(_ context.Context, evt Event) {
	r.Events = append(r.Events, evt)
}

// Types returns the recorded event types in order.
func (r *Recorder) Types() []string {
	out := make([]string, len(r.Events))
	for i, e := range r.Events {
		out[i] = e.Type
	}
	return out
}
