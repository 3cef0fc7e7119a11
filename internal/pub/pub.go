// Package pub publishes outbound events. Core components only see the Notifier
// interface; delivery failures are logged and never fail the money movement that
// produced the event.
package pub

import (
	"context"
	"time"

	"payments-core/pkg/money"
)

const (
	EventPaymentSucceeded     = "payment.succeeded"
	EventPaymentFailed        = "payment.failed"
	EventPaymentRefunded      = "payment.refunded"
	EventLedgerPosted         = "ledger.transaction.posted"
	EventReconciliationAlert  = "reconciliation.alert"
	EventReconciliationFinish = "reconciliation.completed"
)

// Event is the single outbound payload shape.
type Event struct {
	Type      string            `json:"event_type"`
	Key       string            `json:"key"`
	Provider  string            `json:"provider,omitempty"`
	AccountID string            `json:"account_id,omitempty"`
	Amount    money.Amount      `json:"amount,omitempty"`
	Currency  string            `json:"currency,omitempty"`
	Status    string            `json:"status,omitempty"`
	Severity  string            `json:"severity,omitempty"`
	Message   string            `json:"message,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
}

type Notifier interface {
	Notify(ctx context.Context, evt *Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, *Event) error { return nil }

// Multi fans an event out to several notifiers and returns the first error.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, evt *Event) error {
	var first error
	for _, n := range m {
		if err := n.Notify(ctx, evt); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Recorder keeps events in memory; tests use it to assert on alerts.
type Recorder struct {
	events chan *Event
}

func NewRecorder(size int) *Recorder {
	return &Recorder{events: make(chan *Event, size)}
}

func (r *Recorder) Notify(_ context.Context, evt *Event) error {
	select {
	case r.events <- evt:
	default:
	}
	return nil
}

// Drain returns the events recorded so far.
func (r *Recorder) Drain() []*Event {
	var out []*Event
	for {
		select {
		case e := <-r.events:
			out = append(out, e)
		default:
			return out
		}
	}
}
