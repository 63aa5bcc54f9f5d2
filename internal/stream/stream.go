package stream

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Event kinds emitted on the invoice activity stream.
const (
	KindCalculated    = "calculated"
	KindStatusChanged = "status_changed"
)

// InvoiceEvent describes one invoice mutation for live dashboards.
type InvoiceEvent struct {
	InvoiceID      string           `json:"invoice_id"`
	ClientName     string           `json:"client_name"`
	BillingPeriod  string           `json:"billing_period"`
	Kind           string           `json:"kind"`
	FromStatus     string           `json:"from_status,omitempty"`
	ToStatus       string           `json:"to_status,omitempty"`
	ExpectedAmount *decimal.Decimal `json:"expected_amount,omitempty"`
	Timestamp      time.Time        `json:"timestamp"`
}

// Stream fan-outs invoice events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan InvoiceEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan InvoiceEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan InvoiceEvent {
	ch := make(chan InvoiceEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt InvoiceEvent) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
