package orders

import (
	"sync"
	"time"

	"quantloop/internal/models"
)

// Ticket is the strategy-facing handle for a submitted order. The
// transaction handler keeps it current as events arrive; reads are safe
// from any goroutine.
type Ticket struct {
	mu sync.RWMutex

	orderID int
	symbol  models.Symbol
	status  Status

	quantity     float64
	filledQty    float64
	avgFillPrice float64

	requests []Request
	events   []Event
}

// NewTicket creates a ticket for a freshly accepted submit request.
func NewTicket(orderID int, submit *SubmitRequest) *Ticket {
	return &Ticket{
		orderID:  orderID,
		symbol:   submit.Symbol,
		status:   StatusNew,
		quantity: submit.Quantity,
		requests: []Request{submit},
	}
}

// OrderID returns the handler-assigned order ID.
func (t *Ticket) OrderID() int { return t.orderID }

// Symbol returns the ordered symbol.
func (t *Ticket) Symbol() models.Symbol { return t.symbol }

// Status returns the last observed order status.
func (t *Ticket) Status() Status {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status
}

// Quantity returns the signed order quantity.
func (t *Ticket) Quantity() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.quantity
}

// QuantityFilled returns the signed filled quantity.
func (t *Ticket) QuantityFilled() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.filledQty
}

// AverageFillPrice returns the volume-weighted fill price.
func (t *Ticket) AverageFillPrice() float64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.avgFillPrice
}

// Events returns a copy of the events observed so far.
func (t *Ticket) Events() []Event {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Event, len(t.events))
	copy(out, t.events)
	return out
}

// AddRequest records a follow-up update/cancel request against the ticket.
func (t *Ticket) AddRequest(r Request) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.requests = append(t.requests, r)
}

// HandleEvent folds an order event into the ticket state.
func (t *Ticket) HandleEvent(e Event) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.events = append(t.events, e)
	t.status = e.Status
	if e.FillQty != 0 {
		prevAbs := t.filledQty
		if prevAbs < 0 {
			prevAbs = -prevAbs
		}
		fillAbs := e.FillQty
		if fillAbs < 0 {
			fillAbs = -fillAbs
		}
		if prevAbs+fillAbs > 0 {
			t.avgFillPrice = (t.avgFillPrice*prevAbs + e.FillPrice*fillAbs) / (prevAbs + fillAbs)
		}
		t.filledQty += e.FillQty
	}
}

// SyncFromOrder refreshes mutable fields after an update request applied.
func (t *Ticket) SyncFromOrder(o *Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.quantity = o.Quantity
	t.status = o.Status
}

// IsClosed reports whether the underlying order reached a final state.
func (t *Ticket) IsClosed() bool {
	return t.Status().IsClosed()
}

// SubmittedAt returns the time of the original submit request.
func (t *Ticket) SubmittedAt() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.requests) == 0 {
		return time.Time{}
	}
	return t.requests[0].Time()
}
