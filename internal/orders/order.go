// Package orders implements the order lifecycle: the order value and its
// status machine, the submit/update/cancel request protocol, tickets, and
// time-in-force policies.
package orders

import (
	"fmt"
	"time"

	"quantloop/internal/models"
)

// Type represents the kind of an order.
type Type string

const (
	TypeMarket         Type = "MARKET"
	TypeLimit          Type = "LIMIT"
	TypeStopMarket     Type = "STOP_MARKET"
	TypeStopLimit      Type = "STOP_LIMIT"
	TypeMarketOnOpen   Type = "MARKET_ON_OPEN"
	TypeMarketOnClose  Type = "MARKET_ON_CLOSE"
	TypeOptionExercise Type = "OPTION_EXERCISE"
	TypeLimitIfTouched Type = "LIMIT_IF_TOUCHED"
	// TypeFixedPrice fills at the recorded price, used when importing
	// historical trades into a run.
	TypeFixedPrice Type = "FIXED_PRICE"
)

// Status represents the lifecycle state of an order.
type Status string

const (
	StatusNew             Status = "NEW"
	StatusSubmitted       Status = "SUBMITTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCanceled        Status = "CANCELED"
	StatusCancelPending   Status = "CANCEL_PENDING"
	StatusUpdateSubmitted Status = "UPDATE_SUBMITTED"
	StatusInvalid         Status = "INVALID"
)

// IsClosed reports whether the order has reached a final state.
func (s Status) IsClosed() bool {
	return s == StatusFilled || s == StatusCanceled || s == StatusInvalid
}

// IsOpen reports whether the order can still fill.
func (s Status) IsOpen() bool {
	return !s.IsClosed() && s != StatusNew
}

// CanTransitionTo reports whether the status machine permits moving to the
// target state.
func (s Status) CanTransitionTo(to Status) bool {
	if s == to {
		return false
	}
	switch s {
	case StatusNew:
		return to == StatusSubmitted || to == StatusInvalid || to == StatusCanceled
	case StatusSubmitted, StatusUpdateSubmitted:
		return to == StatusPartiallyFilled || to == StatusFilled ||
			to == StatusCanceled || to == StatusCancelPending ||
			to == StatusUpdateSubmitted || to == StatusInvalid
	case StatusPartiallyFilled:
		return to == StatusFilled || to == StatusCanceled ||
			to == StatusCancelPending || to == StatusUpdateSubmitted
	case StatusCancelPending:
		return to == StatusCanceled || to == StatusFilled || to == StatusPartiallyFilled
	default:
		return false
	}
}

// Direction represents which side of the market an order takes.
type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
)

// Order represents a trading order. Quantity is signed: positive buys,
// negative sells.
type Order struct {
	ID           int
	Symbol       models.Symbol
	Type         Type
	Status       Status
	Quantity     float64
	LimitPrice   float64
	StopPrice    float64
	Time         time.Time
	Tag          string
	TIF          TimeInForce
	FilledQty    float64
	AvgFillPrice float64
	// StopTriggered marks a stop order whose trigger has been touched and
	// now works as its resting type.
	StopTriggered bool
}

// New creates an order in the New state.
func New(symbol models.Symbol, orderType Type, quantity float64, now time.Time, tag string) *Order {
	return &Order{
		ID:       UnassignedOrderID,
		Symbol:   symbol,
		Type:     orderType,
		Status:   StatusNew,
		Quantity: quantity,
		Time:     now,
		Tag:      tag,
		TIF:      GoodTilCanceled{},
	}
}

// Direction returns the side implied by the signed quantity.
func (o *Order) Direction() Direction {
	if o.Quantity < 0 {
		return DirectionSell
	}
	return DirectionBuy
}

// AbsQuantity returns the unsigned order quantity.
func (o *Order) AbsQuantity() float64 {
	if o.Quantity < 0 {
		return -o.Quantity
	}
	return o.Quantity
}

// RemainingQty returns the signed quantity still open.
func (o *Order) RemainingQty() float64 {
	return o.Quantity - o.FilledQty
}

// SetStatus moves the order through the status machine, rejecting
// transitions the machine does not permit.
func (o *Order) SetStatus(to Status) error {
	if !o.Status.CanTransitionTo(to) {
		return fmt.Errorf("order %d: cannot transition %s -> %s", o.ID, o.Status, to)
	}
	o.Status = to
	return nil
}

// ApplyFill records a (partial) fill and advances the status.
func (o *Order) ApplyFill(fillQty, fillPrice float64) {
	prevAbs := o.FilledQty
	if prevAbs < 0 {
		prevAbs = -prevAbs
	}
	fillAbs := fillQty
	if fillAbs < 0 {
		fillAbs = -fillAbs
	}
	if prevAbs+fillAbs > 0 {
		o.AvgFillPrice = (o.AvgFillPrice*prevAbs + fillPrice*fillAbs) / (prevAbs + fillAbs)
	}
	o.FilledQty += fillQty
	if o.RemainingQty() == 0 {
		o.Status = StatusFilled
	} else {
		o.Status = StatusPartiallyFilled
	}
}

// Clone returns a shallow copy of the order. Used when handing orders to
// strategy callbacks so the book's copy cannot be mutated.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

// Event represents an observable change to an order: a status move or a
// fill. Events are queued by the transaction handler and drained by the
// synchronous flush points of the loop.
type Event struct {
	OrderID   int
	Symbol    models.Symbol
	Time      time.Time
	Status    Status
	FillPrice float64
	FillQty   float64
	Message   string
}

func (e Event) String() string {
	if e.FillQty != 0 {
		return fmt.Sprintf("order %d %s %s fill %.2f@%.2f", e.OrderID, e.Symbol, e.Status, e.FillQty, e.FillPrice)
	}
	return fmt.Sprintf("order %d %s %s", e.OrderID, e.Symbol, e.Status)
}
