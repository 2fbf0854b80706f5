package orders

import (
	"time"

	"quantloop/internal/models"
)

// UnassignedOrderID is the sentinel order ID carried by a request until
// the transaction handler assigns a real one.
const UnassignedOrderID = -1

// RequestType tags the mutation a request intends.
type RequestType string

const (
	RequestSubmit RequestType = "SUBMIT"
	RequestUpdate RequestType = "UPDATE"
	RequestCancel RequestType = "CANCEL"
)

// Request is a mutation intent aimed at the transaction handler. The
// handler attaches its Response to the request when processed.
type Request interface {
	Type() RequestType
	OrderID() int
	Time() time.Time
	Tag() string
	Response() *Response
	SetResponse(*Response)
}

type baseRequest struct {
	orderID  int
	time     time.Time
	tag      string
	response *Response
}

func (r *baseRequest) OrderID() int            { return r.orderID }
func (r *baseRequest) Time() time.Time         { return r.time }
func (r *baseRequest) Tag() string             { return r.tag }
func (r *baseRequest) Response() *Response     { return r.response }
func (r *baseRequest) SetResponse(rs *Response) { r.response = rs }

// SubmitRequest asks for a new order to be created.
type SubmitRequest struct {
	baseRequest
	Symbol     models.Symbol
	OrderType  Type
	Quantity   float64
	LimitPrice float64
	StopPrice  float64
	TIF        TimeInForce
}

// NewSubmitRequest creates a submit request; the order ID stays at the
// unassigned sentinel until the transaction handler takes it.
func NewSubmitRequest(symbol models.Symbol, orderType Type, quantity float64, now time.Time, tag string) *SubmitRequest {
	return &SubmitRequest{
		baseRequest: baseRequest{orderID: UnassignedOrderID, time: now, tag: tag},
		Symbol:      symbol,
		OrderType:   orderType,
		Quantity:    quantity,
		TIF:         GoodTilCanceled{},
	}
}

// Type implements Request.
func (r *SubmitRequest) Type() RequestType { return RequestSubmit }

// SetOrderID assigns the handler-issued ID. Only the transaction handler
// calls this, exactly once.
func (r *SubmitRequest) SetOrderID(id int) { r.orderID = id }

// ToOrder builds the order value the submit describes.
func (r *SubmitRequest) ToOrder(id int) *Order {
	o := New(r.Symbol, r.OrderType, r.Quantity, r.time, r.tag)
	o.ID = id
	o.LimitPrice = r.LimitPrice
	o.StopPrice = r.StopPrice
	if r.TIF != nil {
		o.TIF = r.TIF
	}
	return o
}

// UpdateRequest asks for fields of an open order to change. Nil fields
// are left untouched.
type UpdateRequest struct {
	baseRequest
	Quantity   *float64
	LimitPrice *float64
	StopPrice  *float64
	NewTag     *string
}

// NewUpdateRequest creates an update request for an existing order.
func NewUpdateRequest(orderID int, now time.Time, tag string) *UpdateRequest {
	return &UpdateRequest{baseRequest: baseRequest{orderID: orderID, time: now, tag: tag}}
}

// Type implements Request.
func (r *UpdateRequest) Type() RequestType { return RequestUpdate }

// Apply copies the requested fields onto the order.
func (r *UpdateRequest) Apply(o *Order) {
	if r.Quantity != nil {
		o.Quantity = *r.Quantity
	}
	if r.LimitPrice != nil {
		o.LimitPrice = *r.LimitPrice
	}
	if r.StopPrice != nil {
		o.StopPrice = *r.StopPrice
	}
	if r.NewTag != nil {
		o.Tag = *r.NewTag
	}
}

// CancelRequest asks for an open order to be canceled.
type CancelRequest struct {
	baseRequest
}

// NewCancelRequest creates a cancel request for an existing order.
func NewCancelRequest(orderID int, now time.Time, tag string) *CancelRequest {
	return &CancelRequest{baseRequest: baseRequest{orderID: orderID, time: now, tag: tag}}
}

// Type implements Request.
func (r *CancelRequest) Type() RequestType { return RequestCancel }
