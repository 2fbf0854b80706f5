// Package brokerage provides the in-repo backtesting implementations of
// the engine's transaction, brokerage-model and margin-model seams.
package brokerage

import (
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"quantloop/internal/models"
	"quantloop/internal/orders"
	"quantloop/internal/securities"
)

// TransactionHandler simulates order flow for backtests: it validates
// requests, keeps the open-order book, fills against current prices, and
// queues order events for the loop's synchronous flush points.
type TransactionHandler struct {
	portfolio *securities.Portfolio
	store     *securities.Store
	logger    zerolog.Logger

	sequence int
	orders   map[int]*orders.Order
	tickets  map[int]*orders.Ticket
	openIDs  []int

	pendingEvents []orders.Event
	onOrderEvent  func(orders.Event)
	warmingUp     func() bool

	// SettlementDays delays sell proceeds; zero settles immediately.
	SettlementDays int

	currentTime time.Time
}

// NewTransactionHandler creates a handler over the portfolio and store.
func NewTransactionHandler(portfolio *securities.Portfolio, store *securities.Store, logger zerolog.Logger) *TransactionHandler {
	return &TransactionHandler{
		portfolio: portfolio,
		store:     store,
		logger:    logger.With().Str("component", "transactions").Logger(),
		orders:    make(map[int]*orders.Order),
		tickets:   make(map[int]*orders.Ticket),
	}
}

// SetOrderEventHandler registers the sink order events drain into during
// ProcessSynchronousEvents.
func (h *TransactionHandler) SetOrderEventHandler(fn func(orders.Event)) {
	h.onOrderEvent = fn
}

// SetWarmupCheck registers the warmup predicate consulted on submits.
func (h *TransactionHandler) SetWarmupCheck(fn func() bool) {
	h.warmingUp = fn
}

// SetTime advances the handler's notion of now. The loop calls this
// before scanning for fills.
func (h *TransactionHandler) SetTime(now time.Time) {
	h.currentTime = now
}

// Process handles a submit, update or cancel request, attaching the
// response to the request and returning it. Errors come back as response
// codes, never as raised errors.
func (h *TransactionHandler) Process(request orders.Request) *orders.Response {
	var response *orders.Response
	switch r := request.(type) {
	case *orders.SubmitRequest:
		response = h.processSubmit(r)
	case *orders.UpdateRequest:
		response = h.processUpdate(r)
	case *orders.CancelRequest:
		response = h.processCancel(r)
	default:
		response = orders.ErrorResponse(request.OrderID(), orders.ErrorInvalidRequest,
			fmt.Sprintf("unsupported request type %T", request))
	}
	request.SetResponse(response)
	return response
}

func (h *TransactionHandler) processSubmit(r *orders.SubmitRequest) *orders.Response {
	if r.Quantity == 0 {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorOrderQuantityZero, "order quantity cannot be zero")
	}
	if h.warmingUp != nil && h.warmingUp() {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorAlgorithmWarmingUp, "cannot submit orders during warmup")
	}
	sec, ok := h.store.Get(r.Symbol)
	if !ok {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorSecurityNotFound,
			fmt.Sprintf("security %s is not in the universe", r.Symbol))
	}
	if !sec.IsTradable {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorNonTradableSecurity,
			fmt.Sprintf("security %s is not tradable", r.Symbol))
	}

	h.sequence++
	id := h.sequence
	r.SetOrderID(id)

	order := r.ToOrder(id)
	if err := order.SetStatus(orders.StatusSubmitted); err != nil {
		return orders.ErrorResponse(id, orders.ErrorInvalidNewOrderStatus, err.Error())
	}
	h.orders[id] = order
	h.tickets[id] = orders.NewTicket(id, r)
	h.openIDs = append(h.openIDs, id)

	h.queueEvent(orders.Event{
		OrderID: id,
		Symbol:  order.Symbol,
		Time:    r.Time(),
		Status:  orders.StatusSubmitted,
	})
	h.logger.Debug().Int("order_id", id).Stringer("symbol", order.Symbol).
		Float64("quantity", order.Quantity).Str("type", string(order.Type)).Msg("Order submitted")
	return orders.SuccessResponse(id)
}

func (h *TransactionHandler) processUpdate(r *orders.UpdateRequest) *orders.Response {
	order, ok := h.orders[r.OrderID()]
	if !ok {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorUnableToFindOrder,
			fmt.Sprintf("order %d not found", r.OrderID()))
	}
	if order.Status.IsClosed() {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorInvalidOrderStatus,
			fmt.Sprintf("order %d is %s and cannot update", order.ID, order.Status))
	}
	r.Apply(order)
	if err := order.SetStatus(orders.StatusUpdateSubmitted); err != nil {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorInvalidOrderStatus, err.Error())
	}
	ticket := h.tickets[order.ID]
	ticket.AddRequest(r)
	ticket.SyncFromOrder(order)
	h.queueEvent(orders.Event{OrderID: order.ID, Symbol: order.Symbol, Time: r.Time(), Status: orders.StatusUpdateSubmitted})
	return orders.SuccessResponse(order.ID)
}

func (h *TransactionHandler) processCancel(r *orders.CancelRequest) *orders.Response {
	order, ok := h.orders[r.OrderID()]
	if !ok {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorUnableToFindOrder,
			fmt.Sprintf("order %d not found", r.OrderID()))
	}
	if order.Status.IsClosed() {
		return orders.ErrorResponse(r.OrderID(), orders.ErrorInvalidOrderStatus,
			fmt.Sprintf("order %d is %s and cannot cancel", order.ID, order.Status))
	}
	h.cancelOrder(order, r.Time(), r.Tag())
	ticket := h.tickets[order.ID]
	ticket.AddRequest(r)
	return orders.SuccessResponse(order.ID)
}

func (h *TransactionHandler) cancelOrder(order *orders.Order, now time.Time, reason string) {
	order.Status = orders.StatusCanceled
	h.removeOpen(order.ID)
	h.queueEvent(orders.Event{
		OrderID: order.ID,
		Symbol:  order.Symbol,
		Time:    now,
		Status:  orders.StatusCanceled,
		Message: reason,
	})
}

// CancelOpenOrders cancels every open order for the symbol, returning the
// affected tickets.
func (h *TransactionHandler) CancelOpenOrders(symbol models.Symbol, reason string) []*orders.Ticket {
	var out []*orders.Ticket
	for _, id := range append([]int(nil), h.openIDs...) {
		order := h.orders[id]
		if order.Symbol != symbol {
			continue
		}
		h.cancelOrder(order, h.currentTime, reason)
		out = append(out, h.tickets[id])
	}
	return out
}

// GetOpenOrderTickets returns the tickets of open orders matching the
// filter; a nil filter matches everything.
func (h *TransactionHandler) GetOpenOrderTickets(filter func(*orders.Ticket) bool) []*orders.Ticket {
	var out []*orders.Ticket
	for _, id := range h.openIDs {
		t := h.tickets[id]
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OrderID() < out[j].OrderID() })
	return out
}

// OpenOrders returns the open order values for a symbol; the brokerage
// model mutates these directly when applying splits.
func (h *TransactionHandler) OpenOrders(symbol models.Symbol) []*orders.Order {
	var out []*orders.Order
	for _, id := range h.openIDs {
		if h.orders[id].Symbol == symbol {
			out = append(out, h.orders[id])
		}
	}
	return out
}

// Ticket returns the ticket for an order ID.
func (h *TransactionHandler) Ticket(orderID int) (*orders.Ticket, bool) {
	t, ok := h.tickets[orderID]
	return t, ok
}

// Scan walks the open book once, expiring dead orders and filling those
// whose conditions are met at current prices. Called by the loop after
// price caches updated.
func (h *TransactionHandler) Scan(now time.Time) {
	h.currentTime = now
	for _, id := range append([]int(nil), h.openIDs...) {
		order := h.orders[id]
		if order.TIF != nil && order.TIF.IsOrderExpired(order, now) {
			h.cancelOrder(order, now, "time in force expired")
			continue
		}
		sec, ok := h.store.Get(order.Symbol)
		if !ok || !sec.HasData() {
			continue
		}
		if price, filled := h.tryFill(order, sec, now); filled {
			h.fill(order, sec, price, now)
		}
	}
}

// tryFill decides whether the order fills at now and at what price.
func (h *TransactionHandler) tryFill(order *orders.Order, sec *securities.Security, now time.Time) (float64, bool) {
	price := sec.Price()
	switch order.Type {
	case orders.TypeMarket, orders.TypeOptionExercise:
		return price, true
	case orders.TypeFixedPrice:
		return order.LimitPrice, true
	case orders.TypeLimit:
		if order.Direction() == orders.DirectionBuy && price <= order.LimitPrice {
			return order.LimitPrice, true
		}
		if order.Direction() == orders.DirectionSell && price >= order.LimitPrice {
			return order.LimitPrice, true
		}
	case orders.TypeStopMarket:
		if h.stopTriggered(order, price) {
			return price, true
		}
	case orders.TypeStopLimit:
		if !order.StopTriggered {
			order.StopTriggered = h.stopTriggered(order, price)
		}
		if order.StopTriggered {
			if order.Direction() == orders.DirectionBuy && price <= order.LimitPrice {
				return order.LimitPrice, true
			}
			if order.Direction() == orders.DirectionSell && price >= order.LimitPrice {
				return order.LimitPrice, true
			}
		}
	case orders.TypeLimitIfTouched:
		if !order.StopTriggered {
			// touch is the inverse of a stop trigger
			if order.Direction() == orders.DirectionBuy && price <= order.StopPrice {
				order.StopTriggered = true
			}
			if order.Direction() == orders.DirectionSell && price >= order.StopPrice {
				order.StopTriggered = true
			}
		}
		if order.StopTriggered {
			if order.Direction() == orders.DirectionBuy && price <= order.LimitPrice {
				return order.LimitPrice, true
			}
			if order.Direction() == orders.DirectionSell && price >= order.LimitPrice {
				return order.LimitPrice, true
			}
		}
	case orders.TypeMarketOnOpen:
		if sec.Exchange.IsOpen(now) && now.After(order.Time) {
			open := sec.Open()
			if open == 0 {
				open = price
			}
			return open, true
		}
	case orders.TypeMarketOnClose:
		if !now.Before(sec.Exchange.NextMarketClose(order.Time)) {
			return price, true
		}
	}
	return 0, false
}

func (h *TransactionHandler) stopTriggered(order *orders.Order, price float64) bool {
	if order.Direction() == orders.DirectionBuy {
		return price >= order.StopPrice
	}
	return price <= order.StopPrice
}

func (h *TransactionHandler) fill(order *orders.Order, sec *securities.Security, price float64, now time.Time) {
	qty := order.RemainingQty()
	if order.TIF != nil && !order.TIF.IsFillValid(order, now) {
		h.cancelOrder(order, now, "fill outside time in force")
		return
	}
	settlesAt := now
	if h.SettlementDays > 0 {
		settlesAt = now.AddDate(0, 0, h.SettlementDays)
	}
	h.portfolio.ProcessFill(order.Symbol, qty, price, 0, settlesAt, now)
	order.ApplyFill(qty, price)
	if order.Status.IsClosed() {
		h.removeOpen(order.ID)
	}
	h.queueEvent(orders.Event{
		OrderID:   order.ID,
		Symbol:    order.Symbol,
		Time:      now,
		Status:    order.Status,
		FillPrice: price,
		FillQty:   qty,
	})
	h.logger.Debug().Int("order_id", order.ID).Stringer("symbol", order.Symbol).
		Float64("quantity", qty).Float64("price", price).Msg("Order filled")
}

func (h *TransactionHandler) removeOpen(id int) {
	for i, open := range h.openIDs {
		if open == id {
			h.openIDs = append(h.openIDs[:i], h.openIDs[i+1:]...)
			return
		}
	}
}

func (h *TransactionHandler) queueEvent(e orders.Event) {
	if t, ok := h.tickets[e.OrderID]; ok {
		t.HandleEvent(e)
	}
	h.pendingEvents = append(h.pendingEvents, e)
}

// ProcessSynchronousEvents drains queued order events into the registered
// handler, in arrival order. Events queued by the handler while draining
// are picked up in the same pass.
func (h *TransactionHandler) ProcessSynchronousEvents() {
	for len(h.pendingEvents) > 0 {
		batch := h.pendingEvents
		h.pendingEvents = nil
		for _, e := range batch {
			if h.onOrderEvent != nil {
				h.onOrderEvent(e)
			}
		}
	}
}

// PendingEventCount returns the number of undrained order events.
func (h *TransactionHandler) PendingEventCount() int {
	return len(h.pendingEvents)
}
