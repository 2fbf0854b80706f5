package securities

import "quantloop/internal/models"

// Holdings tracks the position held in one security: signed quantity and
// average cost. Quantity changes fire the registered observer so the
// position manager can mark its group cache dirty.
type Holdings struct {
	security *Security

	quantity     float64
	averagePrice float64
	lastPrice    float64

	totalFees   float64
	realizedPnL float64

	onQuantityChanged func(models.Symbol)
}

func newHoldings(s *Security) *Holdings {
	return &Holdings{security: s}
}

// Quantity returns the signed held quantity.
func (h *Holdings) Quantity() float64 { return h.quantity }

// AveragePrice returns the average cost of the open quantity.
func (h *Holdings) AveragePrice() float64 { return h.averagePrice }

// Invested reports whether any quantity is held.
func (h *Holdings) Invested() bool { return h.quantity != 0 }

// IsShort reports whether the holding is a short position.
func (h *Holdings) IsShort() bool { return h.quantity < 0 }

// AbsQuantity returns the unsigned held quantity.
func (h *Holdings) AbsQuantity() float64 {
	if h.quantity < 0 {
		return -h.quantity
	}
	return h.quantity
}

// HoldingsValue returns the market value of the open quantity.
func (h *Holdings) HoldingsValue() float64 {
	return h.quantity * h.lastPrice
}

// UnrealizedPnL returns the mark-to-market profit of the open quantity.
func (h *Holdings) UnrealizedPnL() float64 {
	return h.quantity * (h.lastPrice - h.averagePrice)
}

// RealizedPnL returns the profit booked by closing fills.
func (h *Holdings) RealizedPnL() float64 { return h.realizedPnL }

// TotalFees returns the fees accumulated by fills.
func (h *Holdings) TotalFees() float64 { return h.totalFees }

// OnQuantityChanged registers the single observer notified when the held
// quantity changes. There is exactly one subscriber, the position manager.
func (h *Holdings) OnQuantityChanged(fn func(models.Symbol)) {
	h.onQuantityChanged = fn
}

func (h *Holdings) notify() {
	if h.onQuantityChanged != nil {
		h.onQuantityChanged(h.security.Symbol)
	}
}

func (h *Holdings) updateMarketPrice(price float64) {
	h.lastPrice = price
}

// SetHoldings overwrites quantity and cost basis directly.
func (h *Holdings) SetHoldings(averagePrice, quantity float64) {
	changed := h.quantity != quantity
	h.averagePrice = averagePrice
	h.quantity = quantity
	if changed {
		h.notify()
	}
}

// AddFill folds a fill into the holding: same-direction fills move the
// average price, opposite-direction fills realize profit first.
func (h *Holdings) AddFill(fillQty, fillPrice, fee float64) {
	h.totalFees += fee
	prev := h.quantity
	next := prev + fillQty

	switch {
	case prev == 0 || (prev > 0) == (fillQty > 0):
		// opening or adding
		totalAbs := abs(prev) + abs(fillQty)
		if totalAbs != 0 {
			h.averagePrice = (h.averagePrice*abs(prev) + fillPrice*abs(fillQty)) / totalAbs
		}
	case abs(fillQty) <= abs(prev):
		// reducing
		h.realizedPnL += (fillPrice - h.averagePrice) * -fillQty
	default:
		// crossing through zero: close the old side, open the new
		h.realizedPnL += (fillPrice - h.averagePrice) * prev
		h.averagePrice = fillPrice
	}

	h.quantity = next
	if next == 0 {
		h.averagePrice = 0
	}
	if prev != next {
		h.notify()
	}
}

// ApplySplit adjusts quantity and cost basis for a split factor. A 2:1
// split (factor 0.5) doubles the quantity and halves the average price.
func (h *Holdings) ApplySplit(factor float64) {
	if h.quantity == 0 || factor == 0 {
		return
	}
	h.quantity /= factor
	h.averagePrice *= factor
	h.notify()
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
