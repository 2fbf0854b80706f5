package securities

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"quantloop/internal/models"
)

// UnsettledCash is trade proceeds waiting for their settlement date.
type UnsettledCash struct {
	Amount    float64
	SettlesAt time.Time
}

// Portfolio tracks cash, unsettled proceeds and the holdings held through
// the security store. The total value is cached lazily: mutations
// invalidate it and the next read recomputes.
type Portfolio struct {
	store  *Store
	logger zerolog.Logger

	cash      float64
	unsettled []UnsettledCash

	totalValue      float64
	totalValueValid bool
}

// NewPortfolio creates a portfolio over the store with starting cash.
func NewPortfolio(store *Store, startingCash float64, logger zerolog.Logger) *Portfolio {
	return &Portfolio{
		store:  store,
		logger: logger.With().Str("component", "portfolio").Logger(),
		cash:   startingCash,
	}
}

// Cash returns the settled cash balance.
func (p *Portfolio) Cash() float64 { return p.cash }

// UnsettledCashBalance returns the sum of proceeds not yet settled.
func (p *Portfolio) UnsettledCashBalance() float64 {
	var sum float64
	for _, u := range p.unsettled {
		sum += u.Amount
	}
	return sum
}

// AddCash credits settled cash immediately.
func (p *Portfolio) AddCash(amount float64) {
	p.cash += amount
	p.InvalidateTotalValue()
}

// AddUnsettledCash books proceeds that become usable at settlesAt.
func (p *Portfolio) AddUnsettledCash(amount float64, settlesAt time.Time) {
	p.unsettled = append(p.unsettled, UnsettledCash{Amount: amount, SettlesAt: settlesAt})
	sort.Slice(p.unsettled, func(i, j int) bool {
		return p.unsettled[i].SettlesAt.Before(p.unsettled[j].SettlesAt)
	})
	p.InvalidateTotalValue()
}

// ScanForCashSettlement converts due unsettled proceeds into usable cash.
// Returns the amount settled.
func (p *Portfolio) ScanForCashSettlement(now time.Time) float64 {
	var settled float64
	remaining := p.unsettled[:0]
	for _, u := range p.unsettled {
		if !u.SettlesAt.After(now) {
			settled += u.Amount
		} else {
			remaining = append(remaining, u)
		}
	}
	p.unsettled = remaining
	if settled != 0 {
		p.cash += settled
		p.InvalidateTotalValue()
		p.logger.Debug().Float64("amount", settled).Time("at", now).Msg("Unsettled cash settled")
	}
	return settled
}

// InvalidateTotalValue forces the next TotalValue read to recompute.
func (p *Portfolio) InvalidateTotalValue() {
	p.totalValueValid = false
}

// TotalValue returns settled plus unsettled cash plus the market value of
// all holdings, recomputing only when invalidated.
func (p *Portfolio) TotalValue() float64 {
	if p.totalValueValid {
		return p.totalValue
	}
	total := p.cash + p.UnsettledCashBalance()
	for _, sec := range p.store.All() {
		if sec.Holdings.Invested() {
			total += sec.Holdings.HoldingsValue()
		}
	}
	p.totalValue = total
	p.totalValueValid = true
	return total
}

// ProcessFill applies an executed fill to cash and holdings. A buy debits
// cash; a sell credits either settled or unsettled cash depending on the
// settlement date passed by the transaction handler.
func (p *Portfolio) ProcessFill(symbol models.Symbol, fillQty, fillPrice, fee float64, settlesAt time.Time, now time.Time) {
	sec, ok := p.store.Get(symbol)
	if !ok {
		p.logger.Warn().Stringer("symbol", symbol).Msg("Fill for unknown security dropped")
		return
	}
	notional := fillQty * fillPrice
	if fillQty > 0 {
		p.cash -= notional + fee
	} else {
		proceeds := -notional - fee
		if settlesAt.After(now) {
			p.AddUnsettledCash(proceeds, settlesAt)
		} else {
			p.cash += proceeds
		}
	}
	sec.Holdings.AddFill(fillQty, fillPrice, fee)
	p.InvalidateTotalValue()
}

// ApplyDividend credits the per-share distribution for the held quantity.
// Only Raw subscriptions see a cash effect; Adjusted price series already
// reflect the distribution.
func (p *Portfolio) ApplyDividend(d models.Dividend) float64 {
	sec, ok := p.store.Get(d.Symbol)
	if !ok || !sec.Holdings.Invested() {
		return 0
	}
	if sec.Normalization != models.NormalizationRaw {
		p.logger.Debug().Stringer("symbol", d.Symbol).Msg("Dividend skipped for adjusted subscription")
		return 0
	}
	amount := d.Distribution * sec.Holdings.Quantity()
	p.cash += amount
	p.InvalidateTotalValue()
	p.logger.Info().
		Stringer("symbol", d.Symbol).
		Float64("per_share", d.Distribution).
		Float64("amount", amount).
		Msg("Dividend applied")
	return amount
}

// ApplySplit rescales holdings and the cached price for a split. Only Raw
// subscriptions carry an economic effect. Returns true when holdings were
// adjusted.
func (p *Portfolio) ApplySplit(s models.Split) bool {
	sec, ok := p.store.Get(s.Symbol)
	if !ok {
		return false
	}
	if sec.Normalization != models.NormalizationRaw {
		p.logger.Debug().Stringer("symbol", s.Symbol).Msg("Split skipped for adjusted subscription")
		return false
	}
	sec.ApplySplitToPrice(s.SplitFactor)
	if sec.Holdings.Invested() {
		sec.Holdings.ApplySplit(s.SplitFactor)
	}
	p.InvalidateTotalValue()
	p.logger.Info().
		Stringer("symbol", s.Symbol).
		Float64("factor", s.SplitFactor).
		Msg("Split applied")
	return true
}
