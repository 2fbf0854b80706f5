// Package securities holds the mutable per-instrument and portfolio state
// the execution loop updates every time slice. The loop thread is the only
// writer during a run, so the hot path carries no locks.
package securities

import (
	"time"

	"quantloop/internal/models"
)

// ExchangeHours describes a regular trading session in the exchange's
// timezone. No holiday calendar; closed days are weekends only.
type ExchangeHours struct {
	Location  *time.Location
	OpenTime  time.Duration // offset from local midnight
	CloseTime time.Duration
}

// DefaultExchangeHours returns a 09:30-16:00 UTC session.
func DefaultExchangeHours() *ExchangeHours {
	return &ExchangeHours{
		Location:  time.UTC,
		OpenTime:  9*time.Hour + 30*time.Minute,
		CloseTime: 16 * time.Hour,
	}
}

func (h *ExchangeHours) midnight(t time.Time) time.Time {
	local := t.In(h.Location)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, h.Location)
}

func isWeekend(t time.Time) bool {
	wd := t.Weekday()
	return wd == time.Saturday || wd == time.Sunday
}

// IsOpen reports whether the exchange trades at the given instant.
func (h *ExchangeHours) IsOpen(t time.Time) bool {
	local := t.In(h.Location)
	if isWeekend(local) {
		return false
	}
	mid := h.midnight(local)
	return !local.Before(mid.Add(h.OpenTime)) && local.Before(mid.Add(h.CloseTime))
}

// NextMarketClose returns the first session close at or after t.
func (h *ExchangeHours) NextMarketClose(t time.Time) time.Time {
	local := t.In(h.Location)
	for {
		if !isWeekend(local) {
			close := h.midnight(local).Add(h.CloseTime)
			if !close.Before(local) {
				return close
			}
		}
		local = h.midnight(local).AddDate(0, 0, 1)
	}
}

// Security is the mutable record of one tradable instrument: current
// price/quote cache, holdings and subscription settings.
type Security struct {
	Symbol        models.Symbol
	Type          models.SecurityType
	Resolution    models.Resolution
	Normalization models.DataNormalizationMode
	Exchange      *ExchangeHours
	LotSize       float64
	IsTradable    bool
	// IsInternal marks securities added by the engine for its own needs
	// (currency conversion, universe bookkeeping); the strategy never
	// sees them in security-change notifications.
	IsInternal bool

	Holdings *Holdings

	price      float64
	openPrice  float64
	bid        float64
	ask        float64
	volume     int64
	lastUpdate time.Time
}

// NewSecurity creates a tradable security with defaults.
func NewSecurity(symbol models.Symbol, resolution models.Resolution) *Security {
	s := &Security{
		Symbol:        symbol,
		Type:          symbol.Type,
		Resolution:    resolution,
		Normalization: models.NormalizationAdjusted,
		Exchange:      DefaultExchangeHours(),
		LotSize:       1,
		IsTradable:    true,
	}
	s.Holdings = newHoldings(s)
	return s
}

// Price returns the last trade price.
func (s *Security) Price() float64 { return s.price }

// Open returns the last observed open price.
func (s *Security) Open() float64 { return s.openPrice }

// BidPrice returns the last bid.
func (s *Security) BidPrice() float64 { return s.bid }

// AskPrice returns the last ask.
func (s *Security) AskPrice() float64 { return s.ask }

// LastUpdate returns when market data last touched this security.
func (s *Security) LastUpdate() time.Time { return s.lastUpdate }

// HasData reports whether a price has ever been set.
func (s *Security) HasData() bool { return s.price != 0 }

// UpdateBar refreshes the price cache from a bar.
func (s *Security) UpdateBar(b models.Bar) {
	s.price = b.Close
	s.openPrice = b.Open
	s.volume = b.Volume
	s.lastUpdate = b.EndTime()
	s.Holdings.updateMarketPrice(b.Close)
}

// UpdateQuote refreshes the quote cache from a quote bar.
func (s *Security) UpdateQuote(q models.QuoteBar) {
	s.bid = q.Bid
	s.ask = q.Ask
	if s.price == 0 {
		s.price = q.Mid()
		s.Holdings.updateMarketPrice(s.price)
	}
	s.lastUpdate = q.Time.Add(q.Period)
}

// UpdateTick refreshes the price cache from a tick.
func (s *Security) UpdateTick(t models.Tick) {
	s.price = t.Price
	s.lastUpdate = t.Time
	s.Holdings.updateMarketPrice(t.Price)
}

// ApplySplitToPrice rescales the cached prices by the split factor. Raw
// subscriptions need this so the cache matches the post-split tape.
func (s *Security) ApplySplitToPrice(factor float64) {
	s.price *= factor
	s.openPrice *= factor
	s.bid *= factor
	s.ask *= factor
}
