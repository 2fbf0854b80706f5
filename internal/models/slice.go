package models

import "time"

// Slice bundles all market data arriving at a single instant, keyed by
// symbol. A Slice is built once by the feed and never mutated afterwards.
type Slice struct {
	Time          time.Time
	Bars          map[Symbol]Bar
	QuoteBars     map[Symbol]QuoteBar
	Ticks         map[Symbol][]Tick
	Dividends     map[Symbol]Dividend
	Splits        map[Symbol]Split
	Delistings    map[Symbol]Delisting
	SymbolChanges map[Symbol]SymbolChange
	OptionChains  map[Symbol]OptionChain
	Custom        []CustomData
}

// NewSlice creates an empty slice for the given instant.
func NewSlice(t time.Time) *Slice {
	return &Slice{
		Time:          t,
		Bars:          make(map[Symbol]Bar),
		QuoteBars:     make(map[Symbol]QuoteBar),
		Ticks:         make(map[Symbol][]Tick),
		Dividends:     make(map[Symbol]Dividend),
		Splits:        make(map[Symbol]Split),
		Delistings:    make(map[Symbol]Delisting),
		SymbolChanges: make(map[Symbol]SymbolChange),
		OptionChains:  make(map[Symbol]OptionChain),
	}
}

// HasData reports whether the slice carries any data at all.
func (s *Slice) HasData() bool {
	return len(s.Bars) > 0 || len(s.QuoteBars) > 0 || len(s.Ticks) > 0 ||
		len(s.Dividends) > 0 || len(s.Splits) > 0 || len(s.Delistings) > 0 ||
		len(s.SymbolChanges) > 0 || len(s.OptionChains) > 0 || len(s.Custom) > 0
}

// Count returns the number of data points in the slice.
func (s *Slice) Count() int {
	n := len(s.Bars) + len(s.QuoteBars) + len(s.Dividends) + len(s.Splits) +
		len(s.Delistings) + len(s.SymbolChanges) + len(s.OptionChains) + len(s.Custom)
	for _, ticks := range s.Ticks {
		n += len(ticks)
	}
	return n
}

// Price returns the best known trade price for the symbol in this slice,
// preferring bars over ticks over quote midpoints.
func (s *Slice) Price(symbol Symbol) (float64, bool) {
	if bar, ok := s.Bars[symbol]; ok {
		return bar.Close, true
	}
	if ticks := s.Ticks[symbol]; len(ticks) > 0 {
		return ticks[len(ticks)-1].Price, true
	}
	if quote, ok := s.QuoteBars[symbol]; ok {
		return quote.Mid(), true
	}
	return 0, false
}
