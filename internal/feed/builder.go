package feed

import (
	"sort"
	"time"

	"quantloop/internal/models"
	"quantloop/internal/securities"
)

// SliceBuilder assembles one TimeSlice, wiring each data point into the
// market-data slice and the per-security update batches at once.
type SliceBuilder struct {
	store *securities.Store
	ts    *TimeSlice

	updates map[models.Symbol]*SecurityUpdate
	consol  map[models.Symbol]*ConsolidatorUpdate
}

// NewSliceBuilder starts a slice for the instant.
func NewSliceBuilder(store *securities.Store, t time.Time) *SliceBuilder {
	return &SliceBuilder{
		store: store,
		ts: &TimeSlice{
			Time:            t,
			Slice:           models.NewSlice(t),
			SecurityChanges: securities.NoChanges,
		},
		updates: make(map[models.Symbol]*SecurityUpdate),
		consol:  make(map[models.Symbol]*ConsolidatorUpdate),
	}
}

func (b *SliceBuilder) update(symbol models.Symbol) (*SecurityUpdate, bool) {
	if u, ok := b.updates[symbol]; ok {
		return u, true
	}
	sec, ok := b.store.Get(symbol)
	if !ok {
		return nil, false
	}
	u := &SecurityUpdate{Security: sec}
	b.updates[symbol] = u
	return u, true
}

func (b *SliceBuilder) consolidatorUpdate(symbol models.Symbol) (*ConsolidatorUpdate, bool) {
	if c, ok := b.consol[symbol]; ok {
		return c, true
	}
	sec, ok := b.store.Get(symbol)
	if !ok {
		return nil, false
	}
	c := &ConsolidatorUpdate{Security: sec}
	b.consol[symbol] = c
	return c, true
}

// AddBar wires a trade bar into the slice, the security update batch and
// the consolidator batch.
func (b *SliceBuilder) AddBar(bar models.Bar) *SliceBuilder {
	b.ts.Slice.Bars[bar.Symbol] = bar
	if u, ok := b.update(bar.Symbol); ok {
		u.Bars = append(u.Bars, bar)
	}
	if c, ok := b.consolidatorUpdate(bar.Symbol); ok {
		c.Bars = append(c.Bars, bar)
	}
	return b
}

// AddQuoteBar wires a quote bar into the slice and update batch.
func (b *SliceBuilder) AddQuoteBar(quote models.QuoteBar) *SliceBuilder {
	b.ts.Slice.QuoteBars[quote.Symbol] = quote
	if u, ok := b.update(quote.Symbol); ok {
		u.QuoteBars = append(u.QuoteBars, quote)
	}
	return b
}

// AddTick wires a tick into the slice and update batch.
func (b *SliceBuilder) AddTick(tick models.Tick) *SliceBuilder {
	b.ts.Slice.Ticks[tick.Symbol] = append(b.ts.Slice.Ticks[tick.Symbol], tick)
	if u, ok := b.update(tick.Symbol); ok {
		u.Ticks = append(u.Ticks, tick)
	}
	return b
}

// AddDividend records a dividend event.
func (b *SliceBuilder) AddDividend(d models.Dividend) *SliceBuilder {
	b.ts.Slice.Dividends[d.Symbol] = d
	return b
}

// AddSplit records a split event or warning.
func (b *SliceBuilder) AddSplit(s models.Split) *SliceBuilder {
	b.ts.Slice.Splits[s.Symbol] = s
	return b
}

// AddDelisting records a delisting event or warning.
func (b *SliceBuilder) AddDelisting(d models.Delisting) *SliceBuilder {
	b.ts.Slice.Delistings[d.Symbol] = d
	return b
}

// AddSymbolChange records a ticker rename.
func (b *SliceBuilder) AddSymbolChange(c models.SymbolChange) *SliceBuilder {
	b.ts.Slice.SymbolChanges[c.Old] = c
	return b
}

// AddCustom records a custom data point.
func (b *SliceBuilder) AddCustom(c models.CustomData) *SliceBuilder {
	b.ts.Slice.Custom = append(b.ts.Slice.Custom, c)
	b.ts.Custom = append(b.ts.Custom, c)
	return b
}

// WithChanges attaches the security-change set for this slice.
func (b *SliceBuilder) WithChanges(changes *securities.Changes) *SliceBuilder {
	b.ts.SecurityChanges = changes
	return b
}

// Build finalizes the TimeSlice.
func (b *SliceBuilder) Build() *TimeSlice {
	for _, u := range b.updates {
		b.ts.Updates = append(b.ts.Updates, *u)
	}
	sort.Slice(b.ts.Updates, func(i, j int) bool {
		return b.ts.Updates[i].Security.Symbol.Ticker < b.ts.Updates[j].Security.Symbol.Ticker
	})
	for _, c := range b.consol {
		if len(c.Bars) > 0 {
			b.ts.ConsolidatorUpdates = append(b.ts.ConsolidatorUpdates, *c)
		}
	}
	sort.Slice(b.ts.ConsolidatorUpdates, func(i, j int) bool {
		return b.ts.ConsolidatorUpdates[i].Security.Symbol.Ticker < b.ts.ConsolidatorUpdates[j].Security.Symbol.Ticker
	})
	b.ts.IsTimePulse = !b.ts.Slice.HasData()
	return b.ts
}
