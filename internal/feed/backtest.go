package feed

import (
	"context"
	"sort"
	"time"

	"quantloop/internal/models"
	"quantloop/internal/securities"
)

// BacktestStream synchronizes per-symbol historical bars and scheduled
// corporate-action events into one time-ordered slice sequence. The first
// slice carries the initial universe as security additions.
type BacktestStream struct {
	store *securities.Store

	bars       []models.Bar
	dividends  []models.Dividend
	splits     []models.Split
	delistings []models.Delisting
	pulses     []time.Time

	initial *securities.Changes
}

// NewBacktestStream creates a stream over the store's universe.
func NewBacktestStream(store *securities.Store) *BacktestStream {
	initial := &securities.Changes{}
	initial.Added = append(initial.Added, store.All()...)
	return &BacktestStream{store: store, initial: initial}
}

// AddBars schedules historical bars for replay.
func (s *BacktestStream) AddBars(bars ...models.Bar) *BacktestStream {
	s.bars = append(s.bars, bars...)
	return s
}

// AddDividends schedules dividend events.
func (s *BacktestStream) AddDividends(dividends ...models.Dividend) *BacktestStream {
	s.dividends = append(s.dividends, dividends...)
	return s
}

// AddSplits schedules split events or warnings.
func (s *BacktestStream) AddSplits(splits ...models.Split) *BacktestStream {
	s.splits = append(s.splits, splits...)
	return s
}

// AddDelistings schedules delisting events or warnings.
func (s *BacktestStream) AddDelistings(delistings ...models.Delisting) *BacktestStream {
	s.delistings = append(s.delistings, delistings...)
	return s
}

// AddPulses schedules data-free clock advances, letting schedule-driven
// events fire on instants with no market data.
func (s *BacktestStream) AddPulses(times ...time.Time) *BacktestStream {
	s.pulses = append(s.pulses, times...)
	return s
}

// Slices implements Stream by merging every scheduled item into
// time-ordered slices.
func (s *BacktestStream) Slices(ctx context.Context) <-chan *TimeSlice {
	instants := make(map[int64]struct{})
	add := func(t time.Time) { instants[t.UnixNano()] = struct{}{} }
	for _, b := range s.bars {
		add(b.EndTime())
	}
	for _, d := range s.dividends {
		add(d.Time)
	}
	for _, sp := range s.splits {
		add(sp.Time)
	}
	for _, d := range s.delistings {
		add(d.Time)
	}
	for _, p := range s.pulses {
		add(p)
	}
	ordered := make([]int64, 0, len(instants))
	for n := range instants {
		ordered = append(ordered, n)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })

	out := make(chan *TimeSlice)
	go func() {
		defer close(out)
		first := true
		for _, nano := range ordered {
			t := time.Unix(0, nano).UTC()
			b := NewSliceBuilder(s.store, t)
			for _, bar := range s.bars {
				if bar.EndTime().UnixNano() == nano {
					b.AddBar(bar)
				}
			}
			for _, d := range s.dividends {
				if d.Time.UnixNano() == nano {
					b.AddDividend(d)
				}
			}
			for _, sp := range s.splits {
				if sp.Time.UnixNano() == nano {
					b.AddSplit(sp)
				}
			}
			for _, d := range s.delistings {
				if d.Time.UnixNano() == nano {
					b.AddDelisting(d)
				}
			}
			if first {
				b.WithChanges(s.initial)
				first = false
			}
			ts := b.Build()
			if ts.SecurityChanges.Count() > 0 {
				ts.IsTimePulse = false
			}
			select {
			case out <- ts:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
