// Package feed produces the ordered sequence of time slices the execution
// loop consumes: synchronized bundles of market data, security changes and
// custom data for one scheduling instant.
package feed

import (
	"context"
	"time"

	"quantloop/internal/models"
	"quantloop/internal/securities"
)

// SecurityUpdate carries the data points that should refresh one
// security's price cache this slice.
type SecurityUpdate struct {
	Security  *securities.Security
	Bars      []models.Bar
	QuoteBars []models.QuoteBar
	Ticks     []models.Tick
}

// ConsolidatorUpdate carries the data points destined for the
// consolidators registered on one subscription.
type ConsolidatorUpdate struct {
	Security *securities.Security
	Bars     []models.Bar
}

// TimeSlice is the immutable bundle for one scheduling tick. IsTimePulse
// marks slices carrying no data at all, emitted purely to advance the
// algorithm clock so scheduled events and warmup progress can fire.
type TimeSlice struct {
	Time                time.Time
	Slice               *models.Slice
	SecurityChanges     *securities.Changes
	Updates             []SecurityUpdate
	ConsolidatorUpdates []ConsolidatorUpdate
	Custom              []models.CustomData
	IsTimePulse         bool
}

// DataPointCount returns the number of data points in the slice.
func (ts *TimeSlice) DataPointCount() int {
	if ts.Slice == nil {
		return 0
	}
	return ts.Slice.Count()
}

// NewTimePulse creates a pulse slice for the instant.
func NewTimePulse(t time.Time) *TimeSlice {
	return &TimeSlice{Time: t, Slice: models.NewSlice(t), SecurityChanges: securities.NoChanges, IsTimePulse: true}
}

// Stream produces time slices in strictly non-decreasing time order. The
// loop blocks on the returned channel; the channel closes when the stream
// is exhausted or the context ends.
type Stream interface {
	Slices(ctx context.Context) <-chan *TimeSlice
}

// ManualStream replays a prebuilt sequence of slices. Used by backtests
// assembled in code and throughout the engine tests.
type ManualStream struct {
	slices []*TimeSlice
}

// NewManualStream creates a stream over the given slices.
func NewManualStream(slices ...*TimeSlice) *ManualStream {
	return &ManualStream{slices: slices}
}

// Append adds further slices to the end of the stream. Only valid before
// Slices is called.
func (m *ManualStream) Append(slices ...*TimeSlice) {
	m.slices = append(m.slices, slices...)
}

// Slices implements Stream.
func (m *ManualStream) Slices(ctx context.Context) <-chan *TimeSlice {
	out := make(chan *TimeSlice)
	go func() {
		defer close(out)
		for _, ts := range m.slices {
			select {
			case out <- ts:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
