package feed

import (
	"time"

	"quantloop/internal/models"
)

// Consolidator aggregates incoming bars into a coarser period and hands
// finished bars to its handler.
type Consolidator interface {
	Update(bar models.Bar)
	Period() time.Duration
}

// BarConsolidator rolls fixed-period bars up into Period-sized bars.
type BarConsolidator struct {
	period  time.Duration
	working *models.Bar
	handler func(models.Bar)
}

// NewBarConsolidator creates a consolidator emitting period-sized bars to
// the handler.
func NewBarConsolidator(period time.Duration, handler func(models.Bar)) *BarConsolidator {
	return &BarConsolidator{period: period, handler: handler}
}

// Period implements Consolidator.
func (c *BarConsolidator) Period() time.Duration { return c.period }

// Update folds a bar into the working bar, emitting when the working
// period completes.
func (c *BarConsolidator) Update(bar models.Bar) {
	if c.working == nil {
		start := bar.Time.Truncate(c.period)
		c.working = &models.Bar{
			Symbol: bar.Symbol,
			Time:   start,
			Open:   bar.Open,
			High:   bar.High,
			Low:    bar.Low,
			Close:  bar.Close,
			Volume: bar.Volume,
			Period: c.period,
		}
	} else {
		if bar.High > c.working.High {
			c.working.High = bar.High
		}
		if bar.Low < c.working.Low {
			c.working.Low = bar.Low
		}
		c.working.Close = bar.Close
		c.working.Volume += bar.Volume
	}
	if !bar.EndTime().Before(c.working.EndTime()) {
		finished := *c.working
		c.working = nil
		if c.handler != nil {
			c.handler(finished)
		}
	}
}

// Registry tracks the consolidators registered per subscription.
type Registry struct {
	consolidators map[models.Symbol][]Consolidator
}

// NewRegistry creates an empty consolidator registry.
func NewRegistry() *Registry {
	return &Registry{consolidators: make(map[models.Symbol][]Consolidator)}
}

// Register attaches a consolidator to a symbol's subscription.
func (r *Registry) Register(symbol models.Symbol, c Consolidator) {
	r.consolidators[symbol] = append(r.consolidators[symbol], c)
}

// For returns the consolidators registered for a symbol.
func (r *Registry) For(symbol models.Symbol) []Consolidator {
	return r.consolidators[symbol]
}

// Remove drops every consolidator for a symbol.
func (r *Registry) Remove(symbol models.Symbol) {
	delete(r.consolidators, symbol)
}

// AlignsWithBoundary reports whether a data point ending at endTime sits
// exactly on the subscription's native resolution boundary. Only aligned
// points are forwarded into consolidators, so a late or synthetic point
// off the grid never pollutes a coarser bar. Tick, second and minute data
// take the modulus fast path; everything else rounds in the exchange
// timezone.
func AlignsWithBoundary(endTime time.Time, resolution models.Resolution, loc *time.Location) bool {
	switch resolution {
	case models.ResolutionTick:
		return true
	case models.ResolutionSecond:
		return endTime.UnixNano()%int64(time.Second) == 0
	case models.ResolutionMinute:
		return endTime.UnixNano()%int64(time.Minute) == 0
	default:
		if loc == nil {
			loc = time.UTC
		}
		local := endTime.In(loc)
		period := resolution.Duration()
		if period == 0 {
			return true
		}
		if resolution == models.ResolutionDaily {
			y, m, d := local.Date()
			return local.Equal(time.Date(y, m, d, 0, 0, 0, 0, loc))
		}
		midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
		return local.Sub(midnight)%period == 0
	}
}
