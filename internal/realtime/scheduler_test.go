package realtime

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantloop/internal/models"
	"quantloop/internal/securities"
)

func TestSchedulerFiresDueEventsInOrder(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	var fired []string
	s.Add(&Event{Name: "second", FireAt: base.Add(2 * time.Minute), Callback: func(time.Time) { fired = append(fired, "second") }})
	s.Add(&Event{Name: "first", FireAt: base.Add(time.Minute), Callback: func(time.Time) { fired = append(fired, "first") }})
	s.Add(&Event{Name: "later", FireAt: base.Add(time.Hour), Callback: func(time.Time) { fired = append(fired, "later") }})

	s.SetTime(base.Add(5 * time.Minute))

	assert.Equal(t, []string{"first", "second"}, fired)
	assert.Equal(t, 1, s.Pending())
}

func TestSchedulerDoesNotFireFutureEvents(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	fired := false
	s.Add(&Event{Name: "future", FireAt: base.Add(time.Hour), Callback: func(time.Time) { fired = true }})

	s.SetTime(base)
	assert.False(t, fired)
	assert.Equal(t, 1, s.Pending())
}

func TestSchedulerRecurringEventReschedules(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	count := 0
	s.Add(&Event{
		Name:     "hourly",
		FireAt:   base,
		Callback: func(time.Time) { count++ },
		Reschedule: func(fired time.Time) time.Time {
			return fired.Add(time.Hour)
		},
	})

	s.SetTime(base)
	require.Equal(t, 1, count)
	assert.Equal(t, 1, s.Pending())

	// Advancing past several fire times catches every occurrence.
	s.SetTime(base.Add(3 * time.Hour))
	assert.Equal(t, 4, count)
}

func TestSchedulerOneShotEventRemoved(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	s.Add(&Event{Name: "once", FireAt: base, Callback: func(time.Time) {}})
	s.SetTime(base)
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerRemoveByName(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	fired := false
	s.Add(&Event{Name: "doomed", FireAt: base, Callback: func(time.Time) { fired = true }})
	s.Add(&Event{Name: "doomed", FireAt: base.Add(time.Minute), Callback: func(time.Time) { fired = true }})
	s.Remove("doomed")

	s.SetTime(base.Add(time.Hour))
	assert.False(t, fired)
	assert.Equal(t, 0, s.Pending())
}

func TestSchedulerScanPastEventsCatchesBacklog(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	base := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)

	var fired []string
	s.Add(&Event{Name: "missed-1", FireAt: base.Add(-2 * time.Hour), Callback: func(time.Time) { fired = append(fired, "missed-1") }})
	s.Add(&Event{Name: "missed-2", FireAt: base.Add(-time.Hour), Callback: func(time.Time) { fired = append(fired, "missed-2") }})

	s.ScanPastEvents(base)
	assert.Equal(t, []string{"missed-1", "missed-2"}, fired)
}

func TestSchedulerOnSecuritiesChanged(t *testing.T) {
	s := NewScheduler(zerolog.Nop())
	s.SetTime(time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC))

	sec := securities.NewSecurity(models.NewSymbol("SPY"), models.ResolutionDaily)
	changes := &securities.Changes{Added: []*securities.Security{sec}}
	s.OnSecuritiesChanged(changes)
	assert.Equal(t, 1, s.Pending())

	s.OnSecuritiesChanged(&securities.Changes{Removed: []*securities.Security{sec}})
	assert.Equal(t, 0, s.Pending())
}
