// Package realtime fires scheduled events against the algorithm clock:
// events registered with a fire time run when the loop advances time past
// them, and a catch-up scan handles fire times passed while no data
// arrived.
package realtime

import (
	"sort"
	"time"

	"github.com/rs/zerolog"

	"quantloop/internal/securities"
)

// Event is one scheduled callback. Recurring events reschedule themselves
// by returning the next fire time from Reschedule; one-shot events return
// the zero time.
type Event struct {
	Name       string
	FireAt     time.Time
	Callback   func(now time.Time)
	Reschedule func(fired time.Time) time.Time
}

// Scheduler keeps pending events ordered by fire time. Single-threaded:
// only the loop thread calls into it.
type Scheduler struct {
	events      []*Event
	currentTime time.Time
	logger      zerolog.Logger
}

// NewScheduler creates an empty scheduler.
func NewScheduler(logger zerolog.Logger) *Scheduler {
	return &Scheduler{logger: logger.With().Str("component", "realtime").Logger()}
}

// Add registers an event.
func (s *Scheduler) Add(ev *Event) {
	s.events = append(s.events, ev)
	s.sortEvents()
}

// Remove drops every event with the given name.
func (s *Scheduler) Remove(name string) {
	kept := s.events[:0]
	for _, ev := range s.events {
		if ev.Name != name {
			kept = append(kept, ev)
		}
	}
	s.events = kept
}

// Pending returns the number of scheduled events.
func (s *Scheduler) Pending() int { return len(s.events) }

// SetTime advances the scheduler clock and fires every event due at or
// before now, in fire order.
func (s *Scheduler) SetTime(now time.Time) {
	s.currentTime = now
	s.fireDue(now)
}

// ScanPastEvents fires the backlog of events whose fire time passed while
// no data existed (warmup, closed market). Identical firing semantics to
// SetTime but does not move the clock forward of now.
func (s *Scheduler) ScanPastEvents(now time.Time) {
	s.fireDue(now)
}

func (s *Scheduler) fireDue(now time.Time) {
	for len(s.events) > 0 && !s.events[0].FireAt.After(now) {
		ev := s.events[0]
		s.events = s.events[1:]
		ev.Callback(now)
		if ev.Reschedule != nil {
			if next := ev.Reschedule(ev.FireAt); !next.IsZero() {
				ev.FireAt = next
				s.events = append(s.events, ev)
				s.sortEvents()
			}
		}
	}
}

// OnSecuritiesChanged registers an end-of-day event per added security and
// drops events for removed ones.
func (s *Scheduler) OnSecuritiesChanged(changes *securities.Changes) {
	for _, sec := range changes.Added {
		sec := sec
		name := "eod:" + sec.Symbol.String()
		base := s.currentTime
		if base.IsZero() {
			base = time.Unix(0, 0).UTC()
		}
		s.Add(&Event{
			Name:     name,
			FireAt:   sec.Exchange.NextMarketClose(base),
			Callback: func(time.Time) {},
			Reschedule: func(fired time.Time) time.Time {
				return sec.Exchange.NextMarketClose(fired.Add(time.Minute))
			},
		})
	}
	for _, sec := range changes.Removed {
		s.Remove("eod:" + sec.Symbol.String())
	}
}

func (s *Scheduler) sortEvents() {
	sort.SliceStable(s.events, func(i, j int) bool {
		return s.events[i].FireAt.Before(s.events[j].FireAt)
	})
}
