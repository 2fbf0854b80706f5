package securities

import (
	"sort"

	"quantloop/internal/models"
)

// Store owns the universe of securities for a run. Only the loop thread
// mutates it.
type Store struct {
	securities map[models.Symbol]*Security
}

// NewStore creates an empty security store.
func NewStore() *Store {
	return &Store{securities: make(map[models.Symbol]*Security)}
}

// Add registers a security, replacing any prior entry for the symbol.
func (s *Store) Add(sec *Security) {
	s.securities[sec.Symbol] = sec
}

// Remove drops a security from the universe.
func (s *Store) Remove(symbol models.Symbol) {
	delete(s.securities, symbol)
}

// Get returns the security for a symbol.
func (s *Store) Get(symbol models.Symbol) (*Security, bool) {
	sec, ok := s.securities[symbol]
	return sec, ok
}

// Contains reports whether the symbol is in the universe.
func (s *Store) Contains(symbol models.Symbol) bool {
	_, ok := s.securities[symbol]
	return ok
}

// Count returns the number of securities.
func (s *Store) Count() int { return len(s.securities) }

// All returns every security in deterministic ticker order.
func (s *Store) All() []*Security {
	out := make([]*Security, 0, len(s.securities))
	for _, sec := range s.securities {
		out = append(out, sec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol.Ticker < out[j].Symbol.Ticker
	})
	return out
}

// Invested returns the securities with nonzero holdings, ticker-ordered.
func (s *Store) Invested() []*Security {
	out := make([]*Security, 0)
	for _, sec := range s.securities {
		if sec.Holdings.Invested() {
			out = append(out, sec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol.Ticker < out[j].Symbol.Ticker
	})
	return out
}

// DerivativesOf returns the derivative securities written on the given
// underlying ticker.
func (s *Store) DerivativesOf(underlying string) []*Security {
	out := make([]*Security, 0)
	for _, sec := range s.securities {
		if sec.Symbol.Underlying == underlying {
			out = append(out, sec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Symbol.Ticker < out[j].Symbol.Ticker
	})
	return out
}

// Changes describes the securities added to and removed from the universe
// in one time slice.
type Changes struct {
	Added   []*Security
	Removed []*Security
}

// NoChanges is the empty change set.
var NoChanges = &Changes{}

// Count returns the total number of changed securities.
func (c *Changes) Count() int {
	return len(c.Added) + len(c.Removed)
}

// StrategyVisible filters out internal securities, returning the change
// set the strategy is allowed to observe.
func (c *Changes) StrategyVisible() *Changes {
	out := &Changes{}
	for _, sec := range c.Added {
		if !sec.IsInternal && sec.Symbol.Type != models.SecurityTypeBase {
			out.Added = append(out.Added, sec)
		}
	}
	for _, sec := range c.Removed {
		if !sec.IsInternal && sec.Symbol.Type != models.SecurityTypeBase {
			out.Removed = append(out.Removed, sec)
		}
	}
	return out
}
