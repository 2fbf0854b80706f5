package positions

import (
	"math"
	"sort"

	"quantloop/internal/models"
)

// Strategy is one step of group resolution. Resolve claims positions from
// remaining, removing what it groups; what it leaves is offered to the
// next strategy in the chain.
type Strategy interface {
	Name() string
	Resolve(remaining map[models.Symbol]Position) []*Group
}

// Resolver partitions invested positions into maximal non-overlapping
// groups by running its strategies in fixed priority order. The chain
// always ends with the single-security catch-all, which claims everything
// still ungrouped, so resolution never fails.
type Resolver struct {
	strategies []Strategy
}

// NewResolver builds a resolver running the given combination strategies
// first, then the catch-all. The order is fixed at construction and never
// re-ordered from input.
func NewResolver(combinations ...Strategy) *Resolver {
	strategies := make([]Strategy, 0, len(combinations)+1)
	strategies = append(strategies, combinations...)
	strategies = append(strategies, SingleStrategy{})
	return &Resolver{strategies: strategies}
}

// NewSingleResolver builds the degraded fast-path resolver that skips all
// combination strategies, trading margin accuracy for speed. Explicit
// opt-in only.
func NewSingleResolver() *Resolver {
	return &Resolver{strategies: []Strategy{SingleStrategy{}}}
}

// Resolve partitions the positions into groups.
func (r *Resolver) Resolve(positions []Position) Collection {
	remaining := make(map[models.Symbol]Position, len(positions))
	for _, p := range positions {
		if p.Quantity != 0 {
			remaining[p.Symbol] = p
		}
	}
	out := EmptyCollection
	for _, strategy := range r.strategies {
		for _, g := range strategy.Resolve(remaining) {
			out = out.Add(g)
		}
		if len(remaining) == 0 {
			break
		}
	}
	return out
}

// TryGroup attempts to fold the changed positions into a group without
// re-resolving the committed state: the changed legs (overlaid on the
// quantities already grouped) are resolved in isolation and the first
// multi-leg match wins; a lone changed leg grounds to its singleton group.
// Used for what-if order impact checks.
func (r *Resolver) TryGroup(changed []Position, current Collection) (*Group, bool) {
	overlay := make(map[models.Symbol]Position, len(changed))
	for _, p := range changed {
		merged := p
		for _, g := range current.GroupsForSymbol(p.Symbol) {
			if leg, ok := g.Position(p.Symbol); ok {
				merged.Quantity += leg.Quantity
			}
		}
		if merged.Quantity != 0 {
			overlay[p.Symbol] = merged
		}
	}
	if len(overlay) == 0 {
		return nil, false
	}
	for _, strategy := range r.strategies {
		if groups := strategy.Resolve(overlay); len(groups) > 0 {
			return groups[0], true
		}
	}
	return nil, false
}

// GetImpactedGroups returns only the committed groups touching any of the
// changed symbols, enabling incremental recomputation instead of a full
// re-resolution.
func GetImpactedGroups(current Collection, changed []Position) []*Group {
	seen := make(map[GroupKey]struct{})
	out := make([]*Group, 0)
	for _, p := range changed {
		for _, g := range current.GroupsForSymbol(p.Symbol) {
			if _, dup := seen[g.Key()]; dup {
				continue
			}
			seen[g.Key()] = struct{}{}
			out = append(out, g)
		}
	}
	sortGroups(out)
	return out
}

// SingleStrategy is the catch-all: one singleton group per security, unit
// quantity equal to the leg's own unit (lot size). Always succeeds.
type SingleStrategy struct{}

// SingleGroupModel names the buying power model of singleton groups.
const SingleGroupModel = "security"

// Name implements Strategy.
func (SingleStrategy) Name() string { return "single" }

// Resolve claims every remaining position into its own group.
func (SingleStrategy) Resolve(remaining map[models.Symbol]Position) []*Group {
	out := make([]*Group, 0, len(remaining))
	for sym, p := range remaining {
		out = append(out, MustGroup(SingleGroupModel, p))
		delete(remaining, sym)
	}
	sortGroups(out)
	return out
}

// CoveredStrategy recognizes short option legs covered by an opposite
// underlying holding: one short contract pairs with ContractMultiplier
// shares. Matches greedily before the catch-all claims the rest.
type CoveredStrategy struct {
	// ContractMultiplier is the share count one contract controls.
	ContractMultiplier float64
}

// CoveredGroupModel names the buying power model of covered groups.
const CoveredGroupModel = "covered"

// Name implements Strategy.
func (s CoveredStrategy) Name() string { return "covered" }

// Resolve pairs short options with covering underlying shares, claiming
// only the covered quantities and leaving remainders for later strategies.
func (s CoveredStrategy) Resolve(remaining map[models.Symbol]Position) []*Group {
	multiplier := s.ContractMultiplier
	if multiplier == 0 {
		multiplier = 100
	}
	// shares are claimed first-come, so option order must be stable
	optionSyms := make([]models.Symbol, 0, len(remaining))
	for sym := range remaining {
		if sym.Type == models.SecurityTypeOption {
			optionSyms = append(optionSyms, sym)
		}
	}
	sort.Slice(optionSyms, func(i, j int) bool { return optionSyms[i].Ticker < optionSyms[j].Ticker })

	out := make([]*Group, 0)
	for _, sym := range optionSyms {
		option := remaining[sym]
		if option.Quantity >= 0 {
			continue
		}
		underlyingSym := models.NewSymbol(sym.Underlying)
		underlying, ok := remaining[underlyingSym]
		if !ok || underlying.Quantity <= 0 {
			continue
		}
		contracts := -option.Quantity
		coverable := math.Floor(underlying.Quantity / multiplier)
		lots := math.Min(contracts, coverable)
		if lots < 1 {
			continue
		}
		group := MustGroup(CoveredGroupModel,
			NewPosition(sym, -lots, -1),
			NewPosition(underlyingSym, lots*multiplier, multiplier),
		)
		out = append(out, group)

		claimPosition(remaining, sym, option, -lots)
		claimPosition(remaining, underlyingSym, underlying, lots*multiplier)
	}
	sortGroups(out)
	return out
}

// claimPosition removes claimed quantity from a remaining leg, deleting
// the leg when fully consumed.
func claimPosition(remaining map[models.Symbol]Position, sym models.Symbol, p Position, claimed float64) {
	left := p.Quantity - claimed
	if left == 0 {
		delete(remaining, sym)
		return
	}
	p.Quantity = left
	remaining[sym] = p
}
