package positions

import (
	"fmt"
	"sort"
	"strings"

	"quantloop/internal/models"
)

// GroupKey identifies a group: the buying power model that margins it plus
// the unit ratios of its legs. Two groups with the same model and the same
// leg structure share a key regardless of quantity.
type GroupKey struct {
	Model string
	Legs  string
}

// NewGroupKey derives the key from the model name and the leg structure.
func NewGroupKey(model string, legs []Position) GroupKey {
	parts := make([]string, 0, len(legs))
	for _, leg := range legs {
		parts = append(parts, fmt.Sprintf("%s@%g", leg.Symbol, leg.UnitQuantity))
	}
	sort.Strings(parts)
	return GroupKey{Model: model, Legs: strings.Join(parts, ";")}
}

func (k GroupKey) String() string {
	return k.Model + "[" + k.Legs + "]"
}

// Group is an immutable keyed set of positions margined as one unit. The
// group quantity is the whole-lot count; each leg's quantity is the group
// quantity times its unit quantity.
type Group struct {
	key      GroupKey
	quantity float64
	legs     map[models.Symbol]Position
	symbols  []models.Symbol // deterministic iteration order
}

// NewGroup builds a group from its legs. Legs must not repeat a symbol and
// every leg quantity must be a whole-lot multiple of its unit quantity
// consistent with a single group quantity.
func NewGroup(model string, legs ...Position) (*Group, error) {
	if len(legs) == 0 {
		return nil, fmt.Errorf("group requires at least one leg")
	}
	bycSymbol := make(map[models.Symbol]Position, len(legs))
	symbols := make([]models.Symbol, 0, len(legs))
	quantity := legs[0].GroupQuantity()
	for _, leg := range legs {
		if _, dup := bycSymbol[leg.Symbol]; dup {
			return nil, fmt.Errorf("group repeats symbol %s", leg.Symbol)
		}
		if leg.UnitQuantity == 0 {
			return nil, fmt.Errorf("leg %s has zero unit quantity", leg.Symbol)
		}
		if leg.GroupQuantity() != quantity {
			return nil, fmt.Errorf("leg %s quantity %.2f is not %g lots of %g",
				leg.Symbol, leg.Quantity, quantity, leg.UnitQuantity)
		}
		bycSymbol[leg.Symbol] = leg
		symbols = append(symbols, leg.Symbol)
	}
	sort.Slice(symbols, func(i, j int) bool { return symbols[i].Ticker < symbols[j].Ticker })
	return &Group{
		key:      NewGroupKey(model, legs),
		quantity: quantity,
		legs:     bycSymbol,
		symbols:  symbols,
	}, nil
}

// MustGroup builds a group and panics on structural errors. For tests and
// resolver-internal construction where legs are known consistent.
func MustGroup(model string, legs ...Position) *Group {
	g, err := NewGroup(model, legs...)
	if err != nil {
		panic(err)
	}
	return g
}

// Key returns the group identity.
func (g *Group) Key() GroupKey { return g.key }

// Quantity returns the whole-lot group quantity.
func (g *Group) Quantity() float64 { return g.quantity }

// Count returns the number of legs.
func (g *Group) Count() int { return len(g.legs) }

// IsEmpty reports whether the group holds no lots.
func (g *Group) IsEmpty() bool { return g.quantity == 0 }

// Position returns the leg for a symbol.
func (g *Group) Position(symbol models.Symbol) (Position, bool) {
	p, ok := g.legs[symbol]
	return p, ok
}

// Positions returns the legs in deterministic symbol order.
func (g *Group) Positions() []Position {
	out := make([]Position, 0, len(g.legs))
	for _, sym := range g.symbols {
		out = append(out, g.legs[sym])
	}
	return out
}

// WithQuantity returns a new group scaled to the given lot count.
func (g *Group) WithQuantity(quantity float64) *Group {
	legs := make(map[models.Symbol]Position, len(g.legs))
	for sym, leg := range g.legs {
		legs[sym] = leg.WithLots(quantity)
	}
	return &Group{key: g.key, quantity: quantity, legs: legs, symbols: g.symbols}
}

func (g *Group) String() string {
	return fmt.Sprintf("%s x%g", g.key, g.quantity)
}
