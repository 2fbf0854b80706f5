// Package positions partitions invested holdings into position groups for
// margin purposes: group values, a copy-on-write group collection, a
// composite resolver, and the lazily re-resolving manager.
package positions

import (
	"fmt"

	"quantloop/internal/models"
)

// Position is one leg of a combination: a symbol, the signed quantity
// held, and the unit quantity one group lot consumes.
type Position struct {
	Symbol       models.Symbol
	Quantity     float64
	UnitQuantity float64
}

// NewPosition creates a position leg.
func NewPosition(symbol models.Symbol, quantity, unitQuantity float64) Position {
	return Position{Symbol: symbol, Quantity: quantity, UnitQuantity: unitQuantity}
}

// GroupQuantity returns how many whole group lots the leg quantity
// represents.
func (p Position) GroupQuantity() float64 {
	if p.UnitQuantity == 0 {
		return 0
	}
	return p.Quantity / p.UnitQuantity
}

// WithLots returns a copy of the leg scaled to the given group quantity.
func (p Position) WithLots(groupQuantity float64) Position {
	return Position{
		Symbol:       p.Symbol,
		Quantity:     groupQuantity * p.UnitQuantity,
		UnitQuantity: p.UnitQuantity,
	}
}

func (p Position) String() string {
	return fmt.Sprintf("%s: %.2f (unit %.2f)", p.Symbol, p.Quantity, p.UnitQuantity)
}
