package positions

import (
	"sort"

	"quantloop/internal/models"
)

// Collection is a persistent map from group key to group with a secondary
// index from symbol to the groups containing it. Add and CombineWith
// return new collections; the receiver is never mutated, so a committed
// collection can be read while what-if copies are built from it.
type Collection struct {
	groups   map[GroupKey]*Group
	bySymbol map[models.Symbol]map[GroupKey]struct{}
}

// EmptyCollection is the collection with no groups.
var EmptyCollection = Collection{
	groups:   map[GroupKey]*Group{},
	bySymbol: map[models.Symbol]map[GroupKey]struct{}{},
}

// NewCollection builds a collection from the given groups.
func NewCollection(groups ...*Group) Collection {
	c := EmptyCollection
	for _, g := range groups {
		c = c.Add(g)
	}
	return c
}

func (c Collection) clone() Collection {
	groups := make(map[GroupKey]*Group, len(c.groups)+1)
	for k, g := range c.groups {
		groups[k] = g
	}
	bySymbol := make(map[models.Symbol]map[GroupKey]struct{}, len(c.bySymbol))
	for sym, keys := range c.bySymbol {
		set := make(map[GroupKey]struct{}, len(keys))
		for k := range keys {
			set[k] = struct{}{}
		}
		bySymbol[sym] = set
	}
	return Collection{groups: groups, bySymbol: bySymbol}
}

// Add returns a collection including the group. Adding a group whose key
// already exists overwrites the previous group (last write wins), which is
// how quantity changes commit.
func (c Collection) Add(g *Group) Collection {
	out := c.clone()
	out.groups[g.Key()] = g
	for _, leg := range g.Positions() {
		set, ok := out.bySymbol[leg.Symbol]
		if !ok {
			set = make(map[GroupKey]struct{})
			out.bySymbol[leg.Symbol] = set
		}
		set[g.Key()] = struct{}{}
	}
	return out
}

// CombineWith merges another collection into this one, other winning on
// key collisions.
func (c Collection) CombineWith(other Collection) Collection {
	out := c
	for _, g := range other.Sorted() {
		out = out.Add(g)
	}
	return out
}

// TryGetGroup returns the group stored under the key.
func (c Collection) TryGetGroup(key GroupKey) (*Group, bool) {
	g, ok := c.groups[key]
	return g, ok
}

// GroupsForSymbol returns every group containing the symbol, key-ordered.
func (c Collection) GroupsForSymbol(symbol models.Symbol) []*Group {
	keys, ok := c.bySymbol[symbol]
	if !ok {
		return nil
	}
	out := make([]*Group, 0, len(keys))
	for k := range keys {
		if g, found := c.groups[k]; found {
			out = append(out, g)
		}
	}
	sortGroups(out)
	return out
}

// Contains reports whether any group holds the symbol.
func (c Collection) Contains(symbol models.Symbol) bool {
	keys, ok := c.bySymbol[symbol]
	return ok && len(keys) > 0
}

// Count returns the number of groups.
func (c Collection) Count() int { return len(c.groups) }

// IsEmpty reports whether the collection has no groups.
func (c Collection) IsEmpty() bool { return len(c.groups) == 0 }

// Sorted returns the groups in key order.
func (c Collection) Sorted() []*Group {
	out := make([]*Group, 0, len(c.groups))
	for _, g := range c.groups {
		out = append(out, g)
	}
	sortGroups(out)
	return out
}

func sortGroups(groups []*Group) {
	sort.Slice(groups, func(i, j int) bool {
		ki, kj := groups[i].Key(), groups[j].Key()
		if ki.Model != kj.Model {
			return ki.Model < kj.Model
		}
		return ki.Legs < kj.Legs
	})
}
