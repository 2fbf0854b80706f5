package positions

import (
	"github.com/rs/zerolog"

	"quantloop/internal/models"
	"quantloop/internal/securities"
)

// Manager owns the committed group state for a run. It listens for
// holdings quantity changes its whole life and re-resolves lazily: a
// change only sets the dirty flag, and the next Groups read pays for the
// resolution. Reading twice without an intervening change returns the
// identical collection with no work done.
type Manager struct {
	store    *securities.Store
	resolver *Resolver
	logger   zerolog.Logger

	groups                  Collection
	requiresGroupResolution bool
}

// Option configures the manager.
type Option func(*Manager)

// WithSingleOnly switches the manager to the degraded fast path that
// skips combination strategies entirely. Margin accuracy is traded for
// speed; the choice is logged at startup.
func WithSingleOnly() Option {
	return func(m *Manager) {
		m.resolver = NewSingleResolver()
		m.logger.Info().Msg("Position grouping running single-security fast path")
	}
}

// NewManager creates the manager and registers it as the holdings-change
// observer for every security currently in the store. Securities added
// later are registered through OnSecurityAdded.
func NewManager(store *securities.Store, resolver *Resolver, logger zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		resolver: resolver,
		logger:   logger.With().Str("component", "positions").Logger(),
		groups:   EmptyCollection,
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, sec := range store.All() {
		sec.Holdings.OnQuantityChanged(m.MarkDirty)
	}
	return m
}

// OnSecurityAdded wires the holdings observer for a security joining the
// universe mid-run; if it arrives already invested the groups are stale.
func (m *Manager) OnSecurityAdded(sec *securities.Security) {
	sec.Holdings.OnQuantityChanged(m.MarkDirty)
	if sec.Holdings.Invested() {
		m.requiresGroupResolution = true
	}
}

// OnSecurityRemoved flags resolution if the removed security was invested.
func (m *Manager) OnSecurityRemoved(sec *securities.Security) {
	if sec.Holdings.Invested() {
		m.requiresGroupResolution = true
	}
}

// MarkDirty flags the committed groups as stale. Called by the holdings
// observer whenever a quantity changes.
func (m *Manager) MarkDirty(models.Symbol) {
	m.requiresGroupResolution = true
}

// IsDirty reports whether the next Groups read will re-resolve.
func (m *Manager) IsDirty() bool { return m.requiresGroupResolution }

// Groups returns the committed group collection, re-resolving only when
// holdings changed since the last read.
func (m *Manager) Groups() Collection {
	if m.requiresGroupResolution {
		m.groups = m.resolver.Resolve(m.investedPositions())
		m.requiresGroupResolution = false
		m.logger.Debug().Int("groups", m.groups.Count()).Msg("Position groups resolved")
	}
	return m.groups
}

// TryGroup attempts to fold the changed positions into a group against
// the committed state without re-resolving it. What-if only: the
// committed collection is not touched.
func (m *Manager) TryGroup(changed []Position) (*Group, bool) {
	return m.resolver.TryGroup(changed, m.Groups())
}

// ImpactedGroups returns the committed groups touching the changed
// symbols.
func (m *Manager) ImpactedGroups(changed []Position) []*Group {
	return GetImpactedGroups(m.Groups(), changed)
}

func (m *Manager) investedPositions() []Position {
	invested := m.store.Invested()
	out := make([]Position, 0, len(invested))
	for _, sec := range invested {
		unit := sec.LotSize
		if unit == 0 {
			unit = 1
		}
		out = append(out, NewPosition(sec.Symbol, sec.Holdings.Quantity(), unit))
	}
	return out
}
