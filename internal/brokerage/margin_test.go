package brokerage

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantloop/internal/models"
	"quantloop/internal/orders"
	"quantloop/internal/positions"
	"quantloop/internal/securities"
)

type marginFixture struct {
	store     *securities.Store
	portfolio *securities.Portfolio
	handler   *TransactionHandler
	model     *MarginModel
	spy       *securities.Security
	now       time.Time
}

// newMarginFixture builds a portfolio holding 100 SPY at 100 with the
// given cash balance; equity is cash + 10000.
func newMarginFixture(t *testing.T, cash float64) *marginFixture {
	t.Helper()
	store := securities.NewStore()
	spy := securities.NewSecurity(models.NewSymbol("SPY"), models.ResolutionMinute)
	store.Add(spy)
	portfolio := securities.NewPortfolio(store, cash, zerolog.Nop())
	handler := NewTransactionHandler(portfolio, store, zerolog.Nop())
	manager := positions.NewManager(store, positions.NewResolver(positions.CoveredStrategy{}), zerolog.Nop())
	model := NewMarginModel(portfolio, store, manager, handler, zerolog.Nop())

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	spy.UpdateBar(models.Bar{Symbol: spy.Symbol, Time: now.Add(-time.Minute), Open: 100, High: 100, Low: 100, Close: 100, Period: time.Minute})
	spy.Holdings.SetHoldings(100, 100)
	handler.SetTime(now)
	return &marginFixture{store: store, portfolio: portfolio, handler: handler, model: model, spy: spy, now: now}
}

func TestMaintenanceMarginOverSingleGroup(t *testing.T) {
	f := newMarginFixture(t, 0)

	// 100 shares at 100 gross, single group at the full ratio.
	assert.InDelta(t, 10_000*0.25, f.model.MaintenanceMargin(), 1e-9)
	assert.InDelta(t, 0.25, f.model.MarginUsage(), 1e-9)
}

func TestCoveredGroupHalvesMaintenanceRatio(t *testing.T) {
	f := newMarginFixture(t, 0)
	opt := securities.NewSecurity(models.NewOptionSymbol("SPY240621C00100000", "SPY"), models.ResolutionMinute)
	opt.LotSize = 100
	f.store.Add(opt)
	opt.UpdateBar(models.Bar{Symbol: opt.Symbol, Time: f.now.Add(-time.Minute), Open: 5, High: 5, Low: 5, Close: 5, Period: time.Minute})
	opt.Holdings.SetHoldings(5, -1)

	// Shares and the short call resolve into one covered group: gross
	// 100*100 + 1*5 at half the single ratio.
	require.Equal(t, 1, f.model.groups.Groups().Count())
	assert.InDelta(t, 10_005*0.125, f.model.MaintenanceMargin(), 1e-9)
}

func TestNoMarginConcernBelowWarningThreshold(t *testing.T) {
	f := newMarginFixture(t, 0)

	requests, warn := f.model.GetMarginCallOrders(f.now)
	assert.Nil(t, requests)
	assert.False(t, warn)
}

func TestMarginWarningBeforeLiquidation(t *testing.T) {
	// Equity 2600 against maintenance 2500: over the 0.9 warning line
	// but still covered.
	f := newMarginFixture(t, -7400)

	requests, warn := f.model.GetMarginCallOrders(f.now)
	assert.Nil(t, requests)
	assert.True(t, warn)
}

func TestMarginCallLiquidatesUntilCovered(t *testing.T) {
	// Equity 500 against maintenance 2500: deficiency 2000. Each share
	// sold releases 25 of margin, so 80 shares go.
	f := newMarginFixture(t, -9500)

	requests, warn := f.model.GetMarginCallOrders(f.now)
	assert.True(t, warn)
	require.Len(t, requests, 1)
	assert.Equal(t, -80.0, requests[0].Quantity)
	assert.Equal(t, orders.TypeMarket, requests[0].OrderType)
}

func TestExecuteMarginCallSubmitsAndFills(t *testing.T) {
	f := newMarginFixture(t, -9500)

	requests, _ := f.model.GetMarginCallOrders(f.now)
	tickets := f.model.ExecuteMarginCall(requests)
	require.Len(t, tickets, 1)

	f.handler.Scan(f.now)
	assert.Equal(t, orders.StatusFilled, tickets[0].Status())
	assert.Equal(t, 20.0, f.spy.Holdings.Quantity())
}
