package securities

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantloop/internal/models"
)

func newTestSecurity(ticker string) *Security {
	return NewSecurity(models.NewSymbol(ticker), models.ResolutionDaily)
}

func barAt(sym models.Symbol, t time.Time, close float64) models.Bar {
	return models.Bar{Symbol: sym, Time: t, Open: close, High: close, Low: close, Close: close, Period: 24 * time.Hour}
}

func TestHoldingsAddFillAveragesUp(t *testing.T) {
	sec := newTestSecurity("SPY")
	sec.Holdings.AddFill(100, 10, 0)
	sec.Holdings.AddFill(100, 20, 0)

	assert.Equal(t, 200.0, sec.Holdings.Quantity())
	assert.InDelta(t, 15.0, sec.Holdings.AveragePrice(), 1e-9)
	assert.Equal(t, 0.0, sec.Holdings.RealizedPnL())
}

func TestHoldingsReducingFillRealizesPnL(t *testing.T) {
	sec := newTestSecurity("SPY")
	sec.Holdings.AddFill(100, 10, 0)
	sec.Holdings.AddFill(-40, 15, 0)

	assert.Equal(t, 60.0, sec.Holdings.Quantity())
	assert.InDelta(t, 200.0, sec.Holdings.RealizedPnL(), 1e-9) // 40 * (15-10)
	assert.InDelta(t, 10.0, sec.Holdings.AveragePrice(), 1e-9)
}

func TestHoldingsCrossingZeroResetsBasis(t *testing.T) {
	sec := newTestSecurity("SPY")
	sec.Holdings.AddFill(100, 10, 0)
	sec.Holdings.AddFill(-150, 12, 0)

	assert.Equal(t, -50.0, sec.Holdings.Quantity())
	assert.InDelta(t, 200.0, sec.Holdings.RealizedPnL(), 1e-9) // close 100 at +2
	assert.InDelta(t, 12.0, sec.Holdings.AveragePrice(), 1e-9)
}

func TestHoldingsObserverFiresOnQuantityChange(t *testing.T) {
	sec := newTestSecurity("SPY")
	var fired []models.Symbol
	sec.Holdings.OnQuantityChanged(func(s models.Symbol) { fired = append(fired, s) })

	sec.Holdings.AddFill(10, 100, 0)
	sec.Holdings.ApplySplit(0.5)
	require.Len(t, fired, 2)
	assert.Equal(t, sec.Symbol, fired[0])
}

// Splitting holdings preserves market value: quantity divides by the
// factor exactly as price multiplies by it.
func TestHoldingsSplitPreservesValue(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("quantity/factor and price*factor cancel", prop.ForAll(
		func(qty int, price, factor float64) bool {
			sec := newTestSecurity("SPY")
			sec.Holdings.AddFill(float64(qty), price, 0)
			before := float64(qty) * price

			sec.Holdings.ApplySplit(factor)
			after := sec.Holdings.Quantity() * sec.Holdings.AveragePrice()

			relErr := (after - before) / before
			return relErr < 1e-9 && relErr > -1e-9
		},
		gen.IntRange(1, 100_000),
		gen.Float64Range(0.01, 5_000),
		gen.Float64Range(0.1, 10),
	))

	properties.TestingRun(t)
}

func TestPortfolioBuyDebitsCash(t *testing.T) {
	store := NewStore()
	sec := newTestSecurity("SPY")
	store.Add(sec)
	p := NewPortfolio(store, 10_000, zerolog.Nop())

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	p.ProcessFill(sec.Symbol, 50, 100, 0, now, now)

	assert.Equal(t, 5_000.0, p.Cash())
	assert.Equal(t, 50.0, sec.Holdings.Quantity())
}

func TestPortfolioSellProceedsCanBeUnsettled(t *testing.T) {
	store := NewStore()
	sec := newTestSecurity("SPY")
	store.Add(sec)
	p := NewPortfolio(store, 0, zerolog.Nop())

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sec.Holdings.SetHoldings(100, 50)
	p.ProcessFill(sec.Symbol, -50, 120, 0, now.AddDate(0, 0, 1), now)

	assert.Equal(t, 0.0, p.Cash())
	assert.Equal(t, 6_000.0, p.UnsettledCashBalance())

	// before the settlement date nothing moves
	assert.Equal(t, 0.0, p.ScanForCashSettlement(now.Add(12*time.Hour)))
	assert.Equal(t, 0.0, p.Cash())

	// at the settlement date the proceeds become usable
	assert.Equal(t, 6_000.0, p.ScanForCashSettlement(now.AddDate(0, 0, 1)))
	assert.Equal(t, 6_000.0, p.Cash())
	assert.Equal(t, 0.0, p.UnsettledCashBalance())
}

func TestPortfolioTotalValueIncludesUnsettled(t *testing.T) {
	store := NewStore()
	sec := newTestSecurity("SPY")
	store.Add(sec)
	p := NewPortfolio(store, 1_000, zerolog.Nop())

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sec.UpdateBar(barAt(sec.Symbol, now, 100))
	sec.Holdings.SetHoldings(90, 10)
	p.AddUnsettledCash(500, now.AddDate(0, 0, 1))
	p.InvalidateTotalValue()

	assert.InDelta(t, 1_000+500+10*100, p.TotalValue(), 1e-9)
}

func TestPortfolioTotalValueCachedUntilInvalidated(t *testing.T) {
	store := NewStore()
	sec := newTestSecurity("SPY")
	store.Add(sec)
	p := NewPortfolio(store, 0, zerolog.Nop())

	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	sec.UpdateBar(barAt(sec.Symbol, now, 100))
	sec.Holdings.SetHoldings(100, 10)
	p.InvalidateTotalValue()
	first := p.TotalValue()

	// price moves but the cache has not been invalidated
	sec.UpdateBar(barAt(sec.Symbol, now.Add(time.Hour), 200))
	assert.Equal(t, first, p.TotalValue())

	p.InvalidateTotalValue()
	assert.InDelta(t, 2_000.0, p.TotalValue(), 1e-9)
}

func TestDividendCreditsRawSubscriptionsOnly(t *testing.T) {
	store := NewStore()
	raw := newTestSecurity("RAW")
	raw.Normalization = models.NormalizationRaw
	adjusted := newTestSecurity("ADJ")
	store.Add(raw)
	store.Add(adjusted)
	p := NewPortfolio(store, 0, zerolog.Nop())

	raw.Holdings.SetHoldings(50, 100)
	adjusted.Holdings.SetHoldings(50, 100)

	credited := p.ApplyDividend(models.Dividend{Symbol: raw.Symbol, Distribution: 1.5})
	assert.Equal(t, 150.0, credited)
	assert.Equal(t, 150.0, p.Cash())

	credited = p.ApplyDividend(models.Dividend{Symbol: adjusted.Symbol, Distribution: 1.5})
	assert.Equal(t, 0.0, credited)
	assert.Equal(t, 150.0, p.Cash())
}

func TestSplitAdjustsRawSubscriptionsOnly(t *testing.T) {
	store := NewStore()
	raw := newTestSecurity("RAW")
	raw.Normalization = models.NormalizationRaw
	adjusted := newTestSecurity("ADJ")
	store.Add(raw)
	store.Add(adjusted)
	p := NewPortfolio(store, 0, zerolog.Nop())

	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	raw.UpdateBar(barAt(raw.Symbol, now, 100))
	raw.Holdings.SetHoldings(100, 10)
	adjusted.UpdateBar(barAt(adjusted.Symbol, now, 100))
	adjusted.Holdings.SetHoldings(100, 10)

	applied := p.ApplySplit(models.Split{Symbol: raw.Symbol, SplitFactor: 0.5, Type: models.SplitOccurred})
	require.True(t, applied)
	assert.Equal(t, 20.0, raw.Holdings.Quantity())
	assert.InDelta(t, 50.0, raw.Holdings.AveragePrice(), 1e-9)
	assert.InDelta(t, 50.0, raw.Price(), 1e-9)

	applied = p.ApplySplit(models.Split{Symbol: adjusted.Symbol, SplitFactor: 0.5, Type: models.SplitOccurred})
	assert.False(t, applied)
	assert.Equal(t, 10.0, adjusted.Holdings.Quantity())
	assert.InDelta(t, 100.0, adjusted.Price(), 1e-9)
}

func TestExchangeHoursNextMarketCloseSkipsWeekend(t *testing.T) {
	hours := DefaultExchangeHours()

	// Friday before the close
	friday := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC), hours.NextMarketClose(friday))

	// Friday after the close rolls to Monday
	lateFriday := time.Date(2024, 3, 1, 17, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 4, 16, 0, 0, 0, time.UTC), hours.NextMarketClose(lateFriday))
}

func TestStoreDerivativesSorted(t *testing.T) {
	store := NewStore()
	store.Add(NewSecurity(models.NewOptionSymbol("SPY_C410", "SPY"), models.ResolutionDaily))
	store.Add(NewSecurity(models.NewOptionSymbol("SPY_C400", "SPY"), models.ResolutionDaily))
	store.Add(newTestSecurity("SPY"))

	derivatives := store.DerivativesOf("SPY")
	require.Len(t, derivatives, 2)
	assert.Equal(t, "SPY_C400", derivatives[0].Symbol.Ticker)
	assert.Equal(t, "SPY_C410", derivatives[1].Symbol.Ticker)
}

func TestChangesStrategyVisible(t *testing.T) {
	internal := newTestSecurity("HIDDEN")
	internal.IsInternal = true
	base := NewSecurity(models.Symbol{Ticker: "CUSTOM", Type: models.SecurityTypeBase}, models.ResolutionDaily)
	visible := newTestSecurity("SPY")

	changes := &Changes{Added: []*Security{internal, base, visible}}
	filtered := changes.StrategyVisible()
	require.Len(t, filtered.Added, 1)
	assert.Equal(t, "SPY", filtered.Added[0].Symbol.Ticker)
}
