package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"quantloop/internal/algorithm"
	"quantloop/internal/brokerage"
	qerrors "quantloop/internal/errors"
	"quantloop/internal/feed"
	"quantloop/internal/limits"
	"quantloop/internal/models"
	"quantloop/internal/orders"
	"quantloop/internal/positions"
	"quantloop/internal/realtime"
	"quantloop/internal/securities"
)

// fakeResults records every sink interaction for assertions.
type fakeResults struct {
	initialized bool
	statuses    []models.AlgorithmStatus
	samples     []time.Time
	events      []orders.Event
	dataPoints  int
	finished    bool
	finalStatus models.AlgorithmStatus
	runErr      string
}

func (r *fakeResults) Initialize(time.Time)  { r.initialized = true }
func (r *fakeResults) Sample(now time.Time)  { r.samples = append(r.samples, now) }
func (r *fakeResults) SampleFinal(time.Time) {}
func (r *fakeResults) AddDataPoints(n int)   { r.dataPoints += n }
func (r *fakeResults) OnOrderEvent(e orders.Event) {
	r.events = append(r.events, e)
}
func (r *fakeResults) OnSecuritiesChanged(*securities.Changes) {}
func (r *fakeResults) SendStatusUpdate(s models.AlgorithmStatus) {
	r.statuses = append(r.statuses, s)
}
func (r *fakeResults) ProcessSynchronousEvents(bool) {}
func (r *fakeResults) Finish(_ time.Time, status models.AlgorithmStatus, runErr string) {
	r.finished = true
	r.finalStatus = status
	r.runErr = runErr
}

// fakeMargin returns canned margin call decisions and records when the
// loop consulted it.
type fakeMargin struct {
	evalTimes []time.Time
	requests  []*orders.SubmitRequest
	warn      bool
	observe   func(now time.Time)
	executed  [][]*orders.SubmitRequest
}

func (m *fakeMargin) GetMarginCallOrders(now time.Time) ([]*orders.SubmitRequest, bool) {
	m.evalTimes = append(m.evalTimes, now)
	if m.observe != nil {
		m.observe(now)
	}
	return m.requests, m.warn
}

func (m *fakeMargin) ExecuteMarginCall(requests []*orders.SubmitRequest) []*orders.Ticket {
	m.executed = append(m.executed, requests)
	return nil
}

// testStrategy records callback invocations; the hook funcs customize
// behavior per test.
type testStrategy struct {
	calls    []string
	events   []orders.Event
	warnings int
	steps    int
	ended    bool

	initFn       func(*algorithm.Algorithm) error
	dataFn       func(*models.Slice) error
	marginCallFn func([]*orders.SubmitRequest) ([]*orders.SubmitRequest, error)
}

func (s *testStrategy) Initialize(a *algorithm.Algorithm) error {
	if s.initFn != nil {
		return s.initFn(a)
	}
	return nil
}

func (s *testStrategy) OnData(slice *models.Slice) error {
	s.calls = append(s.calls, "OnData")
	if s.dataFn != nil {
		return s.dataFn(slice)
	}
	return nil
}

func (s *testStrategy) OnSecuritiesChanged(*securities.Changes) error {
	s.calls = append(s.calls, "OnSecuritiesChanged")
	return nil
}

func (s *testStrategy) OnDividends(map[models.Symbol]models.Dividend) error {
	s.calls = append(s.calls, "OnDividends")
	return nil
}

func (s *testStrategy) OnSplits(map[models.Symbol]models.Split) error {
	s.calls = append(s.calls, "OnSplits")
	return nil
}

func (s *testStrategy) OnBars(map[models.Symbol]models.Bar) error {
	s.calls = append(s.calls, "OnBars")
	return nil
}

func (s *testStrategy) OnCustomData(models.CustomData) error {
	s.calls = append(s.calls, "OnCustomData")
	return nil
}

func (s *testStrategy) OnOrderEvent(e orders.Event) error {
	s.events = append(s.events, e)
	return nil
}

func (s *testStrategy) OnMarginCall(requests []*orders.SubmitRequest) ([]*orders.SubmitRequest, error) {
	if s.marginCallFn != nil {
		return s.marginCallFn(requests)
	}
	return requests, nil
}

func (s *testStrategy) OnMarginCallWarning() error {
	s.warnings++
	return nil
}

func (s *testStrategy) OnEndOfTimeStep() error {
	s.steps++
	return nil
}

func (s *testStrategy) OnEndOfAlgorithm() error {
	s.ended = true
	return nil
}

type harness struct {
	store         *securities.Store
	portfolio     *securities.Portfolio
	transactions  *brokerage.TransactionHandler
	algo          *algorithm.Algorithm
	strategy      *testStrategy
	results       *fakeResults
	margin        *fakeMargin
	scheduler     *realtime.Scheduler
	consolidators *feed.Registry
	settings      Settings
}

func newHarness(strategy *testStrategy, cash float64) *harness {
	store := securities.NewStore()
	portfolio := securities.NewPortfolio(store, cash, zerolog.Nop())
	transactions := brokerage.NewTransactionHandler(portfolio, store, zerolog.Nop())
	manager := positions.NewManager(store, positions.NewResolver(positions.CoveredStrategy{}), zerolog.Nop())
	algo := algorithm.New("test", strategy, store, portfolio, manager, zerolog.Nop())
	return &harness{
		store:         store,
		portfolio:     portfolio,
		transactions:  transactions,
		algo:          algo,
		strategy:      strategy,
		results:       &fakeResults{},
		margin:        &fakeMargin{},
		scheduler:     realtime.NewScheduler(zerolog.Nop()),
		consolidators: feed.NewRegistry(),
		settings:      DefaultSettings(),
	}
}

func (h *harness) addSecurity(ticker string) *securities.Security {
	sec := securities.NewSecurity(models.NewSymbol(ticker), models.ResolutionMinute)
	h.store.Add(sec)
	h.algo.Positions.OnSecurityAdded(sec)
	return sec
}

func (h *harness) run(ctx context.Context, slices ...*feed.TimeSlice) error {
	stream := feed.NewManualStream(slices...)
	monitor := limits.NewMonitor(limits.DefaultMonitorConfig(), zerolog.Nop())
	eng := New(h.algo, stream, h.transactions, h.results, h.scheduler, h.margin,
		brokerage.NewDefaultModel(zerolog.Nop()), monitor, h.consolidators, h.settings, zerolog.Nop())
	return eng.Run(ctx)
}

func (h *harness) barSlice(at time.Time, bars ...models.Bar) *feed.TimeSlice {
	b := feed.NewSliceBuilder(h.store, at)
	for _, bar := range bars {
		b.AddBar(bar)
	}
	return b.Build()
}

func bar(ticker string, end time.Time, price float64) models.Bar {
	return models.Bar{
		Symbol: models.NewSymbol(ticker),
		Time:   end.Add(-time.Minute),
		Open:   price, High: price, Low: price, Close: price,
		Volume: 100,
		Period: time.Minute,
	}
}

func TestRunFillsMarketOrderEndToEnd(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")

	submitted := false
	strategy.dataFn = func(*models.Slice) error {
		if !submitted {
			submitted = true
			response := h.algo.MarketOrder(spy.Symbol, 10, "entry")
			require.True(t, response.IsSuccess())
		}
		return nil
	}

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	err := h.run(context.Background(),
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(time.Minute), bar("SPY", t0.Add(time.Minute), 101)),
	)
	require.NoError(t, err)

	assert.Equal(t, 10.0, spy.Holdings.Quantity())
	assert.Equal(t, 100_000.0-10*101, h.portfolio.Cash())

	var statuses []orders.Status
	for _, e := range strategy.events {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []orders.Status{orders.StatusSubmitted, orders.StatusFilled}, statuses)
	assert.Equal(t, models.StatusCompleted, h.results.finalStatus)
	assert.True(t, h.strategy.ended)
	assert.True(t, h.results.finished)

	groups := h.algo.Positions.Groups()
	require.Equal(t, 1, groups.Count())
	spyGroups := groups.GroupsForSymbol(spy.Symbol)
	require.Len(t, spyGroups, 1)
	assert.Equal(t, 1, spyGroups[0].Count())
	assert.Equal(t, 10.0, spyGroups[0].Quantity())
}

func TestInitializeErrorFailsRunBeforeAnySlice(t *testing.T) {
	boom := errors.New("bad config")
	strategy := &testStrategy{initFn: func(*algorithm.Algorithm) error { return boom }}
	h := newHarness(strategy, 100_000)

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	err := h.run(context.Background(), feed.NewTimePulse(t0))

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Empty(t, strategy.calls)
	assert.Equal(t, models.StatusRuntimeError, h.results.finalStatus)
}

func TestSecuritiesChangedNotifiesStrategyAndScheduler(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	ts := feed.NewSliceBuilder(h.store, t0).
		AddBar(bar("SPY", t0, 100)).
		WithChanges(&securities.Changes{Added: []*securities.Security{spy}}).
		Build()

	require.NoError(t, h.run(context.Background(), ts))

	assert.Equal(t, []string{"OnSecuritiesChanged", "OnBars", "OnData"}, strategy.calls)
	assert.Equal(t, 1, h.scheduler.Pending(), "an end-of-day event per added security")
}

func TestPulseSliceAdvancesClockWithoutData(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)

	t0 := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	fired := false
	h.scheduler.Add(&realtime.Event{Name: "noon", FireAt: t0, Callback: func(time.Time) { fired = true }})

	require.NoError(t, h.run(context.Background(), feed.NewTimePulse(t0)))

	assert.Empty(t, strategy.calls, "pulse slices never reach data callbacks")
	assert.True(t, fired)
	assert.Zero(t, strategy.steps, "pulse slices do not close a time step")
	assert.Empty(t, h.results.samples)
}

func TestDividendAppliedBeforeSplitInSameSlice(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")
	spy.Normalization = models.NormalizationRaw
	spy.Holdings.SetHoldings(100, 100)

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	ts := feed.NewSliceBuilder(h.store, t0).
		AddBar(bar("SPY", t0, 100)).
		AddDividend(models.Dividend{Symbol: spy.Symbol, Time: t0, Distribution: 1}).
		AddSplit(models.Split{Symbol: spy.Symbol, Time: t0, SplitFactor: 0.5, Type: models.SplitOccurred}).
		Build()

	require.NoError(t, h.run(context.Background(), ts))

	// The dividend pays on the pre-split quantity; the split then doubles
	// the position and halves price and basis.
	assert.Equal(t, 100_000.0+100, h.portfolio.Cash())
	assert.Equal(t, 200.0, spy.Holdings.Quantity())
	assert.Equal(t, 50.0, spy.Holdings.AveragePrice())
	assert.Equal(t, 50.0, spy.Price())
}

func TestSplitRescalesOpenOrders(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")
	spy.Normalization = models.NormalizationRaw
	spy.Holdings.SetHoldings(100, 100)

	strategy.dataFn = func(*models.Slice) error {
		if len(h.transactions.GetOpenOrderTickets(nil)) == 0 {
			h.algo.LimitOrder(spy.Symbol, 100, 90, "")
		}
		return nil
	}

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	split := feed.NewSliceBuilder(h.store, t1).
		AddBar(bar("SPY", t1, 100)).
		AddSplit(models.Split{Symbol: spy.Symbol, Time: t1, SplitFactor: 0.5, Type: models.SplitOccurred}).
		Build()

	require.NoError(t, h.run(context.Background(), h.barSlice(t0, bar("SPY", t0, 100)), split))

	open := h.transactions.OpenOrders(spy.Symbol)
	require.Len(t, open, 1)
	assert.Equal(t, 200.0, open[0].Quantity)
	assert.Equal(t, 45.0, open[0].LimitPrice)
}

func TestAdjustedSubscriptionIgnoresSplit(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")
	spy.Holdings.SetHoldings(100, 100)

	strategy.dataFn = func(*models.Slice) error {
		if len(h.transactions.GetOpenOrderTickets(nil)) == 0 {
			h.algo.LimitOrder(spy.Symbol, 100, 90, "")
		}
		return nil
	}

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	split := feed.NewSliceBuilder(h.store, t1).
		AddBar(bar("SPY", t1, 100)).
		AddSplit(models.Split{Symbol: spy.Symbol, Time: t1, SplitFactor: 0.5, Type: models.SplitOccurred}).
		Build()

	require.NoError(t, h.run(context.Background(), h.barSlice(t0, bar("SPY", t0, 100)), split))

	// The feed already serves split-adjusted prices, so holdings and open
	// orders stay as placed.
	assert.Equal(t, 100.0, spy.Holdings.Quantity())
	open := h.transactions.OpenOrders(spy.Symbol)
	require.Len(t, open, 1)
	assert.Equal(t, 100.0, open[0].Quantity)
	assert.Equal(t, 90.0, open[0].LimitPrice)
}

func TestWarmupGatesOrdersAndDividendCash(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")
	spy.Normalization = models.NormalizationRaw
	spy.Holdings.SetHoldings(100, 100)

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	strategy.initFn = func(a *algorithm.Algorithm) error {
		a.SetWarmup(t1)
		return nil
	}
	var responses []*orders.Response
	strategy.dataFn = func(*models.Slice) error {
		responses = append(responses, h.algo.MarketOrder(spy.Symbol, 10, ""))
		return nil
	}

	dividendAt := func(at time.Time) *feed.TimeSlice {
		return feed.NewSliceBuilder(h.store, at).
			AddBar(bar("SPY", at, 100)).
			AddDividend(models.Dividend{Symbol: spy.Symbol, Time: at, Distribution: 1}).
			Build()
	}

	require.NoError(t, h.run(context.Background(), dividendAt(t0), dividendAt(t1)))

	require.Len(t, responses, 2)
	assert.Equal(t, orders.ErrorAlgorithmWarmingUp, responses[0].Code)
	assert.True(t, responses[1].IsSuccess())

	// Only the post-warmup dividend paid.
	assert.Equal(t, 100_000.0+100, h.portfolio.Cash())
	assert.Equal(t, []models.AlgorithmStatus{models.StatusHistory, models.StatusRunning, models.StatusCompleted}, h.results.statuses)
}

func TestNonPositivePortfolioHaltsBacktestCleanly(t *testing.T) {
	strategy := &testStrategy{initFn: func(a *algorithm.Algorithm) error {
		a.Portfolio.AddCash(-200_000)
		return nil
	}}
	h := newHarness(strategy, 100_000)
	h.addSecurity("SPY")

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	err := h.run(context.Background(),
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(time.Minute), bar("SPY", t0.Add(time.Minute), 100)),
	)

	// Running out of equity stops the backtest without an error.
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, h.results.finalStatus)
	assert.Empty(t, h.results.runErr)
	// The second slice never reaches the strategy.
	assert.Equal(t, []string{"OnBars", "OnData"}, strategy.calls)
}

func TestNonPositivePortfolioCheckSkippedLive(t *testing.T) {
	strategy := &testStrategy{initFn: func(a *algorithm.Algorithm) error {
		a.Portfolio.AddCash(-200_000)
		return nil
	}}
	h := newHarness(strategy, 100_000)
	h.addSecurity("SPY")
	h.settings.LiveMode = true

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	err := h.run(context.Background(),
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(time.Minute), bar("SPY", t0.Add(time.Minute), 100)),
	)

	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, h.results.finalStatus)
	assert.Equal(t, 2, countCalls(strategy.calls, "OnData"))
}

func TestContextCancellationStopsRun(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	strategy := &testStrategy{dataFn: func(*models.Slice) error {
		cancel()
		return nil
	}}
	h := newHarness(strategy, 100_000)
	h.addSecurity("SPY")

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	err := h.run(ctx,
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(time.Minute), bar("SPY", t0.Add(time.Minute), 100)),
		h.barSlice(t0.Add(2*time.Minute), bar("SPY", t0.Add(2*time.Minute), 100)),
	)

	assert.True(t, errors.Is(err, qerrors.ErrRunCanceled))
	assert.Equal(t, models.StatusStopped, h.results.finalStatus)
	assert.Equal(t, 1, countCalls(strategy.calls, "OnData"))
	assert.False(t, strategy.ended, "a canceled run never reaches OnEndOfAlgorithm")
}

func TestLiquidatedStatusFlattensHoldings(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")
	spy.Holdings.SetHoldings(100, 100)

	strategy.dataFn = func(*models.Slice) error {
		h.algo.SetStatus(models.StatusLiquidated)
		return nil
	}

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	err := h.run(context.Background(),
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(time.Minute), bar("SPY", t0.Add(time.Minute), 100)),
	)

	require.NoError(t, err)
	assert.Equal(t, models.StatusLiquidated, h.results.finalStatus)
	assert.Equal(t, 1, countCalls(strategy.calls, "OnData"))
	// The shutdown pass sells the position at the last price.
	assert.Equal(t, 0.0, spy.Holdings.Quantity())
	assert.Equal(t, 100_000.0+100*100, h.portfolio.Cash())
}

func TestDeletedStatusCancelsOpenOrders(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")

	strategy.dataFn = func(*models.Slice) error {
		h.algo.LimitOrder(spy.Symbol, 100, 90, "never fills")
		h.algo.SetStatus(models.StatusDeleted)
		return nil
	}

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	err := h.run(context.Background(),
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(time.Minute), bar("SPY", t0.Add(time.Minute), 100)),
	)

	require.NoError(t, err)
	assert.Equal(t, models.StatusDeleted, h.results.finalStatus)
	assert.Empty(t, h.transactions.OpenOrders(spy.Symbol))
}

func countCalls(calls []string, name string) int {
	n := 0
	for _, c := range calls {
		if c == name {
			n++
		}
	}
	return n
}

func TestSplitWarningFlattensOptionsOnceBeforeClose(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")
	opt := securities.NewSecurity(models.NewOptionSymbol("SPY240621C00100000", "SPY"), models.ResolutionMinute)
	opt.LotSize = 100
	h.store.Add(opt)
	h.algo.Positions.OnSecurityAdded(opt)
	opt.Holdings.SetHoldings(5, 5)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	optBar := func(at time.Time) models.Bar {
		b := bar("", at, 5)
		b.Symbol = opt.Symbol
		return b
	}
	slice := func(at time.Time) *feed.TimeSlice {
		return feed.NewSliceBuilder(h.store, at).
			AddBar(bar("SPY", at, 100)).
			AddBar(optBar(at)).
			Build()
	}

	morning := feed.NewSliceBuilder(h.store, day.Add(10*time.Hour)).
		AddBar(bar("SPY", day.Add(10*time.Hour), 100)).
		AddBar(optBar(day.Add(10*time.Hour))).
		AddSplit(models.Split{Symbol: spy.Symbol, Time: day.Add(10 * time.Hour), SplitFactor: 0.5, Type: models.SplitWarning}).
		Build()

	err := h.run(context.Background(),
		morning,
		slice(day.Add(15*time.Hour+50*time.Minute)),
		slice(day.Add(15*time.Hour+55*time.Minute)),
		slice(day.Add(16*time.Hour)),
	)
	require.NoError(t, err)

	// One MarketOnClose liquidation, filled at the close.
	submits := 0
	for _, e := range strategy.events {
		if e.Symbol == opt.Symbol && e.Status == orders.StatusSubmitted {
			submits++
		}
	}
	assert.Equal(t, 1, submits)
	assert.Equal(t, 0.0, opt.Holdings.Quantity())
	assert.False(t, opt.IsTradable, "liquidated derivatives stop trading")
}

func TestSplitWarningDefersToSameDayDelisting(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")
	opt := securities.NewSecurity(models.NewOptionSymbol("SPY240621C00100000", "SPY"), models.ResolutionMinute)
	opt.LotSize = 100
	h.store.Add(opt)
	h.algo.Positions.OnSecurityAdded(opt)
	opt.Holdings.SetHoldings(5, 5)

	day := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	optBar := func(at time.Time) models.Bar {
		b := bar("", at, 5)
		b.Symbol = opt.Symbol
		return b
	}
	strategy.dataFn = func(*models.Slice) error {
		if opt.IsTradable && len(h.transactions.OpenOrders(opt.Symbol)) == 0 {
			h.algo.LimitOrder(opt.Symbol, -5, 10, "resting exit")
		}
		return nil
	}

	morningAt := day.Add(10 * time.Hour)
	morning := feed.NewSliceBuilder(h.store, morningAt).
		AddBar(bar("SPY", morningAt, 100)).
		AddBar(optBar(morningAt)).
		Build()
	noonAt := day.Add(12 * time.Hour)
	noon := feed.NewSliceBuilder(h.store, noonAt).
		AddBar(bar("SPY", noonAt, 100)).
		AddBar(optBar(noonAt)).
		AddSplit(models.Split{Symbol: spy.Symbol, Time: noonAt, SplitFactor: 0.5, Type: models.SplitWarning}).
		AddDelisting(models.Delisting{Symbol: opt.Symbol, Time: day.Add(16 * time.Hour), Type: models.DelistingWarning}).
		Build()
	lateAt := day.Add(15*time.Hour + 50*time.Minute)
	late := feed.NewSliceBuilder(h.store, lateAt).
		AddBar(bar("SPY", lateAt, 100)).
		AddBar(optBar(lateAt)).
		Build()

	require.NoError(t, h.run(context.Background(), morning, noon, late))

	// The delisting due at today's close owns the exit; the split
	// safety pass leaves the position and its resting order alone.
	assert.Len(t, h.transactions.OpenOrders(opt.Symbol), 1)
	assert.Equal(t, 5.0, opt.Holdings.Quantity())
}

func TestMarginEvaluationCadenceBacktest(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	h.addSecurity("SPY")

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	var slices []*feed.TimeSlice
	for i := 0; i <= 10; i++ {
		at := t0.Add(time.Duration(i) * time.Minute)
		slices = append(slices, h.barSlice(at, bar("SPY", at, 100)))
	}

	require.NoError(t, h.run(context.Background(), slices...))

	// The first slice anchors the cadence; evaluations land on the five
	// minute marks after it.
	assert.Equal(t, []time.Time{t0.Add(5 * time.Minute), t0.Add(10 * time.Minute)}, h.margin.evalTimes)
}

func TestMarginCadenceGapSteppingVersusLive(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	run := func(live bool) []time.Time {
		strategy := &testStrategy{}
		h := newHarness(strategy, 100_000)
		h.addSecurity("SPY")
		h.settings.LiveMode = live
		require.NoError(t, h.run(context.Background(),
			h.barSlice(t0, bar("SPY", t0, 100)),
			h.barSlice(t0.Add(12*time.Minute), bar("SPY", t0.Add(12*time.Minute), 100)),
			h.barSlice(t0.Add(16*time.Minute), bar("SPY", t0.Add(16*time.Minute), 100)),
		))
		return h.margin.evalTimes
	}

	// Backtests step the anchor by whole intervals, so the late slice at
	// +16m is already due again. Live snaps the anchor to wall time and
	// skips it.
	assert.Equal(t, []time.Time{t0.Add(12 * time.Minute), t0.Add(16 * time.Minute)}, run(false))
	assert.Equal(t, []time.Time{t0.Add(12 * time.Minute)}, run(true))
}

func TestMarginEvaluationSeesPostSplitState(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	run := func(afterCorporateActions bool) float64 {
		strategy := &testStrategy{}
		h := newHarness(strategy, 100_000)
		spy := h.addSecurity("SPY")
		spy.Normalization = models.NormalizationRaw
		spy.Holdings.SetHoldings(100, 100)
		h.settings.MarginAfterCorporateActions = afterCorporateActions

		var observed float64
		h.margin.observe = func(time.Time) { observed = spy.Holdings.Quantity() }

		at := t0.Add(5 * time.Minute)
		split := feed.NewSliceBuilder(h.store, at).
			AddBar(bar("SPY", at, 100)).
			AddSplit(models.Split{Symbol: spy.Symbol, Time: at, SplitFactor: 0.5, Type: models.SplitOccurred}).
			Build()
		require.NoError(t, h.run(context.Background(), h.barSlice(t0, bar("SPY", t0, 100)), split))
		return observed
	}

	assert.Equal(t, 200.0, run(true))
	assert.Equal(t, 100.0, run(false))
}

func TestMarginCallWarningReachesStrategy(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	h.addSecurity("SPY")
	h.margin.warn = true

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	require.NoError(t, h.run(context.Background(),
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(5*time.Minute), bar("SPY", t0.Add(5*time.Minute), 100)),
	))

	assert.Equal(t, 1, strategy.warnings)
	assert.Empty(t, h.margin.executed)
}

func TestMarginCallRequestsAmendedByStrategy(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	h.margin.warn = true
	h.margin.requests = []*orders.SubmitRequest{
		orders.NewSubmitRequest(spy.Symbol, orders.TypeMarket, -80, t0, "margin call"),
	}
	strategy.marginCallFn = func(requests []*orders.SubmitRequest) ([]*orders.SubmitRequest, error) {
		amended := orders.NewSubmitRequest(spy.Symbol, orders.TypeMarket, -40, t0, "amended")
		return []*orders.SubmitRequest{amended}, nil
	}

	require.NoError(t, h.run(context.Background(),
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(5*time.Minute), bar("SPY", t0.Add(5*time.Minute), 100)),
	))

	require.Len(t, h.margin.executed, 1)
	require.Len(t, h.margin.executed[0], 1)
	assert.Equal(t, -40.0, h.margin.executed[0][0].Quantity)
	assert.Equal(t, 0, strategy.warnings, "a full margin call replaces the warning")
}

func TestTypedDispatchRunsBeforeOnData(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	ts := feed.NewSliceBuilder(h.store, t0).
		AddBar(bar("SPY", t0, 100)).
		AddDividend(models.Dividend{Symbol: spy.Symbol, Time: t0, Distribution: 1}).
		AddSplit(models.Split{Symbol: spy.Symbol, Time: t0, SplitFactor: 0.5, Type: models.SplitWarning}).
		AddCustom(models.CustomData{Symbol: spy.Symbol, Time: t0, Value: 42}).
		Build()

	require.NoError(t, h.run(context.Background(), ts))

	assert.Equal(t, []string{"OnCustomData", "OnDividends", "OnSplits", "OnBars", "OnData"}, strategy.calls)
}

func TestOnDataErrorHaltsRun(t *testing.T) {
	boom := errors.New("strategy broke")
	strategy := &testStrategy{dataFn: func(*models.Slice) error { return boom }}
	h := newHarness(strategy, 100_000)
	h.addSecurity("SPY")

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	err := h.run(context.Background(),
		h.barSlice(t0, bar("SPY", t0, 100)),
		h.barSlice(t0.Add(time.Minute), bar("SPY", t0.Add(time.Minute), 100)),
	)

	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, models.StatusRuntimeError, h.results.finalStatus)
	assert.Equal(t, 1, countCalls(strategy.calls, "OnData"), "first error halts the run")
	// The failing step ends immediately: no sampling, no end-of-step.
	assert.Zero(t, strategy.steps)
	assert.Empty(t, h.results.samples)
}

func TestDelistingCashesOutPosition(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")
	spy.Holdings.SetHoldings(90, 100)

	t0 := time.Date(2024, 3, 1, 9, 31, 0, 0, time.UTC)
	t1 := t0.Add(time.Minute)
	warning := feed.NewSliceBuilder(h.store, t0).
		AddBar(bar("SPY", t0, 100)).
		AddDelisting(models.Delisting{Symbol: spy.Symbol, Time: t0, Type: models.DelistingWarning}).
		Build()
	occurred := feed.NewSliceBuilder(h.store, t1).
		AddBar(bar("SPY", t1, 100)).
		AddDelisting(models.Delisting{Symbol: spy.Symbol, Time: t1, Type: models.DelistingOccurred}).
		Build()

	require.NoError(t, h.run(context.Background(), warning, occurred))

	assert.Equal(t, 100_000.0+100*100, h.portfolio.Cash())
	assert.Equal(t, 0.0, spy.Holdings.Quantity())
	_, stillThere := h.store.Get(spy.Symbol)
	assert.False(t, stillThere)
}

func TestConsolidatorsReceiveAlignedBarsOnly(t *testing.T) {
	strategy := &testStrategy{}
	h := newHarness(strategy, 100_000)
	spy := h.addSecurity("SPY")

	var emitted []models.Bar
	h.consolidators.Register(spy.Symbol, feed.NewBarConsolidator(2*time.Minute, func(b models.Bar) {
		emitted = append(emitted, b)
	}))

	t0 := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	misaligned := models.Bar{
		Symbol: spy.Symbol,
		Time:   t0.Add(2*time.Minute + 30*time.Second),
		Open:   1, High: 1, Low: 1, Close: 1,
		Period: time.Minute,
	}
	require.NoError(t, h.run(context.Background(),
		h.barSlice(t0.Add(time.Minute), bar("SPY", t0.Add(time.Minute), 100)),
		h.barSlice(t0.Add(2*time.Minute), bar("SPY", t0.Add(2*time.Minute), 101)),
		feed.NewSliceBuilder(h.store, t0.Add(3*time.Minute+30*time.Second)).AddBar(misaligned).Build(),
	))

	// Two aligned minute bars complete the first window; the misaligned
	// bar never reaches the consolidator.
	require.Len(t, emitted, 1)
	assert.Equal(t, t0, emitted[0].Time)
	assert.Equal(t, 101.0, emitted[0].Close)
}
