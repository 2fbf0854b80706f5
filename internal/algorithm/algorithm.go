// Package algorithm defines the strategy-facing API: the Strategy
// interface with its optional typed-data extensions, and the Algorithm
// container holding the run state a strategy operates on.
package algorithm

import (
	"time"

	"github.com/rs/zerolog"

	"quantloop/internal/models"
	"quantloop/internal/orders"
	"quantloop/internal/positions"
	"quantloop/internal/securities"
)

// Strategy is the minimal interface user code implements. Optional
// behavior is added by implementing the extension interfaces below;
// the engine checks for them once at start and builds a static dispatch
// table, so unimplemented callbacks cost nothing per tick.
type Strategy interface {
	Initialize(algo *Algorithm) error
	OnData(slice *models.Slice) error
}

// SecuritiesChangedHandler receives universe additions and removals.
type SecuritiesChangedHandler interface {
	OnSecuritiesChanged(changes *securities.Changes) error
}

// MarginCallHandler may veto or amend the liquidating requests of a
// margin call before they execute.
type MarginCallHandler interface {
	OnMarginCall(requests []*orders.SubmitRequest) ([]*orders.SubmitRequest, error)
}

// MarginCallWarningHandler is notified when margin is stressed but no
// liquidation is required yet.
type MarginCallWarningHandler interface {
	OnMarginCallWarning() error
}

// OrderEventHandler receives order status and fill events.
type OrderEventHandler interface {
	OnOrderEvent(event orders.Event) error
}

// DividendHandler receives the tick's dividend events.
type DividendHandler interface {
	OnDividends(dividends map[models.Symbol]models.Dividend) error
}

// SplitHandler receives the tick's split events.
type SplitHandler interface {
	OnSplits(splits map[models.Symbol]models.Split) error
}

// DelistingHandler receives the tick's delisting events.
type DelistingHandler interface {
	OnDelistings(delistings map[models.Symbol]models.Delisting) error
}

// TickHandler receives raw ticks ahead of OnData.
type TickHandler interface {
	OnTicks(ticks map[models.Symbol][]models.Tick) error
}

// BarHandler receives trade bars ahead of OnData.
type BarHandler interface {
	OnBars(bars map[models.Symbol]models.Bar) error
}

// OptionChainHandler receives option chains ahead of OnData.
type OptionChainHandler interface {
	OnOptionChains(chains map[models.Symbol]models.OptionChain) error
}

// CustomDataHandler receives user-subscribed custom data points.
type CustomDataHandler interface {
	OnCustomData(data models.CustomData) error
}

// EndOfAlgorithmHandler runs once after the stream is exhausted.
type EndOfAlgorithmHandler interface {
	OnEndOfAlgorithm() error
}

// EndOfTimeStepHandler runs at the very end of every iteration.
type EndOfTimeStepHandler interface {
	OnEndOfTimeStep() error
}

// OrderSender is the transaction surface the algorithm submits through.
type OrderSender interface {
	Process(request orders.Request) *orders.Response
	GetOpenOrderTickets(filter func(*orders.Ticket) bool) []*orders.Ticket
	CancelOpenOrders(symbol models.Symbol, reason string) []*orders.Ticket
}

// RuntimeError couples a fatal error with the phase it was raised from.
type RuntimeError struct {
	Context string
	Err     error
}

// Algorithm is the run container: securities, portfolio, positions,
// status, clock and warmup state. One instance lives for the whole run.
type Algorithm struct {
	Name       string
	Securities *securities.Store
	Portfolio  *securities.Portfolio
	Positions  *positions.Manager
	Sender     OrderSender
	Logger     zerolog.Logger

	strategy Strategy

	status       models.AlgorithmStatus
	runtimeError *RuntimeError

	time      time.Time
	startTime time.Time
	warmupEnd time.Time
	liveMode  bool
}

// New creates the algorithm container around a strategy.
func New(name string, strategy Strategy, store *securities.Store, portfolio *securities.Portfolio, posManager *positions.Manager, logger zerolog.Logger) *Algorithm {
	return &Algorithm{
		Name:       name,
		Securities: store,
		Portfolio:  portfolio,
		Positions:  posManager,
		Logger:     logger.With().Str("algorithm", name).Logger(),
		strategy:   strategy,
		status:     models.StatusInitializing,
	}
}

// Strategy returns the user strategy driving this run.
func (a *Algorithm) Strategy() Strategy { return a.strategy }

// Status returns the externally observed run status.
func (a *Algorithm) Status() models.AlgorithmStatus { return a.status }

// SetStatus transitions the observed status.
func (a *Algorithm) SetStatus(s models.AlgorithmStatus) { a.status = s }

// RuntimeError returns the fatal error recorded for this run, if any.
func (a *Algorithm) RuntimeError() *RuntimeError { return a.runtimeError }

// SetRuntimeError records a fatal error tagged with the failing phase and
// moves the run to the runtime-error status. The first error wins.
func (a *Algorithm) SetRuntimeError(context string, err error) {
	if a.runtimeError != nil {
		return
	}
	a.runtimeError = &RuntimeError{Context: context, Err: err}
	a.status = models.StatusRuntimeError
	a.Logger.Error().Err(err).Str("context", context).Msg("Algorithm runtime error")
}

// Time returns the algorithm's local clock.
func (a *Algorithm) Time() time.Time { return a.time }

// SetDateTime advances the algorithm clock.
func (a *Algorithm) SetDateTime(t time.Time) {
	if a.startTime.IsZero() {
		a.startTime = t
	}
	a.time = t
}

// StartTime returns the first instant the clock was set to.
func (a *Algorithm) StartTime() time.Time { return a.startTime }

// SetWarmup configures the warmup window ending at end.
func (a *Algorithm) SetWarmup(end time.Time) { a.warmupEnd = end }

// IsWarmingUp reports whether the clock is still inside the warmup
// window.
func (a *Algorithm) IsWarmingUp() bool {
	return !a.warmupEnd.IsZero() && a.time.Before(a.warmupEnd)
}

// SetLiveMode marks the run as live rather than a backtest.
func (a *Algorithm) SetLiveMode(live bool) { a.liveMode = live }

// LiveMode reports whether the run is live.
func (a *Algorithm) LiveMode() bool { return a.liveMode }

// AddSecurity creates, registers and returns an equity security.
func (a *Algorithm) AddSecurity(ticker string, resolution models.Resolution) *securities.Security {
	sec := securities.NewSecurity(models.NewSymbol(ticker), resolution)
	a.Securities.Add(sec)
	if a.Positions != nil {
		a.Positions.OnSecurityAdded(sec)
	}
	return sec
}

// MarketOrder submits a market order and returns the handler response.
func (a *Algorithm) MarketOrder(symbol models.Symbol, quantity float64, tag string) *orders.Response {
	req := orders.NewSubmitRequest(symbol, orders.TypeMarket, quantity, a.time, tag)
	return a.Sender.Process(req)
}

// LimitOrder submits a limit order and returns the handler response.
func (a *Algorithm) LimitOrder(symbol models.Symbol, quantity, limitPrice float64, tag string) *orders.Response {
	req := orders.NewSubmitRequest(symbol, orders.TypeLimit, quantity, a.time, tag)
	req.LimitPrice = limitPrice
	return a.Sender.Process(req)
}

// Liquidate submits market orders flattening every invested holding.
func (a *Algorithm) Liquidate(tag string) []*orders.Response {
	var out []*orders.Response
	for _, sec := range a.Securities.Invested() {
		out = append(out, a.MarketOrder(sec.Symbol, -sec.Holdings.Quantity(), tag))
	}
	return out
}
