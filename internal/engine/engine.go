// Package engine drives the run: it consumes time slices from the feed
// and walks each one through the fixed per-step sequence of clock
// advance, universe and price updates, corporate actions, margin
// evaluation and strategy dispatch.
package engine

import (
	"time"

	"github.com/rs/zerolog"

	"quantloop/internal/algorithm"
	"quantloop/internal/feed"
	"quantloop/internal/limits"
	"quantloop/internal/models"
	"quantloop/internal/orders"
	"quantloop/internal/realtime"
	"quantloop/internal/securities"
)

// TransactionHandler is the order-flow seam the loop drives.
type TransactionHandler interface {
	algorithm.OrderSender
	SetTime(now time.Time)
	Scan(now time.Time)
	ProcessSynchronousEvents()
	OpenOrders(symbol models.Symbol) []*orders.Order
	SetOrderEventHandler(fn func(orders.Event))
	SetWarmupCheck(fn func() bool)
}

// ResultSink receives samples, events and the final run summary.
type ResultSink interface {
	Initialize(now time.Time)
	Sample(now time.Time)
	SampleFinal(now time.Time)
	AddDataPoints(n int)
	OnOrderEvent(e orders.Event)
	OnSecuritiesChanged(changes *securities.Changes)
	SendStatusUpdate(status models.AlgorithmStatus)
	ProcessSynchronousEvents(forced bool)
	Finish(now time.Time, status models.AlgorithmStatus, runErr string)
}

// MarginCallModel decides when equity no longer covers maintenance
// margin and produces the liquidating requests.
type MarginCallModel interface {
	GetMarginCallOrders(now time.Time) ([]*orders.SubmitRequest, bool)
	ExecuteMarginCall(requests []*orders.SubmitRequest) []*orders.Ticket
}

// BrokerageModel carries behaviors deferred to the brokerage, currently
// rescaling open orders across splits.
type BrokerageModel interface {
	ApplySplit(open []*orders.Order, split models.Split)
}

// Engine owns the run loop. All fields are used from the single loop
// goroutine; the time limit monitor is the only shared object.
type Engine struct {
	algo          *algorithm.Algorithm
	stream        feed.Stream
	transactions  TransactionHandler
	results       ResultSink
	scheduler     *realtime.Scheduler
	marginModel   MarginCallModel
	brokerage     BrokerageModel
	monitor       *limits.Monitor
	consolidators *feed.Registry
	settings      Settings
	logger        zerolog.Logger

	dispatch *dispatchTable

	lastSettlementScan time.Time
	lastMarginScan     time.Time
	splitWarnings      map[models.Symbol]models.Split
	warningLiquidated  map[models.Symbol]bool
	delistingWarnings  map[models.Symbol]models.Delisting
	wasWarmingUp       bool
}

// New assembles the engine around its collaborators.
func New(
	algo *algorithm.Algorithm,
	stream feed.Stream,
	transactions TransactionHandler,
	results ResultSink,
	scheduler *realtime.Scheduler,
	marginModel MarginCallModel,
	brokerage BrokerageModel,
	monitor *limits.Monitor,
	consolidators *feed.Registry,
	settings Settings,
	logger zerolog.Logger,
) *Engine {
	return &Engine{
		algo:              algo,
		stream:            stream,
		transactions:      transactions,
		results:           results,
		scheduler:         scheduler,
		marginModel:       marginModel,
		brokerage:         brokerage,
		monitor:           monitor,
		consolidators:     consolidators,
		settings:          settings,
		logger:            logger.With().Str("component", "engine").Logger(),
		splitWarnings:     make(map[models.Symbol]models.Split),
		warningLiquidated: make(map[models.Symbol]bool),
		delistingWarnings: make(map[models.Symbol]models.Delisting),
	}
}

// Monitor exposes the time limit monitor for watchdog wiring.
func (e *Engine) Monitor() *limits.Monitor { return e.monitor }
