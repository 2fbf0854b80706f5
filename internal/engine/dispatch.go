package engine

import (
	"quantloop/internal/algorithm"
	"quantloop/internal/models"
	"quantloop/internal/orders"
	"quantloop/internal/securities"
)

// dispatchTable holds the strategy's optional callbacks, resolved once
// at start so the per-slice path never type-asserts.
type dispatchTable struct {
	securitiesChanged func(*securities.Changes) error
	marginCall        func([]*orders.SubmitRequest) ([]*orders.SubmitRequest, error)
	marginCallWarning func() error
	orderEvent        func(orders.Event) error
	dividends         func(map[models.Symbol]models.Dividend) error
	splits            func(map[models.Symbol]models.Split) error
	delistings        func(map[models.Symbol]models.Delisting) error
	ticks             func(map[models.Symbol][]models.Tick) error
	bars              func(map[models.Symbol]models.Bar) error
	optionChains      func(map[models.Symbol]models.OptionChain) error
	customData        func(models.CustomData) error
	endOfAlgorithm    func() error
	endOfTimeStep     func() error
}

func buildDispatchTable(s algorithm.Strategy) *dispatchTable {
	t := &dispatchTable{}
	if h, ok := s.(algorithm.SecuritiesChangedHandler); ok {
		t.securitiesChanged = h.OnSecuritiesChanged
	}
	if h, ok := s.(algorithm.MarginCallHandler); ok {
		t.marginCall = h.OnMarginCall
	}
	if h, ok := s.(algorithm.MarginCallWarningHandler); ok {
		t.marginCallWarning = h.OnMarginCallWarning
	}
	if h, ok := s.(algorithm.OrderEventHandler); ok {
		t.orderEvent = h.OnOrderEvent
	}
	if h, ok := s.(algorithm.DividendHandler); ok {
		t.dividends = h.OnDividends
	}
	if h, ok := s.(algorithm.SplitHandler); ok {
		t.splits = h.OnSplits
	}
	if h, ok := s.(algorithm.DelistingHandler); ok {
		t.delistings = h.OnDelistings
	}
	if h, ok := s.(algorithm.TickHandler); ok {
		t.ticks = h.OnTicks
	}
	if h, ok := s.(algorithm.BarHandler); ok {
		t.bars = h.OnBars
	}
	if h, ok := s.(algorithm.OptionChainHandler); ok {
		t.optionChains = h.OnOptionChains
	}
	if h, ok := s.(algorithm.CustomDataHandler); ok {
		t.customData = h.OnCustomData
	}
	if h, ok := s.(algorithm.EndOfAlgorithmHandler); ok {
		t.endOfAlgorithm = h.OnEndOfAlgorithm
	}
	if h, ok := s.(algorithm.EndOfTimeStepHandler); ok {
		t.endOfTimeStep = h.OnEndOfTimeStep
	}
	return t
}
