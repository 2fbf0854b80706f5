package engine

import (
	"context"

	qerrors "quantloop/internal/errors"
	"quantloop/internal/feed"
	"quantloop/internal/models"
	"quantloop/internal/orders"
	"quantloop/internal/securities"
)

// Run executes the algorithm against the stream until the stream is
// exhausted, the context is canceled or the status turns terminal.
// Everything here runs on the single loop goroutine.
func (e *Engine) Run(ctx context.Context) error {
	e.dispatch = buildDispatchTable(e.algo.Strategy())
	e.transactions.SetOrderEventHandler(e.onOrderEvent)
	e.transactions.SetWarmupCheck(e.algo.IsWarmingUp)
	e.algo.Sender = e.transactions

	if err := e.algo.Strategy().Initialize(e.algo); err != nil {
		e.algo.SetRuntimeError("Initialize", err)
		return e.finalize(nil)
	}
	if e.algo.IsWarmingUp() {
		e.algo.SetStatus(models.StatusHistory)
		e.wasWarmingUp = true
	} else {
		e.algo.SetStatus(models.StatusRunning)
	}
	e.results.SendStatusUpdate(e.algo.Status())

	initialized := false
	for ts := range e.stream.Slices(ctx) {
		if !initialized {
			initialized = true
			e.algo.SetDateTime(ts.Time)
			e.results.Initialize(ts.Time)
		}
		if halt := e.step(ctx, ts); halt {
			break
		}
	}
	return e.finalize(ctx.Err())
}

// step walks one time slice through the fixed per-step sequence. It
// returns true when the loop should stop consuming slices.
func (e *Engine) step(ctx context.Context, ts *feed.TimeSlice) bool {
	e.monitor.StartNewTimeStep()

	if e.algo.Status().IsTerminal() {
		return true
	}
	if ctx.Err() != nil {
		e.algo.SetStatus(models.StatusStopped)
		return true
	}

	e.algo.SetDateTime(ts.Time)
	e.transactions.SetTime(ts.Time)
	e.checkWarmupFinished()

	// pulse slices only advance clocks and fire due schedules
	if ts.IsTimePulse {
		e.scheduler.SetTime(ts.Time)
		return e.algo.Status().IsTerminal()
	}

	e.processSymbolChanges(ts)
	e.applySecurityChanges(ts.SecurityChanges)
	e.updatePrices(ts)
	e.algo.Portfolio.InvalidateTotalValue()

	e.transactions.Scan(ts.Time)
	e.transactions.ProcessSynchronousEvents()

	e.scheduler.SetTime(ts.Time)
	if e.algo.Status().IsTerminal() {
		return true
	}

	e.scanSettlement(ts)
	e.notifySecuritiesChanged(ts.SecurityChanges)

	if !e.settings.MarginAfterCorporateActions {
		e.evaluateMargin(ts)
	}
	e.processDividends(ts)
	e.processSplits(ts)
	e.processDelistings(ts)
	if e.settings.MarginAfterCorporateActions {
		e.evaluateMargin(ts)
	}

	e.updateConsolidators(ts)
	e.dispatchData(ts)
	if e.algo.Status().IsTerminal() {
		return true
	}
	e.liquidateForSplitWarnings(ts.Time)

	e.transactions.ProcessSynchronousEvents()
	e.results.AddDataPoints(ts.DataPointCount())
	e.results.Sample(ts.Time)
	e.results.ProcessSynchronousEvents(false)

	e.dispatchEndOfTimeStep()

	// running out of equity ends a backtest cleanly; live runs keep
	// going and leave the decision to the margin model
	if !e.settings.LiveMode && e.algo.Portfolio.TotalValue() <= 0 {
		e.logger.Debug().Msg("Total portfolio value is zero or negative, halting")
		e.algo.SetStatus(models.StatusStopped)
		return true
	}
	return e.algo.Status().IsTerminal()
}

func (e *Engine) checkWarmupFinished() {
	if !e.wasWarmingUp || e.algo.IsWarmingUp() {
		return
	}
	e.wasWarmingUp = false
	e.algo.SetStatus(models.StatusRunning)
	e.results.SendStatusUpdate(models.StatusRunning)
	e.logger.Info().Time("at", e.algo.Time()).Msg("Warmup finished")
	// fire schedules whose time passed while warming up
	e.scheduler.ScanPastEvents(e.algo.Time())
}

// applySecurityChanges mutates the store for the slice's universe
// changes. Strategy notification happens later in the step, after prices
// are current.
func (e *Engine) applySecurityChanges(changes *securities.Changes) {
	if changes == nil || changes.Count() == 0 {
		return
	}
	for _, sec := range changes.Added {
		e.algo.Securities.Add(sec)
		if e.algo.Positions != nil {
			e.algo.Positions.OnSecurityAdded(sec)
		}
	}
	for _, sec := range changes.Removed {
		e.transactions.CancelOpenOrders(sec.Symbol, "removed from universe")
		e.algo.Securities.Remove(sec.Symbol)
		if e.algo.Positions != nil {
			e.algo.Positions.OnSecurityRemoved(sec)
		}
	}
	e.scheduler.OnSecuritiesChanged(changes)
}

func (e *Engine) updatePrices(ts *feed.TimeSlice) {
	for _, u := range ts.Updates {
		for _, bar := range u.Bars {
			u.Security.UpdateBar(bar)
		}
		for _, quote := range u.QuoteBars {
			u.Security.UpdateQuote(quote)
		}
		for _, tick := range u.Ticks {
			u.Security.UpdateTick(tick)
		}
	}
}

func (e *Engine) scanSettlement(ts *feed.TimeSlice) {
	if !e.lastSettlementScan.IsZero() &&
		ts.Time.Sub(e.lastSettlementScan) < e.settings.SettlementScanInterval {
		return
	}
	e.lastSettlementScan = ts.Time
	if settled := e.algo.Portfolio.ScanForCashSettlement(ts.Time); settled != 0 {
		e.logger.Debug().Float64("amount", settled).Msg("Cash settled")
	}
}

func (e *Engine) notifySecuritiesChanged(changes *securities.Changes) {
	if changes == nil || changes.Count() == 0 {
		return
	}
	e.results.OnSecuritiesChanged(changes)
	if e.dispatch.securitiesChanged == nil {
		return
	}
	visible := changes.StrategyVisible()
	if visible.Count() == 0 {
		return
	}
	if err := e.dispatch.securitiesChanged(visible); err != nil {
		e.algo.SetRuntimeError("OnSecuritiesChanged", err)
	}
}

// evaluateMargin runs the margin model on its cadence. Backtests step
// the scan anchor on the data clock so long gaps produce one evaluation
// per elapsed interval boundary; live runs snap to now.
func (e *Engine) evaluateMargin(ts *feed.TimeSlice) {
	if e.marginModel == nil {
		return
	}
	now := ts.Time
	if e.lastMarginScan.IsZero() {
		e.lastMarginScan = now
		return
	}
	elapsed := now.Sub(e.lastMarginScan)
	if elapsed < e.settings.MarginScanInterval {
		return
	}
	if e.settings.LiveMode {
		e.lastMarginScan = now
	} else {
		intervals := elapsed / e.settings.MarginScanInterval
		e.lastMarginScan = e.lastMarginScan.Add(intervals * e.settings.MarginScanInterval)
	}
	if e.algo.IsWarmingUp() {
		return
	}

	requests, warn := e.marginModel.GetMarginCallOrders(now)
	if len(requests) == 0 {
		if warn && e.dispatch.marginCallWarning != nil {
			if err := e.dispatch.marginCallWarning(); err != nil {
				e.algo.SetRuntimeError("OnMarginCallWarning", err)
			}
		}
		return
	}
	if e.dispatch.marginCall != nil {
		amended, err := e.dispatch.marginCall(requests)
		if err != nil {
			e.algo.SetRuntimeError("OnMarginCall", err)
			return
		}
		requests = amended
	}
	if len(requests) > 0 {
		e.marginModel.ExecuteMarginCall(requests)
	}
}

// updateConsolidators feeds boundary-aligned bars into registered
// consolidators. Misaligned bars from custom fill-forward points never
// reach them.
func (e *Engine) updateConsolidators(ts *feed.TimeSlice) {
	for _, cu := range ts.ConsolidatorUpdates {
		consolidators := e.consolidators.For(cu.Security.Symbol)
		if len(consolidators) == 0 {
			continue
		}
		loc := cu.Security.Exchange.Location
		for _, bar := range cu.Bars {
			if !feed.AlignsWithBoundary(bar.EndTime(), cu.Security.Resolution, loc) {
				continue
			}
			for _, c := range consolidators {
				c.Update(bar)
			}
		}
	}
}

// dispatchData runs the typed callbacks in fixed order: custom data
// first, then corporate actions, then price data, then OnData. The
// first runtime error stops the chain for the slice.
func (e *Engine) dispatchData(ts *feed.TimeSlice) {
	s := ts.Slice
	run := func(name string, fn func() error) bool {
		if err := fn(); err != nil {
			e.algo.SetRuntimeError(name, err)
			return false
		}
		return true
	}
	if e.dispatch.customData != nil {
		for _, cd := range ts.Custom {
			cd := cd
			if !run("OnCustomData", func() error { return e.dispatch.customData(cd) }) {
				return
			}
		}
	}
	if e.dispatch.delistings != nil && len(s.Delistings) > 0 {
		if !run("OnDelistings", func() error { return e.dispatch.delistings(s.Delistings) }) {
			return
		}
	}
	if e.dispatch.dividends != nil && len(s.Dividends) > 0 {
		if !run("OnDividends", func() error { return e.dispatch.dividends(s.Dividends) }) {
			return
		}
	}
	if e.dispatch.splits != nil && len(s.Splits) > 0 {
		if !run("OnSplits", func() error { return e.dispatch.splits(s.Splits) }) {
			return
		}
	}
	if e.dispatch.ticks != nil && len(s.Ticks) > 0 {
		if !run("OnTicks", func() error { return e.dispatch.ticks(s.Ticks) }) {
			return
		}
	}
	if e.dispatch.bars != nil && len(s.Bars) > 0 {
		if !run("OnBars", func() error { return e.dispatch.bars(s.Bars) }) {
			return
		}
	}
	if e.dispatch.optionChains != nil && len(s.OptionChains) > 0 {
		if !run("OnOptionChains", func() error { return e.dispatch.optionChains(s.OptionChains) }) {
			return
		}
	}
	if s.HasData() {
		run("OnData", func() error { return e.algo.Strategy().OnData(s) })
	}
}

func (e *Engine) dispatchEndOfTimeStep() {
	if e.dispatch.endOfTimeStep == nil {
		return
	}
	if err := e.dispatch.endOfTimeStep(); err != nil {
		e.algo.SetRuntimeError("OnEndOfTimeStep", err)
	}
}

// onOrderEvent is the single synchronous entry point for order events:
// the result sink first, then the strategy callback.
func (e *Engine) onOrderEvent(ev orders.Event) {
	e.results.OnOrderEvent(ev)
	if e.dispatch.orderEvent != nil {
		if err := e.dispatch.orderEvent(ev); err != nil {
			e.algo.SetRuntimeError("OnOrderEvent", err)
		}
	}
}

// finalize closes out the run regardless of how the loop ended.
func (e *Engine) finalize(ctxErr error) error {
	e.monitor.StopEnforcingTimeLimit()
	now := e.algo.Time()

	if ctxErr != nil && !e.algo.Status().IsTerminal() {
		e.algo.SetStatus(models.StatusStopped)
	}
	if !e.algo.Status().IsTerminal() {
		e.algo.SetStatus(models.StatusCompleted)
	}

	switch e.algo.Status() {
	case models.StatusLiquidated:
		e.cancelAllOpenOrders("algorithm liquidated")
		e.algo.Liquidate("algorithm liquidated")
		e.transactions.Scan(now)
	case models.StatusStopped, models.StatusDeleted:
		e.cancelAllOpenOrders("algorithm " + string(e.algo.Status()))
	}

	// an externally canceled run never sees the end-of-algorithm
	// callback, distinguishing it from graceful completion
	if ctxErr == nil && e.dispatch != nil && e.dispatch.endOfAlgorithm != nil {
		if err := e.dispatch.endOfAlgorithm(); err != nil {
			e.algo.SetRuntimeError("OnEndOfAlgorithm", err)
		}
	}

	e.transactions.ProcessSynchronousEvents()
	status := e.algo.Status()
	e.results.SendStatusUpdate(status)

	var runErr string
	var err error
	if re := e.algo.RuntimeError(); re != nil {
		err = qerrors.NewRuntimeError(re.Context, re.Err)
		runErr = err.Error()
	} else if ctxErr != nil {
		err = qerrors.ErrRunCanceled
		runErr = err.Error()
	}
	e.results.Finish(now, status, runErr)
	e.logger.Info().Str("status", string(status)).Msg("Run finished")
	return err
}

func (e *Engine) cancelAllOpenOrders(reason string) {
	canceled := make(map[models.Symbol]bool)
	for _, ticket := range e.transactions.GetOpenOrderTickets(nil) {
		if canceled[ticket.Symbol()] {
			continue
		}
		canceled[ticket.Symbol()] = true
		e.transactions.CancelOpenOrders(ticket.Symbol(), reason)
	}
}
