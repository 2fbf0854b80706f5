package engine

import (
	"sort"
	"time"

	"quantloop/internal/feed"
	"quantloop/internal/models"
	"quantloop/internal/orders"
)

// processSymbolChanges re-keys securities whose tickers changed. Open
// orders for the old symbol are canceled; holdings travel with the
// security under its new symbol.
func (e *Engine) processSymbolChanges(ts *feed.TimeSlice) {
	for _, sc := range sortedSymbolChanges(ts.Slice.SymbolChanges) {
		sec, ok := e.algo.Securities.Get(sc.Old)
		if !ok {
			continue
		}
		e.transactions.CancelOpenOrders(sc.Old, "symbol changed to "+sc.New.String())
		e.algo.Securities.Remove(sc.Old)
		sec.Symbol = sc.New
		e.algo.Securities.Add(sec)
		if e.algo.Positions != nil {
			e.algo.Positions.MarkDirty(sc.New)
		}
		e.logger.Info().Stringer("old", sc.Old).Stringer("new", sc.New).Msg("Symbol changed")
	}
}

// processDividends credits cash distributions for the slice's ex-dates.
// Warmup slices keep the price effects but skip the cash.
func (e *Engine) processDividends(ts *feed.TimeSlice) {
	if len(ts.Slice.Dividends) == 0 || e.algo.IsWarmingUp() {
		return
	}
	for _, div := range sortedDividends(ts.Slice.Dividends) {
		if amount := e.algo.Portfolio.ApplyDividend(div); amount != 0 {
			e.logger.Debug().Stringer("symbol", div.Symbol).Float64("amount", amount).
				Msg("Dividend credited")
		}
	}
}

// processSplits applies occurred splits to holdings, prices and the open
// book, and tracks warnings for the pre-close derivative liquidation.
// Dividends for the same slice are always applied first.
func (e *Engine) processSplits(ts *feed.TimeSlice) {
	if len(ts.Slice.Splits) == 0 {
		return
	}
	for _, split := range sortedSplits(ts.Slice.Splits) {
		switch split.Type {
		case models.SplitWarning:
			e.splitWarnings[split.Symbol] = split
		case models.SplitOccurred:
			delete(e.splitWarnings, split.Symbol)
			delete(e.warningLiquidated, split.Symbol)
			if e.algo.IsWarmingUp() {
				continue
			}
			if e.algo.Portfolio.ApplySplit(split) {
				e.brokerage.ApplySplit(e.transactions.OpenOrders(split.Symbol), split)
			}
		}
	}
}

// processDelistings closes out securities leaving the market: on the
// occurrence the position is cashed out at the last price, open orders
// are canceled and the security becomes non-tradable.
func (e *Engine) processDelistings(ts *feed.TimeSlice) {
	for _, d := range sortedDelistings(ts.Slice.Delistings) {
		sec, ok := e.algo.Securities.Get(d.Symbol)
		if !ok {
			continue
		}
		switch d.Type {
		case models.DelistingWarning:
			sec.IsTradable = false
			e.delistingWarnings[d.Symbol] = d
		case models.DelistingOccurred:
			delete(e.delistingWarnings, d.Symbol)
			e.transactions.CancelOpenOrders(d.Symbol, "security delisted")
			if sec.Holdings.Invested() {
				value := sec.Holdings.Quantity() * sec.Price()
				sec.Holdings.SetHoldings(0, 0)
				e.algo.Portfolio.AddCash(value)
				e.logger.Info().Stringer("symbol", d.Symbol).Float64("proceeds", value).
					Msg("Delisted position cashed out")
			}
			sec.IsTradable = false
			e.algo.Securities.Remove(d.Symbol)
			if e.algo.Positions != nil {
				e.algo.Positions.OnSecurityRemoved(sec)
			}
		}
	}
}

// liquidateForSplitWarnings flattens option positions on underlyings with
// a pending split once the submission window before the close is reached.
// Each warning triggers at most one liquidation pass.
func (e *Engine) liquidateForSplitWarnings(now time.Time) {
	for symbol, warning := range e.splitWarnings {
		if e.warningLiquidated[symbol] {
			continue
		}
		underlying, ok := e.algo.Securities.Get(symbol)
		if !ok {
			continue
		}
		marketClose := underlying.Exchange.NextMarketClose(now)
		if marketClose.Sub(now) > SubmissionTimeBuffer {
			continue
		}
		e.warningLiquidated[symbol] = true
		for _, sec := range e.algo.Securities.DerivativesOf(symbol.Ticker) {
			if sec.Symbol.Type != models.SecurityTypeOption || !sec.Holdings.Invested() {
				continue
			}
			// a delisting landing the same day already cashes the
			// position out; let it
			if d, pending := e.delistingWarnings[sec.Symbol]; pending && sameDay(d.Time, now) {
				continue
			}
			e.transactions.CancelOpenOrders(sec.Symbol, "liquidating ahead of underlying split")
			req := orders.NewSubmitRequest(sec.Symbol, orders.TypeMarketOnClose,
				-sec.Holdings.Quantity(), now, "liquidated ahead of split of "+symbol.String())
			if response := e.transactions.Process(req); response.IsError() {
				e.logger.Error().Stringer("symbol", sec.Symbol).Str("error", response.String()).
					Msg("Split safety liquidation rejected")
				continue
			}
			sec.IsTradable = false
			e.logger.Warn().Stringer("symbol", sec.Symbol).Float64("factor", warning.SplitFactor).
				Msg("Option position liquidated ahead of underlying split")
		}
	}
}

func sameDay(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}

func sortedDividends(m map[models.Symbol]models.Dividend) []models.Dividend {
	out := make([]models.Dividend, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol.Ticker < out[j].Symbol.Ticker })
	return out
}

func sortedSplits(m map[models.Symbol]models.Split) []models.Split {
	out := make([]models.Split, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol.Ticker < out[j].Symbol.Ticker })
	return out
}

func sortedDelistings(m map[models.Symbol]models.Delisting) []models.Delisting {
	out := make([]models.Delisting, 0, len(m))
	for _, d := range m {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol.Ticker < out[j].Symbol.Ticker })
	return out
}

func sortedSymbolChanges(m map[models.Symbol]models.SymbolChange) []models.SymbolChange {
	out := make([]models.SymbolChange, 0, len(m))
	for _, sc := range m {
		out = append(out, sc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Old.Ticker < out[j].Old.Ticker })
	return out
}
