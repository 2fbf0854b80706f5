// Package results collects equity samples, order events and run
// statistics during a run and persists them through the run store.
package results

import (
	"context"
	"math"
	"time"

	"github.com/rs/zerolog"

	"quantloop/internal/models"
	"quantloop/internal/orders"
	"quantloop/internal/securities"
	"quantloop/internal/store"
)

// Handler is the loop's result sink. It samples the equity curve on a
// daily cadence, folds order events into trade statistics, and flushes
// to the run store at the synchronous flush points.
type Handler struct {
	portfolio  *securities.Portfolio
	securities *securities.Store
	runStore   *store.RunStore // nil disables persistence
	runID      string
	logger     zerolog.Logger

	startingEquity float64
	peakEquity     float64
	maxDrawdown    float64

	lastSampleDay time.Time
	finalSampled  bool
	curve         []store.EquityPoint
	unflushed     []store.EquityPoint

	trades       int
	winningTrade int
	realizedPnL  float64
	lastStatus   models.AlgorithmStatus
	dataPoints   int64
}

// NewHandler creates a result handler. runStore may be nil to keep
// results in memory only.
func NewHandler(portfolio *securities.Portfolio, secStore *securities.Store, runStore *store.RunStore, runID string, logger zerolog.Logger) *Handler {
	return &Handler{
		portfolio:  portfolio,
		securities: secStore,
		runStore:   runStore,
		runID:      runID,
		logger:     logger.With().Str("component", "results").Logger(),
	}
}

// Initialize records the starting equity baseline.
func (h *Handler) Initialize(now time.Time) {
	h.startingEquity = h.portfolio.TotalValue()
	h.peakEquity = h.startingEquity
	h.sample(now)
}

// AddDataPoints accumulates the processed data point counter.
func (h *Handler) AddDataPoints(n int) {
	h.dataPoints += int64(n)
}

// DataPoints returns the processed data point total.
func (h *Handler) DataPoints() int64 { return h.dataPoints }

// Sample records an equity point if the daily cadence has elapsed.
func (h *Handler) Sample(now time.Time) {
	day := now.Truncate(24 * time.Hour)
	if !day.After(h.lastSampleDay) {
		return
	}
	h.sample(now)
}

// SampleFinal records the terminal equity point exactly once; repeated
// calls during shutdown are suppressed.
func (h *Handler) SampleFinal(now time.Time) {
	if h.finalSampled {
		return
	}
	h.finalSampled = true
	h.sample(now)
}

func (h *Handler) sample(now time.Time) {
	equity := h.portfolio.TotalValue()
	if equity > h.peakEquity {
		h.peakEquity = equity
	}
	if h.peakEquity > 0 {
		dd := (h.peakEquity - equity) / h.peakEquity
		if dd > h.maxDrawdown {
			h.maxDrawdown = dd
		}
	}
	point := store.EquityPoint{Time: now, Equity: equity, Cash: h.portfolio.Cash()}
	h.curve = append(h.curve, point)
	h.unflushed = append(h.unflushed, point)
	h.lastSampleDay = now.Truncate(24 * time.Hour)
}

// OnOrderEvent folds the event into trade statistics and persists it.
func (h *Handler) OnOrderEvent(e orders.Event) {
	if e.Status == orders.StatusFilled {
		h.trades++
		total := h.totalRealizedPnL()
		if total > h.realizedPnL {
			h.winningTrade++
		}
		h.realizedPnL = total
	}
	if h.runStore == nil {
		return
	}
	err := h.runStore.SaveOrderEvent(context.Background(), h.runID, e.OrderID,
		e.Symbol.String(), string(e.Status), e.FillQty, e.FillPrice, e.Time, e.Message)
	if err != nil {
		h.logger.Error().Err(err).Int("order_id", e.OrderID).Msg("Failed to persist order event")
	}
}

func (h *Handler) totalRealizedPnL() float64 {
	var total float64
	for _, sec := range h.securities.All() {
		total += sec.Holdings.RealizedPnL()
	}
	return total
}

// OnSecuritiesChanged logs universe changes into the result stream.
func (h *Handler) OnSecuritiesChanged(changes *securities.Changes) {
	if changes == nil || changes.Count() == 0 {
		return
	}
	h.logger.Info().Int("added", len(changes.Added)).Int("removed", len(changes.Removed)).
		Msg("Universe changed")
}

// SendStatusUpdate records the algorithm status for the run summary.
func (h *Handler) SendStatusUpdate(status models.AlgorithmStatus) {
	if status == h.lastStatus {
		return
	}
	h.lastStatus = status
	h.logger.Info().Str("status", string(status)).Msg("Algorithm status")
}

// ProcessSynchronousEvents flushes buffered equity points to the store.
// forced flushes regardless of buffer size; otherwise small buffers wait.
func (h *Handler) ProcessSynchronousEvents(forced bool) {
	if h.runStore == nil || len(h.unflushed) == 0 {
		return
	}
	if !forced && len(h.unflushed) < 32 {
		return
	}
	if err := h.runStore.SaveEquityPoints(context.Background(), h.runID, h.unflushed); err != nil {
		h.logger.Error().Err(err).Int("points", len(h.unflushed)).Msg("Failed to persist equity points")
		return
	}
	h.unflushed = h.unflushed[:0]
}

// Statistics summarizes the run so far.
type Statistics struct {
	StartingEquity float64
	FinalEquity    float64
	TotalReturn    float64
	MaxDrawdown    float64
	Trades         int
	WinRate        float64
}

// Statistics computes the summary from the recorded curve and trades.
func (h *Handler) Statistics() Statistics {
	final := h.portfolio.TotalValue()
	if n := len(h.curve); n > 0 {
		final = h.curve[n-1].Equity
	}
	stats := Statistics{
		StartingEquity: h.startingEquity,
		FinalEquity:    final,
		MaxDrawdown:    h.maxDrawdown,
		Trades:         h.trades,
	}
	if h.startingEquity != 0 {
		stats.TotalReturn = (final - h.startingEquity) / h.startingEquity
	}
	if h.trades > 0 {
		stats.WinRate = float64(h.winningTrade) / float64(h.trades)
	}
	if math.IsNaN(stats.TotalReturn) {
		stats.TotalReturn = 0
	}
	return stats
}

// EquityCurve returns a copy of the recorded curve.
func (h *Handler) EquityCurve() []store.EquityPoint {
	out := make([]store.EquityPoint, len(h.curve))
	copy(out, h.curve)
	return out
}

// Finish flushes everything and closes out the run row.
func (h *Handler) Finish(now time.Time, status models.AlgorithmStatus, runErr string) {
	h.SampleFinal(now)
	h.ProcessSynchronousEvents(true)
	stats := h.Statistics()
	h.logger.Info().
		Float64("final_equity", stats.FinalEquity).
		Float64("total_return", stats.TotalReturn).
		Float64("max_drawdown", stats.MaxDrawdown).
		Int("trades", stats.Trades).
		Msg("Run finished")
	if h.runStore == nil {
		return
	}
	err := h.runStore.FinishRun(context.Background(), h.runID, now, status,
		stats.FinalEquity, stats.TotalReturn, stats.MaxDrawdown, h.dataPoints, runErr)
	if err != nil {
		h.logger.Error().Err(err).Str("run_id", h.runID).Msg("Failed to close out run")
	}
}
