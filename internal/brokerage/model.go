package brokerage

import (
	"github.com/rs/zerolog"

	"quantloop/internal/models"
	"quantloop/internal/orders"
)

// DefaultModel carries the brokerage-side behaviors the loop defers to:
// rescaling open orders across splits and deciding settlement terms.
type DefaultModel struct {
	logger zerolog.Logger

	// SettlementDays applied to sell proceeds; zero for immediate.
	SettlementDays int
}

// NewDefaultModel creates the stock backtesting brokerage model.
func NewDefaultModel(logger zerolog.Logger) *DefaultModel {
	return &DefaultModel{logger: logger.With().Str("component", "brokerage").Logger()}
}

// ApplySplit rescales open orders for the split symbol so they target the
// same economic exposure after the factor is applied to prices. A 2:1
// split arrives as factor 0.5: limit and stop prices multiply by the
// factor, quantities divide by it.
func (m *DefaultModel) ApplySplit(open []*orders.Order, split models.Split) {
	if split.SplitFactor == 0 {
		return
	}
	for _, o := range open {
		if o.Symbol != split.Symbol {
			continue
		}
		o.Quantity /= split.SplitFactor
		o.FilledQty /= split.SplitFactor
		if o.LimitPrice != 0 {
			o.LimitPrice *= split.SplitFactor
		}
		if o.StopPrice != 0 {
			o.StopPrice *= split.SplitFactor
		}
		o.AvgFillPrice *= split.SplitFactor
		m.logger.Debug().Int("order_id", o.ID).Stringer("symbol", o.Symbol).
			Float64("factor", split.SplitFactor).Msg("Open order rescaled for split")
	}
}
