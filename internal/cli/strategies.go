package cli

import (
	"fmt"
	"math"

	"quantloop/internal/algorithm"
	"quantloop/internal/models"
	"quantloop/internal/orders"
)

// newStrategy resolves a built-in strategy by name.
func newStrategy(name, symbol string) (algorithm.Strategy, error) {
	switch name {
	case "buyhold":
		return &buyHoldStrategy{ticker: symbol}, nil
	case "smacross":
		return &smaCrossStrategy{ticker: symbol, fast: 10, slow: 30}, nil
	default:
		return nil, fmt.Errorf("unknown strategy %q (available: buyhold, smacross)", name)
	}
}

// buyHoldStrategy buys the full portfolio on the first bar and holds.
type buyHoldStrategy struct {
	ticker   string
	symbol   models.Symbol
	algo     *algorithm.Algorithm
	invested bool
}

func (s *buyHoldStrategy) Initialize(algo *algorithm.Algorithm) error {
	s.algo = algo
	sec := algo.AddSecurity(s.ticker, models.ResolutionDaily)
	s.symbol = sec.Symbol
	return nil
}

func (s *buyHoldStrategy) OnData(slice *models.Slice) error {
	if s.invested || s.algo.IsWarmingUp() {
		return nil
	}
	price, ok := slice.Price(s.symbol)
	if !ok || price <= 0 {
		return nil
	}
	qty := math.Floor(s.algo.Portfolio.Cash() * 0.95 / price)
	if qty < 1 {
		return nil
	}
	response := s.algo.MarketOrder(s.symbol, qty, "initial entry")
	if response.IsSuccess() {
		s.invested = true
	}
	return nil
}

// smaCrossStrategy trades a fast/slow moving average crossover.
type smaCrossStrategy struct {
	ticker string
	symbol models.Symbol
	algo   *algorithm.Algorithm

	fast   int
	slow   int
	closes []float64
	long   bool
}

func (s *smaCrossStrategy) Initialize(algo *algorithm.Algorithm) error {
	s.algo = algo
	sec := algo.AddSecurity(s.ticker, models.ResolutionDaily)
	s.symbol = sec.Symbol
	return nil
}

func (s *smaCrossStrategy) OnData(slice *models.Slice) error {
	bar, ok := slice.Bars[s.symbol]
	if !ok {
		return nil
	}
	s.closes = append(s.closes, bar.Close)
	if len(s.closes) > s.slow {
		s.closes = s.closes[len(s.closes)-s.slow:]
	}
	if len(s.closes) < s.slow || s.algo.IsWarmingUp() {
		return nil
	}

	fast := mean(s.closes[len(s.closes)-s.fast:])
	slow := mean(s.closes)

	switch {
	case fast > slow && !s.long:
		qty := math.Floor(s.algo.Portfolio.Cash() * 0.95 / bar.Close)
		if qty >= 1 {
			if response := s.algo.MarketOrder(s.symbol, qty, "golden cross"); response.IsSuccess() {
				s.long = true
			}
		}
	case fast < slow && s.long:
		s.algo.Liquidate("death cross")
		s.long = false
	}
	return nil
}

// OnOrderEvent logs fills at debug level.
func (s *smaCrossStrategy) OnOrderEvent(event orders.Event) error {
	s.algo.Logger.Debug().Str("event", event.String()).Msg("Order event")
	return nil
}

func mean(values []float64) float64 {
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}
