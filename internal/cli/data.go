package cli

import (
	"fmt"
	"math/rand"
	"time"

	"github.com/spf13/cobra"

	"quantloop/internal/models"
	"quantloop/pkg/utils"
)

func newDataCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "data",
		Short: "Manage stored market data",
	}
	cmd.AddCommand(newDataGenerateCmd(app))
	cmd.AddCommand(newDataShowCmd(app))
	return cmd
}

func newDataGenerateCmd(app *App) *cobra.Command {
	var (
		symbol string
		days   int
		start  float64
		seed   int64
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate synthetic daily candles for backtesting",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("run store unavailable")
			}
			if seed == 0 {
				seed = time.Now().UnixNano()
			}
			bars := generateRandomWalk(symbol, days, start, seed)
			if err := app.Store.SaveCandles(cmd.Context(), symbol, models.ResolutionDaily, bars); err != nil {
				return fmt.Errorf("saving candles: %w", err)
			}
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{"symbol": symbol, "bars": len(bars)})
			}
			output.Success("Generated %d daily candles for %s", len(bars), symbol)
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "SPY", "ticker")
	cmd.Flags().IntVar(&days, "days", 365, "number of trading days")
	cmd.Flags().Float64Var(&start, "start-price", 100, "initial price")
	cmd.Flags().Int64Var(&seed, "seed", 0, "random seed (0 for time-based)")
	return cmd
}

func newDataShowCmd(app *App) *cobra.Command {
	var symbol string

	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show stored candles for a symbol",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if app.Store == nil {
				return fmt.Errorf("run store unavailable")
			}
			to := time.Now().UTC()
			from := to.AddDate(-10, 0, 0)
			bars, err := app.Store.GetCandles(cmd.Context(), symbol, models.ResolutionDaily, from, to)
			if err != nil {
				return fmt.Errorf("loading candles: %w", err)
			}
			if output.IsJSON() {
				return output.JSON(bars)
			}
			if len(bars) == 0 {
				output.Warn("No candles stored for %s", symbol)
				return nil
			}
			first, last := bars[0], bars[len(bars)-1]
			output.Bold("%s: %d candles", symbol, len(bars))
			output.Printf("  First: %s close %s\n", first.Time.Format("2006-01-02"), utils.FormatUSD(first.Close))
			output.Printf("  Last:  %s close %s\n", last.Time.Format("2006-01-02"), utils.FormatUSD(last.Close))
			return nil
		},
	}

	cmd.Flags().StringVar(&symbol, "symbol", "SPY", "ticker")
	return cmd
}

// generateRandomWalk produces a geometric random walk of daily candles
// ending yesterday, skipping weekends.
func generateRandomWalk(symbol string, days int, start float64, seed int64) []models.Bar {
	rng := rand.New(rand.NewSource(seed))
	sym := models.NewSymbol(symbol)

	// walk the calendar backwards to find the first trading day
	day := time.Now().UTC().AddDate(0, 0, -1).Truncate(24 * time.Hour)
	calendar := make([]time.Time, 0, days)
	for len(calendar) < days {
		if day.Weekday() != time.Saturday && day.Weekday() != time.Sunday {
			calendar = append(calendar, day)
		}
		day = day.AddDate(0, 0, -1)
	}

	bars := make([]models.Bar, 0, days)
	price := start
	for i := len(calendar) - 1; i >= 0; i-- {
		open := price
		close := open * (1 + rng.NormFloat64()*0.015 + 0.0002)
		high := open
		low := open
		if close > high {
			high = close
		}
		if close < low {
			low = close
		}
		high *= 1 + rng.Float64()*0.005
		low *= 1 - rng.Float64()*0.005
		bars = append(bars, models.Bar{
			Symbol: sym,
			Time:   calendar[i],
			Open:   open,
			High:   high,
			Low:    low,
			Close:  close,
			Volume: 1_000_000 + rng.Int63n(5_000_000),
			Period: 24 * time.Hour,
		})
		price = close
	}
	return bars
}
