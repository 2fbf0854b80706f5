package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"quantloop/internal/algorithm"
	"quantloop/internal/brokerage"
	"quantloop/internal/engine"
	"quantloop/internal/feed"
	"quantloop/internal/limits"
	"quantloop/internal/models"
	"quantloop/internal/positions"
	"quantloop/internal/realtime"
	"quantloop/internal/results"
	"quantloop/internal/securities"
)

func newRunCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a strategy",
	}
	cmd.AddCommand(newBacktestCmd(app))
	cmd.AddCommand(newLiveCmd(app))
	return cmd
}

func newBacktestCmd(app *App) *cobra.Command {
	var (
		strategyName string
		symbol       string
		from         string
		to           string
		cash         float64
	)

	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Replay stored candles through a strategy",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			strat, err := newStrategy(strategyName, symbol)
			if err != nil {
				return err
			}
			fromTime, toTime, err := parseRange(from, to)
			if err != nil {
				return err
			}
			if cash <= 0 {
				cash = app.Config.Backtest.StartingCash
			}
			if app.Store == nil {
				return fmt.Errorf("run store unavailable, cannot load candles")
			}
			bars, err := app.Store.GetCandles(cmd.Context(), symbol, models.ResolutionDaily, fromTime, toTime)
			if err != nil {
				return fmt.Errorf("loading candles: %w", err)
			}
			if len(bars) == 0 {
				return fmt.Errorf("no candles for %s in range, run 'quantloop data generate' first", symbol)
			}

			secStore := securities.NewStore()
			stream := feed.NewBacktestStream(secStore).AddBars(bars...)
			settings := engine.Settings{
				SettlementScanInterval:      app.Config.Engine.SettlementScanInterval,
				MarginScanInterval:          app.Config.Engine.MarginScanInterval,
				MarginAfterCorporateActions: app.Config.Engine.MarginAfterCorporateActions,
			}

			stats, status, runErr := app.runEngine(cmd.Context(), strat, strategyName, secStore, stream, cash, settings)
			printSummary(output, strategyName, symbol, stats, string(status))
			return runErr
		},
	}

	cmd.Flags().StringVar(&strategyName, "strategy", "buyhold", "strategy name")
	cmd.Flags().StringVar(&symbol, "symbol", "SPY", "ticker to trade")
	cmd.Flags().StringVar(&from, "from", "", "start date (YYYY-MM-DD)")
	cmd.Flags().StringVar(&to, "to", "", "end date (YYYY-MM-DD)")
	cmd.Flags().Float64Var(&cash, "cash", 0, "starting cash (default from config)")
	return cmd
}

func newLiveCmd(app *App) *cobra.Command {
	var (
		strategyName string
		symbol       string
		url          string
	)

	cmd := &cobra.Command{
		Use:   "live",
		Short: "Drive a strategy from a live tick feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			strat, err := newStrategy(strategyName, symbol)
			if err != nil {
				return err
			}
			if url == "" {
				url = app.Config.Live.FeedURL
			}
			if url == "" {
				return fmt.Errorf("no feed url, pass --url or set live.feed_url")
			}

			secStore := securities.NewStore()
			stream := feed.NewLiveStream(url, secStore, app.Config.Live.BatchInterval, app.Logger)
			settings := engine.Settings{
				SettlementScanInterval:      app.Config.Engine.SettlementScanInterval,
				MarginScanInterval:          app.Config.Engine.MarginScanInterval,
				MarginAfterCorporateActions: app.Config.Engine.MarginAfterCorporateActions,
				LiveMode:                    true,
			}

			stats, status, runErr := app.runEngine(cmd.Context(), strat, strategyName, secStore, stream,
				app.Config.Backtest.StartingCash, settings)
			printSummary(output, strategyName, symbol, stats, string(status))
			return runErr
		},
	}

	cmd.Flags().StringVar(&strategyName, "strategy", "smacross", "strategy name")
	cmd.Flags().StringVar(&symbol, "symbol", "SPY", "ticker to trade")
	cmd.Flags().StringVar(&url, "url", "", "websocket feed url")
	return cmd
}

// runEngine wires the collaborators around the strategy and runs the
// loop until the stream ends or a signal arrives.
func (app *App) runEngine(
	parent context.Context,
	strat algorithm.Strategy,
	name string,
	secStore *securities.Store,
	stream feed.Stream,
	cash float64,
	settings engine.Settings,
) (results.Statistics, models.AlgorithmStatus, error) {
	logger := app.Logger

	portfolio := securities.NewPortfolio(secStore, cash, logger)
	resolver := positions.NewResolver(positions.CoveredStrategy{})
	posManager := positions.NewManager(secStore, resolver, logger)
	algo := algorithm.New(name, strat, secStore, portfolio, posManager, logger)
	algo.SetLiveMode(settings.LiveMode)

	handler := brokerage.NewTransactionHandler(portfolio, secStore, logger)
	handler.SettlementDays = app.Config.Engine.SettlementDays
	marginModel := brokerage.NewMarginModel(portfolio, secStore, posManager, handler, logger)
	if r := app.Config.Engine.MaintenanceMarginRatio; r > 0 {
		marginModel.MaintenanceRatio = r
	}
	brokerModel := brokerage.NewDefaultModel(logger)

	runID := fmt.Sprintf("run-%d", time.Now().UnixNano())
	if app.Store != nil {
		if err := app.Store.CreateRun(parent, runID, name, time.Now().UTC()); err != nil {
			logger.Warn().Err(err).Msg("Failed to create run row")
		}
	}
	sink := results.NewHandler(portfolio, secStore, app.Store, runID, logger)

	scheduler := realtime.NewScheduler(logger)
	monitor := limits.NewMonitor(limits.MonitorConfig{
		TimeLoopMaximum: app.Config.Limits.TimeLoopMaximum,
		BucketCapacity:  float64(app.Config.Limits.BucketCapacity),
		RefillPerHour:   float64(app.Config.Limits.RefillPerHour),
	}, logger)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchdog := limits.NewWatchdog(monitor, time.Second, cancel, logger)
	go watchdog.Run(ctx)

	eng := engine.New(algo, stream, handler, sink, scheduler, marginModel, brokerModel,
		monitor, feed.NewRegistry(), settings, logger)
	err := eng.Run(ctx)
	return sink.Statistics(), algo.Status(), err
}

func parseRange(from, to string) (time.Time, time.Time, error) {
	toTime := time.Now().UTC()
	fromTime := toTime.AddDate(-1, 0, 0)
	var err error
	if from != "" {
		if fromTime, err = time.Parse("2006-01-02", from); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing --from: %w", err)
		}
	}
	if to != "" {
		if toTime, err = time.Parse("2006-01-02", to); err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("parsing --to: %w", err)
		}
	}
	if !fromTime.Before(toTime) {
		return time.Time{}, time.Time{}, fmt.Errorf("--from must precede --to")
	}
	return fromTime, toTime, nil
}

func printSummary(output *Output, strategy, symbol string, stats results.Statistics, status string) {
	if output.IsJSON() {
		output.JSON(map[string]interface{}{
			"strategy":        strategy,
			"symbol":          symbol,
			"status":          status,
			"starting_equity": stats.StartingEquity,
			"final_equity":    stats.FinalEquity,
			"total_return":    stats.TotalReturn,
			"max_drawdown":    stats.MaxDrawdown,
			"trades":          stats.Trades,
			"win_rate":        stats.WinRate,
		})
		return
	}

	bold := color.New(color.Bold)
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	output.Println()
	output.Printf("%s  %s on %s (%s)\n", bold.Sprint("Run summary"), strategy, symbol, status)
	output.Printf("  Starting equity: %14.2f\n", stats.StartingEquity)
	output.Printf("  Final equity:    %14.2f\n", stats.FinalEquity)
	ret := fmt.Sprintf("%+.2f%%", stats.TotalReturn*100)
	if stats.TotalReturn >= 0 {
		output.Printf("  Total return:    %14s\n", green.Sprint(ret))
	} else {
		output.Printf("  Total return:    %14s\n", red.Sprint(ret))
	}
	output.Printf("  Max drawdown:    %13.2f%%\n", stats.MaxDrawdown*100)
	output.Printf("  Trades:          %14d\n", stats.Trades)
	output.Printf("  Win rate:        %13.1f%%\n", stats.WinRate*100)
}
