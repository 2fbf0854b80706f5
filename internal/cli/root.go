package cli

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"quantloop/internal/config"
	"quantloop/internal/logging"
	"quantloop/internal/store"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-01-01"
)

// App holds the application dependencies.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Store  *store.RunStore
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd(cfg *config.Config, logger zerolog.Logger) *cobra.Command {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	runStore, err := store.NewRunStore(config.DefaultDBPath())
	if err != nil {
		logger.Warn().Err(err).Msg("Failed to open run store, results will not be persisted")
	} else {
		app.Store = runStore
		logger.Debug().Msg("Run store initialized")
	}

	rootCmd := &cobra.Command{
		Use:   "quantloop",
		Short: "quantloop - event-driven algorithm backtesting engine",
		Long: `quantloop runs trading algorithms against historical or live market
data through a deterministic event loop: market data, corporate actions,
order fills and margin checks all flow through one synchronized sequence.

Use 'quantloop run backtest' to replay stored candles through a strategy,
or 'quantloop run live' to drive the same strategy from a tick feed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				logging.SetDebugLevel()
				app.Logger = app.Logger.Level(zerolog.DebugLevel)
			}
			return nil
		},
	}

	// Global flags
	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/quantloop)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newDataCmd(app))

	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
			} else {
				output.Printf("quantloop v%s\n", Version)
				output.Dim("Build date: %s", BuildDate)
			}
		},
	}
}

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View and validate application configuration.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			output.Bold("Engine")
			output.Printf("  Settlement scan interval: %s\n", app.Config.Engine.SettlementScanInterval)
			output.Printf("  Margin scan interval:     %s\n", app.Config.Engine.MarginScanInterval)
			output.Printf("  Margin after splits:      %v\n", app.Config.Engine.MarginAfterCorporateActions)
			output.Printf("  Settlement days:          %d\n", app.Config.Engine.SettlementDays)
			output.Println()
			output.Bold("Backtest")
			output.Printf("  Starting cash: %.2f\n", app.Config.Backtest.StartingCash)
			output.Println()
			output.Bold("Limits")
			output.Printf("  Time loop maximum: %s\n", app.Config.Limits.TimeLoopMaximum)
			output.Printf("  Bucket capacity:   %d\n", app.Config.Limits.BucketCapacity)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show configuration directory path",
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{"path": config.DefaultConfigDir()})
			} else {
				output.Println(config.DefaultConfigDir())
			}
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				output.JSON(map[string]bool{"valid": true})
			} else {
				output.Success("Configuration is valid")
			}
			return nil
		},
	})

	return cmd
}
