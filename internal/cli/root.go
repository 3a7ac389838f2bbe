// Package cli provides the command-line interface for the risk core.
package cli

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"options-riskcore/internal/broker"
	"options-riskcore/internal/config"
	"options-riskcore/internal/coordinator"
	"options-riskcore/internal/logging"
	"options-riskcore/internal/store"
	"options-riskcore/internal/strategy"
)

// Version information
const (
	Version   = "0.1.0"
	BuildDate = "2026-10-01"
)

// skipConfig marks commands that run without a loaded configuration.
const skipConfig = "skip-config"

// App holds the application dependencies.
type App struct {
	Config      *config.Config
	ConfigDir   string
	Logger      zerolog.Logger
	Broker      broker.Broker
	Store       store.Store
	Coordinator *coordinator.Coordinator
}

// NewRootCmd creates the root command for the CLI.
func NewRootCmd() *cobra.Command {
	app := &App{Logger: zerolog.Nop()}

	rootCmd := &cobra.Command{
		Use:   "riskcore",
		Short: "Options risk and execution core",
		Long: `riskcore runs multi-leg options strategies behind a shared risk layer.

Each scheduled tick refreshes the account, checks the circuit breaker,
sizes and limits new entries, and executes every multi-leg order as one
all-or-nothing transaction.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("config")
			if dir == "" {
				dir = config.DefaultConfigDir()
			}
			app.ConfigDir = dir

			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			cfg, err := config.Load(dir)
			if err != nil {
				return err
			}
			if debug, _ := cmd.Flags().GetBool("debug"); debug {
				cfg.Logging.Level = "debug"
			}
			app.Config = cfg
			app.Logger = logging.NewLogger(cfg.Logging)
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return app.Close()
		},
	}

	rootCmd.PersistentFlags().String("config", "", "config directory (default: ~/.config/options-riskcore)")
	rootCmd.PersistentFlags().Bool("json", false, "output in JSON format")
	rootCmd.PersistentFlags().Bool("debug", false, "enable debug logging")

	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newConfigCmd(app))
	rootCmd.AddCommand(newRunCmd(app))
	rootCmd.AddCommand(newTickCmd(app))
	rootCmd.AddCommand(newStatusCmd(app))
	rootCmd.AddCommand(newBreakerCmd(app))
	rootCmd.AddCommand(newTradesCmd(app))
	rootCmd.AddCommand(newSnapshotsCmd(app))

	return rootCmd
}

// Open wires the broker, store and coordinator from the loaded config and
// restores the latest snapshot.
func (a *App) Open(ctx context.Context) error {
	if a.Coordinator != nil {
		return nil
	}
	if a.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}
	if !a.Config.IsPaperMode() {
		return fmt.Errorf("mode %q has no broker adapter, only paper is built in", a.Config.Mode)
	}

	paper := broker.NewPaperBroker(broker.PaperBrokerConfig{
		InitialEquity:   a.Config.Paper.InitialEquity,
		VolatilityIndex: a.Config.Paper.VolatilityIndex,
		Prices:          a.Config.Paper.Prices,
	})
	a.Broker = paper

	if err := a.OpenStore(); err != nil {
		return err
	}

	instances, err := strategy.Build(a.Config.Strategies)
	if err != nil {
		return err
	}

	c, err := coordinator.New(a.Config, a.Broker, a.Store, instances, a.Logger)
	if err != nil {
		return err
	}

	restored, err := c.LoadLatest(ctx)
	if err != nil {
		return fmt.Errorf("restore snapshot: %w", err)
	}
	if restored {
		// A fresh paper book knows nothing of the restored positions.
		snap := c.Snapshot()
		paper.Seed(snap.Account.Equity, snap.Positions())
	}

	a.Coordinator = c
	a.Logger.Debug().
		Int("strategies", len(instances)).
		Bool("restored", restored).
		Msg("Coordinator initialized")
	return nil
}

// OpenStore opens the configured store once.
func (a *App) OpenStore() error {
	if a.Store != nil {
		return nil
	}
	if a.Config == nil {
		return fmt.Errorf("configuration not loaded")
	}
	st, err := store.NewSQLiteStore(a.Config.Store.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.Store = st
	return nil
}

// Close releases the store.
func (a *App) Close() error {
	if a.Store == nil {
		return nil
	}
	err := a.Store.Close()
	a.Store = nil
	return err
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:         "version",
		Short:       "Print version information",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			if output.IsJSON() {
				output.JSON(map[string]string{
					"version":    Version,
					"build_date": BuildDate,
				})
				return
			}
			output.Printf("riskcore v%s\n", Version)
			output.Dim("Build date: %s", BuildDate)
		},
	}
}
