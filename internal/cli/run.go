package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"options-riskcore/internal/coordinator"
	"options-riskcore/internal/health"
	"options-riskcore/internal/metrics"
	"options-riskcore/internal/notify"
	"options-riskcore/internal/scheduler"
)

func newRunCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run scheduled ticks until interrupted",
		Long: `Restore the latest snapshot, then tick on the configured schedule.
Snapshots older than the retention window are pruned on the prune schedule.
Stops cleanly on SIGINT or SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := app.Open(ctx); err != nil {
				return err
			}

			sched, err := scheduler.New(app.Config.Scheduler, app.Config.Store.SnapshotRetention,
				app.Coordinator, app.Coordinator, app.Logger)
			if err != nil {
				return err
			}
			notifier := notify.NewMultiNotifier(app.Config.Notify, app.Logger)
			sched.OnReport(func(rep coordinator.TickReport) {
				if err := notifier.NotifyReport(ctx, rep); err != nil {
					app.Logger.Warn().Err(err).Int64("tick", rep.Tick).Msg("Notification failed")
				}
			})

			monitor := health.NewMonitor(app.Config.Coordinator.DataTimeout)
			monitor.RegisterComponent("ticks", health.TickCheck(app.Coordinator, app.Config.Metrics.MaxTickAge, time.Now))
			monitor.RegisterComponent("store", health.StoreCheck(app.Store))

			metricsErr := make(chan error, 1)
			if app.Config.Metrics.Enabled {
				go func() {
					metricsErr <- metrics.Serve(ctx, app.Config.Metrics.Addr, map[string]http.Handler{
						"/healthz": monitor.Handler(),
					})
				}()
				app.Logger.Info().Str("addr", app.Config.Metrics.Addr).Msg("Metrics server started")
			}

			sched.Start()
			app.Logger.Info().
				Str("tick_cron", app.Config.Scheduler.TickCron).
				Str("timezone", app.Config.Scheduler.Timezone).
				Msg("Risk core running")

			select {
			case <-ctx.Done():
			case err = <-metricsErr:
				if err != nil {
					app.Logger.Error().Err(err).Msg("Metrics server failed")
				}
			}

			app.Logger.Info().Msg("Shutting down")
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			sched.Stop(stopCtx)
			return err
		},
	}
}

func newTickCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single tick now and print the report",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Open(cmd.Context()); err != nil {
				return err
			}
			rep := app.Coordinator.Tick(cmd.Context(), time.Now())
			notifier := notify.NewMultiNotifier(app.Config.Notify, app.Logger)
			if err := notifier.NotifyReport(cmd.Context(), rep); err != nil {
				app.Logger.Warn().Err(err).Msg("Notification failed")
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(rep)
			}
			printReport(output, rep)
			if rep.DataError != "" {
				return errors.New(rep.DataError)
			}
			return nil
		},
	}
}

func printReport(output *Output, rep coordinator.TickReport) {
	output.Bold("Tick %d at %s", rep.Tick, rep.At.Format(time.RFC3339))
	regime := "unavailable"
	if rep.Regime != nil {
		regime = fmt.Sprintf("%s (VIX %.2f, max %s)", rep.Regime.Name, rep.Regime.Reading, FormatFraction(rep.Regime.MaxBuyingPower))
	}
	output.Printf("  Regime:  %s\n", regime)
	output.Printf("  Equity:  %s\n", FormatMoney(rep.Equity))
	output.Printf("  Breaker: %s\n", rep.Breaker)

	switch {
	case rep.Tripped:
		output.Error("Circuit breaker tripped: %s", rep.Reason)
	case rep.Rearmed:
		output.Success("Circuit breaker re-armed")
	}
	if rep.DataError != "" {
		output.Warning("Market data degraded: %s", rep.DataError)
	}
	if rep.Cancelled > 0 || len(rep.Flattened) > 0 {
		output.Warning("Flatten: %d orders cancelled, %d positions closed", rep.Cancelled, len(rep.Flattened))
	}
	for _, id := range rep.Orphaned {
		output.Error("Orphaned: %s", id)
	}
	for _, m := range rep.Mismatches {
		output.Error("Holdings mismatch %s: expected %d, broker %d", m.Symbol, m.Expected, m.Actual)
	}

	if len(rep.Outcomes) == 0 {
		return
	}
	output.Println()
	t := output.NewTable("Strategy", "Action", "Status", "Contracts", "P&L", "Reason")
	for _, o := range rep.Outcomes {
		pnl := ""
		if o.RealizedPnL != 0 {
			pnl = output.FormatPnL(o.RealizedPnL)
		}
		status := o.Status
		switch o.Status {
		case coordinator.StatusFilled:
			status = output.ColoredString(ColorGreen, status)
		case coordinator.StatusFailed:
			status = output.ColoredString(ColorRed, status)
		case coordinator.StatusDenied:
			status = output.ColoredString(ColorYellow, status)
		}
		t.AppendRow(table.Row{o.StrategyID, o.Action, status, o.Contracts, pnl, o.Reason})
	}
	t.Render()
}
