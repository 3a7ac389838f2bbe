package cli

import (
	"time"

	"github.com/spf13/cobra"

	"options-riskcore/internal/breaker"
)

func newBreakerCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "breaker",
		Short: "Circuit breaker controls",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show breaker state and the conditions that currently hold",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Open(cmd.Context()); err != nil {
				return err
			}
			acct := app.Coordinator.Account()
			br := app.Coordinator.Breaker()
			snap := br.Snapshot()
			conds := br.Conditions(&acct)

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"breaker":    snap,
					"conditions": conds,
				})
			}
			if snap.State == breaker.StateTripped {
				output.Error("TRIPPED at %s: %s", snap.TrippedAt.Format(time.RFC3339), snap.Reason)
			} else {
				output.Success("ARMED")
			}
			for _, c := range conds {
				output.Warning("  %s: %s", c.Name, c.Reason)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Re-arm a tripped breaker",
		Long: `Re-arm the circuit breaker by operator request and save the result.
A loss condition that still holds trips it again on the next tick.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Open(cmd.Context()); err != nil {
				return err
			}
			output := NewOutput(cmd)
			br := app.Coordinator.Breaker()
			if !br.IsTripped() {
				output.Info("Circuit breaker is already armed")
				return nil
			}
			app.Coordinator.ResetBreaker(cmd.Context(), time.Now())
			app.Logger.Warn().Msg("Circuit breaker reset from CLI")
			if output.IsJSON() {
				return output.JSON(br.Snapshot())
			}
			output.Success("Circuit breaker re-armed")
			return nil
		},
	})

	return cmd
}
