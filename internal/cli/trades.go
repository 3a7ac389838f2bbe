package cli

import (
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"options-riskcore/internal/store"
)

func newTradesCmd(app *App) *cobra.Command {
	var (
		strategyID string
		underlying string
		days       int
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Show the trade journal and its statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.OpenStore(); err != nil {
				return err
			}

			filter := store.TradeFilter{
				StrategyID: strategyID,
				Underlying: strings.ToUpper(underlying),
				Limit:      limit,
			}
			if days > 0 {
				filter.From = time.Now().AddDate(0, 0, -days)
			}

			trades, err := app.Store.GetTrades(cmd.Context(), filter)
			if err != nil {
				return err
			}
			filter.Limit = 0
			stats, err := app.Store.TradeStats(cmd.Context(), filter)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"trades": trades,
					"stats":  stats,
				})
			}

			if len(trades) == 0 {
				output.Info("No trades journaled")
				return nil
			}
			t := output.NewTable("Closed", "Strategy", "Underlying", "Held", "Credit", "P&L", "Reason")
			for _, tr := range trades {
				t.AppendRow(table.Row{
					tr.ExitTime.Format("2006-01-02 15:04"),
					tr.StrategyID,
					tr.Underlying,
					tr.HoldDuration.Round(time.Minute).String(),
					FormatMoney(tr.EntryCredit),
					output.FormatPnL(tr.RealizedPnL),
					string(tr.Reason),
				})
			}
			t.Render()
			output.Println()

			output.Bold("Summary")
			output.Printf("  Trades:   %d (%d wins, %d losses)\n", stats.Count, stats.Wins, stats.Losses)
			output.Printf("  Win rate: %s\n", FormatFraction(stats.WinRate()))
			output.Printf("  Realized: %s\n", output.FormatPnL(stats.RealizedPnL))
			output.Printf("  Avg hold: %s\n", stats.AvgHold.Round(time.Minute))
			return nil
		},
	}

	cmd.Flags().StringVarP(&strategyID, "strategy", "s", "", "filter by strategy id")
	cmd.Flags().StringVarP(&underlying, "underlying", "u", "", "filter by underlying")
	cmd.Flags().IntVarP(&days, "days", "d", 0, "only trades closed in the last N days")
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "maximum trades to list")

	return cmd
}

func newSnapshotsCmd(app *App) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "snapshots",
		Short: "List saved coordinator snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.OpenStore(); err != nil {
				return err
			}
			recs, err := app.Store.ListSnapshots(cmd.Context(), limit)
			if err != nil {
				return err
			}

			output := NewOutput(cmd)
			if output.IsJSON() {
				type row struct {
					ID      int64     `json:"id"`
					Tick    int64     `json:"tick"`
					TakenAt time.Time `json:"taken_at"`
					Equity  float64   `json:"equity"`
					Breaker string    `json:"breaker"`
				}
				rows := make([]row, 0, len(recs))
				for _, r := range recs {
					rows = append(rows, row{r.ID, r.Tick, r.TakenAt, r.Equity, r.BreakerState})
				}
				return output.JSON(rows)
			}

			t := output.NewTable("ID", "Tick", "Taken", "Equity", "Breaker")
			for _, r := range recs {
				t.AppendRow(table.Row{r.ID, r.Tick, r.TakenAt.Format(time.RFC3339), FormatMoney(r.Equity), r.BreakerState})
			}
			t.Render()
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum snapshots to list")
	return cmd
}
