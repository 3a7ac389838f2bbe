package cli

import (
	"fmt"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"options-riskcore/internal/breaker"
	"options-riskcore/internal/coordinator"
	"options-riskcore/internal/strategy"
)

func newStatusCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show account, breaker, limiter and strategy state",
		Long:  "Show the state saved by the latest tick. No broker calls are made.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Open(cmd.Context()); err != nil {
				return err
			}
			snap := app.Coordinator.Snapshot()

			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(snap)
			}
			printStatus(output, app.Coordinator, snap)
			return nil
		},
	}
}

func printStatus(output *Output, c *coordinator.Coordinator, snap coordinator.Snapshot) {
	acct := snap.Account
	if snap.Tick == 0 {
		output.Warning("No tick has run yet")
		return
	}

	output.Bold("Account (tick %d, %s)", snap.Tick, snap.TakenAt.Format(time.RFC3339))
	output.Printf("  Equity:       %s\n", FormatMoney(acct.Equity))
	output.Printf("  Cash:         %s\n", FormatMoney(acct.Cash))
	output.Printf("  Buying power: %s (%s)\n", FormatMoney(acct.BuyingPowerUsed), FormatFraction(acct.Utilization()))
	output.Printf("  Today:        %s, %d trades, %d losses\n",
		output.FormatPnL(acct.Equity-acct.DailyBaseline), acct.TradesToday, acct.LossesToday)
	if snap.Regime != nil {
		output.Printf("  Regime:       %s (VIX %.2f, max %s)\n",
			snap.Regime.Name, snap.Regime.Reading, FormatFraction(snap.Regime.MaxBuyingPower))
	}
	output.Println()

	if snap.Breaker.State == breaker.StateTripped {
		output.Error("Circuit breaker TRIPPED since %s: %s", snap.Breaker.TrippedAt.Format(time.RFC3339), snap.Breaker.Reason)
	} else {
		output.Success("Circuit breaker armed (%d trips)", snap.Breaker.Trips)
	}
	output.Println()

	led := snap.Limiter
	output.Bold("Concentration (tier %s, ceiling %.2f)", led.Tier, led.Ceiling)
	if led.EventActive {
		output.Warning("  Event window active, ceiling reduced")
	}
	groups := make([]string, 0, len(led.GroupCounts))
	for g := range led.GroupCounts {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	gt := output.NewTable("Group", "Open", "Cap")
	for _, g := range groups {
		gt.AppendRow(table.Row{g, led.GroupCounts[g], c.Limiter().Cap(g)})
	}
	gt.Render()
	output.Println()

	st := output.NewTable("Strategy", "Underlying", "State", "Contracts", "Buying Power", "Unrealized", "Note")
	for _, in := range snap.Instances {
		contracts, bp, pnl := "", "", ""
		if in.Position != nil && len(in.Position.Legs) > 0 {
			contracts = fmt.Sprintf("%d", in.Position.Legs[0].Quantity)
			bp = FormatMoney(in.Position.BuyingPower)
			pnl = output.FormatPnL(in.Position.UnrealizedPnL)
		}
		note := string(in.CloseReason)
		state := string(in.State)
		if in.State == strategy.StateOrphaned {
			note = in.OrphanReason
			state = output.ColoredString(ColorRed, state)
		}
		st.AppendRow(table.Row{in.ID, in.Underlying, state, contracts, bp, pnl, note})
	}
	st.Render()
}
