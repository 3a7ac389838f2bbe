package cli

import (
	"fmt"
	"path/filepath"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"options-riskcore/internal/config"
)

func newConfigCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration management",
		Long:  "View, validate and create the configuration file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if output.IsJSON() {
				return output.JSON(app.Config)
			}
			showConfig(output, app.Config)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:         "path",
		Short:       "Show configuration file path",
		Annotations: map[string]string{skipConfig: "true"},
		Run: func(cmd *cobra.Command, args []string) {
			output := NewOutput(cmd)
			path := filepath.Join(app.ConfigDir, "config.toml")
			if output.IsJSON() {
				output.JSON(map[string]string{"path": path})
				return
			}
			output.Println(path)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			if err := app.Config.Validate(); err != nil {
				output.Error("Configuration validation failed: %v", err)
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]bool{"valid": true})
			}
			output.Success("Configuration is valid")
			return nil
		},
	})

	initCmd := &cobra.Command{
		Use:         "init",
		Short:       "Write a commented configuration template",
		Annotations: map[string]string{skipConfig: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			force, _ := cmd.Flags().GetBool("force")
			path, err := config.WriteTemplate(app.ConfigDir, force)
			if err != nil {
				return err
			}
			if output.IsJSON() {
				return output.JSON(map[string]string{"path": path})
			}
			output.Success("Configuration template written to %s", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "overwrite an existing config file")
	cmd.AddCommand(initCmd)

	return cmd
}

func showConfig(output *Output, cfg *config.Config) {
	output.Bold("General")
	output.Printf("  Mode:          %s\n", cfg.Mode)
	output.Printf("  Tick schedule: %s (%s)\n", cfg.Scheduler.TickCron, cfg.Scheduler.Timezone)
	output.Printf("  Store:         %s\n", cfg.Store.Path)
	output.Printf("  Kelly:         %.2f\n", cfg.Sizing.KellyFraction)
	output.Println()

	bands := output.NewTable("Regime", "VIX From", "VIX To", "Max Buying Power")
	for _, b := range cfg.Regime.Bands {
		upper := "open"
		if b.Max > 0 {
			upper = fmt.Sprintf("%.1f", b.Max)
		}
		bands.AppendRow(table.Row{b.Name, fmt.Sprintf("%.1f", b.Min), upper, FormatFraction(b.MaxBuyingPower)})
	}
	bands.Render()
	output.Println()

	br := cfg.Breaker
	output.Bold("Circuit Breaker")
	output.Printf("  Daily / weekly / monthly loss: %s / %s / %s\n",
		FormatFraction(br.DailyLossLimit), FormatFraction(br.WeeklyLossLimit), FormatFraction(br.MonthlyLossLimit))
	output.Printf("  Intraday drawdown:             %s\n", FormatFraction(br.IntradayDrawdownLimit))
	output.Printf("  Consecutive losses:            %d\n", br.MaxConsecutiveLosses)
	output.Printf("  Loss rate:                     %s after %d trades\n", FormatFraction(br.LossRateLimit), br.LossRateMinTrades)
	output.Printf("  Cooldown:                      %s\n", br.Cooldown)
	output.Println()

	strategies := output.NewTable("Strategy", "Kind", "Underlying", "Legs", "Risk", "Max Contracts")
	for _, s := range cfg.Strategies {
		kind := s.Kind
		if kind == "" {
			kind = "rule"
		}
		strategies.AppendRow(table.Row{s.ID, kind, s.Underlying, len(s.Legs), FormatFraction(s.RiskFraction), s.MaxContracts})
	}
	strategies.Render()
}
