package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Options Risk Core Configuration

# Trading mode: "live" or "paper"
mode = "paper"

[regime]
# Volatility-index bands, closed-open [min, max). max = 0 on the last band means unbounded.
# max_buying_power is the fraction of equity deployable as buying power.
[[regime.bands]]
name = "low"
min = 0.0
max = 13.0
max_buying_power = 0.80

[[regime.bands]]
name = "normal"
min = 13.0
max = 18.0
max_buying_power = 0.65

[[regime.bands]]
name = "elevated"
min = 18.0
max = 25.0
max_buying_power = 0.50

[[regime.bands]]
name = "high"
min = 25.0
max = 30.0
max_buying_power = 0.35

[[regime.bands]]
name = "extreme"
min = 30.0
max = 0.0
max_buying_power = 0.20

[sizing]
# Fraction of the raw risk-based contract count actually deployed
kelly_fraction = 0.25

[concentration]
# Maximum open positions per correlation group
default_group_cap = 3
# Factor applied to exposure ceilings during event windows
event_ceiling_factor = 0.5

[concentration.group_caps]
# energy = 2

[concentration.groups]
equities = ["SPY", "QQQ", "IWM", "DIA", "ES", "NQ"]
energy = ["USO", "XLE", "CL", "NG"]
metals = ["GLD", "SLV", "GC", "SI"]
bonds = ["TLT", "IEF", "ZB", "ZN"]
currencies = ["FXE", "FXY", "6E", "6J"]

# Per-underlying directional exposure ceiling by account equity
[[concentration.exposure_tiers]]
name = "low"
min_equity = 0.0
max_exposure = 50.0

[[concentration.exposure_tiers]]
name = "medium"
min_equity = 50000.0
max_exposure = 150.0

[[concentration.exposure_tiers]]
name = "high"
min_equity = 250000.0
max_exposure = 400.0

# High-risk event windows (RFC3339)
# [[concentration.events]]
# name = "FOMC"
# start = "2026-12-09T13:00:00-05:00"
# end = "2026-12-09T16:00:00-05:00"

[breaker]
# Loss limits are fractions of the period baseline equity
daily_loss_limit = 0.05
weekly_loss_limit = 0.08
monthly_loss_limit = 0.12
# Drawdown from the intraday high-water mark
intraday_drawdown_limit = 0.06
max_consecutive_losses = 3
# Loss rate trips once at least loss_rate_min_trades have closed today
loss_rate_limit = 0.60
loss_rate_min_trades = 5
# Re-arm requires the cooldown to elapse and equity to recover above the trip level
cooldown = "4h"
recovery_fraction = 0.02

[executor]
fill_timeout = "30s"
poll_interval = "500ms"
compensation_timeout = "30s"
compensation_attempts = 3
idempotency_ttl = "24h"

[coordinator]
# Bound on every market-data and balance call
data_timeout = "5s"
# Reconcile broker holdings every N ticks
reconcile_every = 1

[scheduler]
# Cron specs with a leading seconds field
tick_cron = "0 */5 9-16 * * 1-5"
prune_cron = "0 30 17 * * *"
timezone = "America/New_York"

[store]
path = "~/.config/options-riskcore/riskcore.db"
snapshot_retention = "720h"

[logging]
level = "info"
console = true
file = true
file_path = "~/.config/options-riskcore/logs/riskcore.log"
max_size = 100
max_backups = 7
max_age = 30

[metrics]
enabled = true
addr = ":9108"
# /healthz turns unhealthy when no tick completed for this long; "0s" disables
max_tick_age = "0s"

[notify]
# "all", "risk_only" (trips, orphans, failed executions) or "errors_only"
level = "all"

[notify.webhook]
enabled = false
url = ""
timeout = "10s"

[paper]
initial_equity = 100000.0
volatility_index = 16.0

[paper.prices]
SPY = 520.0

# Strategy deployments
# [[strategies]]
# id = "spy-put-spread"
# kind = "rule"
# underlying = "SPY"
# risk_fraction = 0.02
# max_loss_per_contract = 400.0
# margin_per_contract = 500.0
# exposure_per_contract = 5.0
# max_contracts = 10
# profit_target = 0.5
# stop_multiple = 2.0
# exit_dte = 21
#
# [[strategies.legs]]
# symbol = "SPY 2026-12-18 P500"
# kind = "PUT"
# side = "SELL"
# strike = 500.0
# expiry = "2026-12-18"
# ratio = 1
# multiplier = 100.0
# limit_price = 2.10
#
# [[strategies.legs]]
# symbol = "SPY 2026-12-18 P495"
# kind = "PUT"
# side = "BUY"
# strike = 495.0
# expiry = "2026-12-18"
# ratio = 1
# multiplier = 100.0
# limit_price = 1.20
`

// WriteTemplate writes the commented configuration template to configDir.
// It refuses to overwrite an existing file unless force is set.
func WriteTemplate(configDir string, force bool) (string, error) {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return "", fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "config.toml")
	if !force {
		if _, err := os.Stat(path); err == nil {
			return path, fmt.Errorf("config file already exists at %s", path)
		}
	}

	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return "", fmt.Errorf("writing config template: %w", err)
	}
	return path, nil
}

func createTemplateConfig(configDir string) error {
	path, err := WriteTemplate(configDir, false)
	if err != nil {
		return err
	}
	return fmt.Errorf("config file not found, created template at %s", path)
}
