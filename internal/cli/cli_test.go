package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-riskcore/internal/coordinator"
	"options-riskcore/internal/strategy"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&buf)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return buf.String(), err
}

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	expiry := time.Now().AddDate(0, 0, 60).Format("2006-01-02")
	body := fmt.Sprintf(`mode = "paper"

[store]
path = %q

[logging]
level = "error"
console = false
file = false

[metrics]
enabled = false

[scheduler]
timezone = "UTC"

[paper]
initial_equity = 100000.0
volatility_index = 16.0

[paper.prices]
SPY = 520.0

[[strategies]]
id = "spy-put-spread"
underlying = "SPY"
risk_fraction = 0.02
max_loss_per_contract = 400.0
margin_per_contract = 500.0
exposure_per_contract = 5.0
max_contracts = 2

[[strategies.legs]]
symbol = "SPY P500"
kind = "PUT"
side = "SELL"
strike = 500.0
expiry = %q
multiplier = 100.0
limit_price = 2.0

[[strategies.legs]]
symbol = "SPY P495"
kind = "PUT"
side = "BUY"
strike = 495.0
expiry = %q
multiplier = 100.0
limit_price = 1.0
`, filepath.Join(dir, "riskcore.db"), expiry, expiry)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.toml"), []byte(body), 0644))
	return dir
}

func TestVersion_JSON(t *testing.T) {
	out, err := execute(t, "version", "--json")
	require.NoError(t, err)

	var v map[string]string
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	assert.Equal(t, Version, v["version"])
}

func TestConfigInit_WritesTemplateOnce(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "config", "init", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, filepath.Join(dir, "config.toml"))

	_, err = execute(t, "config", "init", "--config", dir)
	assert.Error(t, err, "an existing file is not overwritten")

	_, err = execute(t, "config", "init", "--config", dir, "--force")
	require.NoError(t, err)

	out, err = execute(t, "config", "path", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "config.toml")
}

func TestConfig_MissingFileCreatesTemplate(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "config", "validate", "--config", dir)
	require.Error(t, err)
	assert.FileExists(t, filepath.Join(dir, "config.toml"))
}

func TestConfig_ValidateAndShow(t *testing.T) {
	dir := writeConfig(t)

	out, err := execute(t, "config", "validate", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "Configuration is valid")

	out, err = execute(t, "config", "show", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "spy-put-spread")
	assert.Contains(t, out, "normal")
}

func TestTickStatusAndRestart(t *testing.T) {
	dir := writeConfig(t)

	out, err := execute(t, "tick", "--json", "--config", dir)
	require.NoError(t, err, out)

	var rep coordinator.TickReport
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, int64(1), rep.Tick)
	require.Len(t, rep.Outcomes, 1)
	assert.Equal(t, coordinator.StatusFilled, rep.Outcomes[0].Status, rep.Outcomes[0].Reason)
	assert.Equal(t, 1, rep.Outcomes[0].Contracts)

	// A new process restores the position and the paper book agrees with it.
	out, err = execute(t, "tick", "--json", "--config", dir)
	require.NoError(t, err, out)
	rep = coordinator.TickReport{}
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	assert.Equal(t, int64(2), rep.Tick)
	assert.Empty(t, rep.Mismatches)
	assert.Empty(t, rep.Orphaned)

	out, err = execute(t, "status", "--json", "--config", dir)
	require.NoError(t, err)
	var snap coordinator.Snapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Len(t, snap.Instances, 1)
	assert.Equal(t, strategy.StateOpen, snap.Instances[0].State)
	assert.InDelta(t, 500, snap.Account.BuyingPowerUsed, 1e-6)

	out, err = execute(t, "status", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "spy-put-spread")
	assert.Contains(t, out, "armed")

	out, err = execute(t, "snapshots", "--json", "--config", dir)
	require.NoError(t, err)
	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Len(t, rows, 2)

	out, err = execute(t, "trades", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "No trades journaled")

	out, err = execute(t, "breaker", "reset", "--config", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "already armed")
}

func TestOpen_RejectsLiveMode(t *testing.T) {
	dir := writeConfig(t)
	path := filepath.Join(dir, "config.toml")
	body, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.Replace(body, []byte(`mode = "paper"`), []byte(`mode = "live"`), 1), 0644))

	_, err = execute(t, "tick", "--config", dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only paper is built in")
}

func TestFormatMoney(t *testing.T) {
	assert.Equal(t, "$0.00", FormatMoney(0))
	assert.Equal(t, "$1,234.50", FormatMoney(1234.5))
	assert.Equal(t, "-$1,000,000.00", FormatMoney(-1e6))
	assert.Equal(t, "$999.99", FormatMoney(999.99))
}
