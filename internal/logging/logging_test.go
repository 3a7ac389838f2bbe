package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-riskcore/internal/config"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func TestNewLogger_LevelFilter(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info().Msg("hidden")
	LogTrip(logger, "daily loss limit exceeded", 94000, time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "breaker_trip", lines[0]["event"])
	assert.Equal(t, "warn", lines[0]["level"])
	assert.Equal(t, 94000.0, lines[0]["equity"])
}

func TestNewLogger_ConsoleAndFile(t *testing.T) {
	var buf bytes.Buffer
	path := filepath.Join(t.TempDir(), "logs", "riskcore.log")
	logger := newLogger(config.LoggingConfig{Level: "info", Console: true, File: true, FilePath: path, MaxSize: 1}, &buf)

	logger.Info().Str("strategy", "spy-put").Msg("Entered")
	assert.Contains(t, buf.String(), "Entered")
	assert.Contains(t, buf.String(), "spy-put")
	assert.FileExists(t, path)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.ErrorLevel, ParseLevel("error"))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("verbose"))
}

func TestContextAndScopes(t *testing.T) {
	assert.Equal(t, zerolog.Disabled, FromContext(context.Background()).GetLevel())

	var buf bytes.Buffer
	base := newLogger(config.LoggingConfig{Level: "debug"}, &buf)
	ctx := WithLogger(context.Background(), base)

	logger := WithKey(WithPosition(WithStrategy(WithComponent(FromContext(ctx), "executor"), "spy-put"), "pos_1"), "k-1")
	LogLeg(logger, "ord_1", "SPY P500", "SELL", "FILLED", 2)
	LogDenial(logger, "spy-put", "SPY", errors.New("group at capacity"))
	LogCall(logger, "GetBalance", 3*time.Millisecond, nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 3)
	for _, l := range lines {
		assert.Equal(t, "executor", l["component"])
		assert.Equal(t, "pos_1", l["position"])
		assert.Equal(t, "k-1", l["key"])
	}
	assert.Equal(t, float64(2), lines[0]["quantity"])
	assert.Equal(t, "group at capacity", lines[1]["error"])
	assert.Equal(t, "Call completed", lines[2]["message"])
}
