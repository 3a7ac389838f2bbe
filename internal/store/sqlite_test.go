package store

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "nested", "riskcore.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSnapshots_SaveAndLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.LatestSnapshot(ctx)
	assert.ErrorIs(t, err, apperrors.ErrNoSnapshot)

	base := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	for i := 1; i <= 3; i++ {
		rec := &SnapshotRecord{
			Tick:         int64(i),
			TakenAt:      base.Add(time.Duration(i) * time.Minute),
			Equity:       40000 + float64(i),
			BreakerState: "ARMED",
			Data:         []byte(fmt.Sprintf(`{"tick":%d}`, i)),
		}
		require.NoError(t, s.SaveSnapshot(ctx, rec))
		assert.NotZero(t, rec.ID)
	}

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), latest.Tick)
	assert.Equal(t, `{"tick":3}`, string(latest.Data))
	assert.True(t, latest.TakenAt.Equal(base.Add(3*time.Minute)))

	list, err := s.ListSnapshots(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, int64(3), list[0].Tick)
	assert.Nil(t, list[0].Data)
}

func TestSnapshots_PruneKeepsLatest(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, &SnapshotRecord{
			Tick: int64(i), TakenAt: old.Add(time.Duration(i) * time.Hour), BreakerState: "ARMED", Data: []byte("{}"),
		}))
	}

	n, err := s.PruneSnapshots(ctx, old.AddDate(0, 1, 0))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	latest, err := s.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), latest.Tick)
}

func TestTrades_JournalAndStats(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	exit := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	trades := []models.Trade{
		{ID: "t1", PositionID: "pos_1", StrategyID: "spy-put", Underlying: "SPY", Group: "equities", EntryTime: exit.Add(-2 * time.Hour), ExitTime: exit, EntryCredit: 100, RealizedPnL: 50, Reason: models.CloseReasonProfitTarget, HoldDuration: 2 * time.Hour},
		{ID: "t2", PositionID: "pos_2", StrategyID: "spy-put", Underlying: "SPY", Group: "equities", EntryTime: exit.Add(-4 * time.Hour), ExitTime: exit.Add(time.Hour), EntryCredit: 100, RealizedPnL: -200, Reason: models.CloseReasonStop, HoldDuration: 4 * time.Hour},
		{ID: "t3", PositionID: "pos_3", StrategyID: "gld-strangle", Underlying: "GLD", EntryTime: exit.Add(-time.Hour), ExitTime: exit.Add(2 * time.Hour), EntryCredit: 80, RealizedPnL: 10, Reason: models.CloseReasonEmergency, HoldDuration: time.Hour},
	}
	for i := range trades {
		require.NoError(t, s.LogTrade(ctx, &trades[i]))
	}

	got, err := s.GetTrades(ctx, TradeFilter{StrategyID: "spy-put"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "t2", got[0].ID, "newest exit first")
	assert.Equal(t, models.CloseReasonStop, got[0].Reason)
	assert.Equal(t, 4*time.Hour, got[0].HoldDuration)

	got, err = s.GetTrades(ctx, TradeFilter{From: exit.Add(90 * time.Minute), Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "GLD", got[0].Underlying)
	assert.Empty(t, got[0].Group)

	stats, err := s.TradeStats(ctx, TradeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Count)
	assert.Equal(t, 2, stats.Wins)
	assert.Equal(t, 1, stats.Losses)
	assert.InDelta(t, -140, stats.RealizedPnL, 1e-9)
	assert.Equal(t, 7*time.Hour/3, stats.AvgHold)
	assert.InDelta(t, 2.0/3.0, stats.WinRate(), 1e-9)

	assert.Error(t, s.LogTrade(ctx, &trades[0]), "trade ids are unique")
}

// Feature: options-riskcore, Property 7: Snapshot round trip
//
// Property: For any snapshot payload, the latest stored snapshot returns the
// same payload, tick and equity that were saved.
func TestProperty_SnapshotRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	s := openTestStore(t)
	ctx := context.Background()

	properties := gopter.NewProperties(parameters)

	properties.Property("latest snapshot matches the last save", prop.ForAll(
		func(tick int64, equity float64, payload string) bool {
			rec := &SnapshotRecord{
				Tick:         tick,
				TakenAt:      time.Now().UTC(),
				Equity:       equity,
				BreakerState: "TRIPPED",
				Data:         []byte(payload),
			}
			if err := s.SaveSnapshot(ctx, rec); err != nil {
				return false
			}
			got, err := s.LatestSnapshot(ctx)
			if err != nil {
				return false
			}
			return got.Tick == tick && got.Equity == equity && string(got.Data) == payload
		},
		gen.Int64Range(0, 1<<40),
		gen.Float64Range(0, 1e7),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
