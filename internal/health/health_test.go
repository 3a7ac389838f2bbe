package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-riskcore/internal/breaker"
	"options-riskcore/internal/coordinator"
	"options-riskcore/internal/store"
)

type fixedReporter struct {
	rep coordinator.TickReport
	ok  bool
}

func (f fixedReporter) LastReport() (coordinator.TickReport, bool) { return f.rep, f.ok }

var now = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func clock() time.Time { return now }

func TestTickCheck(t *testing.T) {
	ctx := context.Background()

	h := TickCheck(fixedReporter{}, time.Hour, clock)(ctx)
	assert.Equal(t, StatusDegraded, h.Status)

	fresh := coordinator.TickReport{Tick: 3, At: now.Add(-time.Minute), Breaker: breaker.StateArmed}
	assert.Equal(t, StatusHealthy, TickCheck(fixedReporter{fresh, true}, time.Hour, clock)(ctx).Status)

	stale := fresh
	stale.At = now.Add(-2 * time.Hour)
	h = TickCheck(fixedReporter{stale, true}, time.Hour, clock)(ctx)
	assert.Equal(t, StatusUnhealthy, h.Status)
	assert.Contains(t, h.Message, "2h0m0s")
	assert.Equal(t, StatusHealthy, TickCheck(fixedReporter{stale, true}, 0, clock)(ctx).Status, "staleness disabled")

	tripped := fresh
	tripped.Breaker = breaker.StateTripped
	assert.Equal(t, StatusDegraded, TickCheck(fixedReporter{tripped, true}, time.Hour, clock)(ctx).Status)

	degraded := fresh
	degraded.DataError = "balance unavailable"
	h = TickCheck(fixedReporter{degraded, true}, time.Hour, clock)(ctx)
	assert.Equal(t, StatusDegraded, h.Status)
	assert.Equal(t, "balance unavailable", h.Message)
}

func TestStoreCheck(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "h.db"))
	require.NoError(t, err)

	h := StoreCheck(st)(ctx)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, "no snapshots yet", h.Message)

	require.NoError(t, st.SaveSnapshot(ctx, &store.SnapshotRecord{Tick: 4, TakenAt: now, Data: []byte("{}")}))
	h = StoreCheck(st)(ctx)
	assert.Equal(t, StatusHealthy, h.Status)
	assert.Equal(t, int64(4), h.Details["latest_tick"])

	require.NoError(t, st.Close())
	assert.Equal(t, StatusUnhealthy, StoreCheck(st)(ctx).Status)
}

func TestMonitor_WorstStatusWins(t *testing.T) {
	m := NewMonitor(time.Second)
	m.RegisterComponent("ok", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusHealthy} })
	m.RegisterComponent("slow", func(context.Context) ComponentHealth { return ComponentHealth{Status: StatusDegraded} })

	rep := m.Check(context.Background())
	assert.Equal(t, StatusDegraded, rep.Status)
	require.Len(t, rep.Components, 3)
	assert.Equal(t, []string{"ok", "runtime", "slow"}, []string{rep.Components[0].Name, rep.Components[1].Name, rep.Components[2].Name})

	m.RegisterComponent("boom", func(context.Context) ComponentHealth { panic(errors.New("nil store")) })
	rep = m.Check(context.Background())
	assert.Equal(t, StatusUnhealthy, rep.Status)
}

func TestMonitor_Handler(t *testing.T) {
	m := NewMonitor(time.Second)
	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&rep))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, StatusHealthy, rep.Status)

	m.RegisterComponent("store", func(context.Context) ComponentHealth {
		return ComponentHealth{Status: StatusUnhealthy, Message: "disk I/O error"}
	})
	resp, err = http.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}
