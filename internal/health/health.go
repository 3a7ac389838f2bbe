// Package health reports whether the risk core is ticking and able to trade.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"

	"options-riskcore/internal/breaker"
	"options-riskcore/internal/coordinator"
	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/store"
)

// Status represents the health status of a component.
type Status string

const (
	StatusHealthy   Status = "HEALTHY"
	StatusDegraded  Status = "DEGRADED"
	StatusUnhealthy Status = "UNHEALTHY"
)

func (s Status) rank() int {
	switch s {
	case StatusUnhealthy:
		return 2
	case StatusDegraded:
		return 1
	}
	return 0
}

// ComponentHealth represents the health of a single component.
type ComponentHealth struct {
	Name      string                 `json:"name"`
	Status    Status                 `json:"status"`
	Message   string                 `json:"message,omitempty"`
	LastCheck time.Time              `json:"last_check"`
	Latency   time.Duration          `json:"latency_ns"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Report is the overall health.
type Report struct {
	Status     Status            `json:"status"`
	Uptime     string            `json:"uptime"`
	Components []ComponentHealth `json:"components"`
}

// Check computes the health of one component.
type Check func(ctx context.Context) ComponentHealth

// Monitor runs registered checks on demand.
type Monitor struct {
	mu         sync.RWMutex
	components map[string]Check
	startTime  time.Time
	timeout    time.Duration
}

// NewMonitor creates a monitor. timeout bounds each round of checks.
func NewMonitor(timeout time.Duration) *Monitor {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Monitor{
		components: make(map[string]Check),
		startTime:  time.Now(),
		timeout:    timeout,
	}
}

// RegisterComponent registers a health check for a component.
func (m *Monitor) RegisterComponent(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.components[name] = check
}

// Check runs every registered check concurrently. A panicking check is
// reported unhealthy.
func (m *Monitor) Check(ctx context.Context) Report {
	m.mu.RLock()
	checks := make(map[string]Check, len(m.components))
	for k, v := range m.components {
		checks[k] = v
	}
	m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var wg sync.WaitGroup
	results := make(chan ComponentHealth, len(checks)+1)
	for name, check := range checks {
		wg.Add(1)
		go func(n string, c Check) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results <- ComponentHealth{Name: n, Status: StatusUnhealthy, Message: fmt.Sprintf("check panicked: %v", r), LastCheck: time.Now()}
				}
			}()

			start := time.Now()
			h := c(ctx)
			h.Name = n
			h.LastCheck = time.Now()
			h.Latency = time.Since(start)
			results <- h
		}(name, check)
	}
	results <- checkRuntime()
	wg.Wait()
	close(results)

	rep := Report{Status: StatusHealthy, Uptime: time.Since(m.startTime).Round(time.Second).String()}
	for h := range results {
		rep.Components = append(rep.Components, h)
		if h.Status.rank() > rep.Status.rank() {
			rep.Status = h.Status
		}
	}
	sort.Slice(rep.Components, func(i, j int) bool { return rep.Components[i].Name < rep.Components[j].Name })
	return rep
}

// Handler serves the health report as JSON, with 503 when unhealthy.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rep := m.Check(r.Context())
		w.Header().Set("Content-Type", "application/json")
		if rep.Status == StatusUnhealthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(rep)
	})
}

func checkRuntime() ComponentHealth {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	return ComponentHealth{
		Name:      "runtime",
		Status:    StatusHealthy,
		LastCheck: time.Now(),
		Details: map[string]interface{}{
			"alloc_mb":   ms.Alloc / 1024 / 1024,
			"goroutines": runtime.NumGoroutine(),
		},
	}
}

// Reporter exposes the last tick report.
type Reporter interface {
	LastReport() (coordinator.TickReport, bool)
}

// TickCheck is unhealthy when no tick has completed within maxAge, and
// degraded when the last tick ran on stale or missing market data or the
// breaker is tripped. maxAge 0 disables the staleness test.
func TickCheck(r Reporter, maxAge time.Duration, now func() time.Time) Check {
	return func(ctx context.Context) ComponentHealth {
		rep, ok := r.LastReport()
		if !ok {
			return ComponentHealth{Status: StatusDegraded, Message: "no tick has completed yet"}
		}

		h := ComponentHealth{
			Status: StatusHealthy,
			Details: map[string]interface{}{
				"tick":    rep.Tick,
				"at":      rep.At,
				"breaker": rep.Breaker,
				"equity":  rep.Equity,
			},
		}
		age := now().Sub(rep.At)
		switch {
		case maxAge > 0 && age > maxAge:
			h.Status = StatusUnhealthy
			h.Message = fmt.Sprintf("last tick %s ago", age.Round(time.Second))
		case rep.DataError != "":
			h.Status = StatusDegraded
			h.Message = rep.DataError
		case rep.Breaker == breaker.StateTripped:
			h.Status = StatusDegraded
			h.Message = "circuit breaker tripped"
		case len(rep.Orphaned) > 0:
			h.Status = StatusDegraded
			h.Message = fmt.Sprintf("%d strategies orphaned", len(rep.Orphaned))
		}
		return h
	}
}

// StoreCheck reads the latest snapshot to verify the store answers.
func StoreCheck(st store.Store) Check {
	return func(ctx context.Context) ComponentHealth {
		rec, err := st.LatestSnapshot(ctx)
		switch {
		case apperrors.Is(err, apperrors.ErrNoSnapshot):
			return ComponentHealth{Status: StatusHealthy, Message: "no snapshots yet"}
		case err != nil:
			return ComponentHealth{Status: StatusUnhealthy, Message: err.Error()}
		}
		return ComponentHealth{
			Status:  StatusHealthy,
			Details: map[string]interface{}{"latest_tick": rec.Tick, "taken_at": rec.TakenAt},
		}
	}
}
