// Package metrics exposes Prometheus metrics for the risk core.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "riskcore"

var (
	// Tick metrics
	ticksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ticks_total",
			Help:      "Total number of coordinator ticks by outcome",
		},
		[]string{"outcome"},
	)

	tickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tick_duration_seconds",
			Help:      "Duration of coordinator ticks",
			Buckets:   prometheus.DefBuckets,
		},
	)

	// Account metrics
	equity = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "account_equity",
			Help:      "Account equity at the last tick",
		},
	)

	utilization = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buying_power_utilization",
			Help:      "Buying power used as a fraction of equity",
		},
	)

	regimeFraction = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "regime_max_buying_power",
			Help:      "Maximum buying power fraction of the active volatility regime",
		},
		[]string{"regime"},
	)

	volatilityIndex = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "volatility_index",
			Help:      "Last volatility index reading",
		},
	)

	// Breaker metrics
	breakerTripped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "breaker_tripped",
			Help:      "1 when the circuit breaker is tripped",
		},
	)

	breakerTrips = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "breaker_trips_total",
			Help:      "Total number of circuit breaker trips",
		},
	)

	// Limiter metrics
	denialsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "allocation_denials_total",
			Help:      "Allocation requests denied by reason",
		},
		[]string{"reason"},
	)

	groupOpen = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "group_open_positions",
			Help:      "Open positions per correlation group",
		},
		[]string{"group"},
	)

	// Execution metrics
	executionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Atomic executions by kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	compensationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Compensating unwinds by outcome",
		},
		[]string{"outcome"},
	)

	// Strategy metrics
	strategyStates = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "strategy_instances",
			Help:      "Strategy instances per state",
		},
		[]string{"state"},
	)

	orphansTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orphans_total",
			Help:      "Strategy instances orphaned by reconciliation or failed unwinds",
		},
	)
)

func init() {
	prometheus.MustRegister(
		ticksTotal,
		tickDuration,
		equity,
		utilization,
		regimeFraction,
		volatilityIndex,
		breakerTripped,
		breakerTrips,
		denialsTotal,
		groupOpen,
		executionsTotal,
		compensationsTotal,
		strategyStates,
		orphansTotal,
	)
}

// RecordTick records a tick outcome and its duration.
func RecordTick(outcome string, d time.Duration) {
	ticksTotal.WithLabelValues(outcome).Inc()
	if d > 0 {
		tickDuration.Observe(d.Seconds())
	}
}

// UpdateAccount updates account gauges.
func UpdateAccount(eq, util float64) {
	equity.Set(eq)
	utilization.Set(util)
}

// UpdateRegime updates the regime gauges.
func UpdateRegime(name string, reading, fraction float64) {
	regimeFraction.Reset()
	regimeFraction.WithLabelValues(name).Set(fraction)
	volatilityIndex.Set(reading)
}

// SetBreaker updates the breaker state gauge.
func SetBreaker(tripped bool) {
	if tripped {
		breakerTripped.Set(1)
		return
	}
	breakerTripped.Set(0)
}

// RecordTrip records a breaker trip.
func RecordTrip() {
	breakerTrips.Inc()
	breakerTripped.Set(1)
}

// RecordDenial records an allocation denial.
func RecordDenial(reason string) {
	denialsTotal.WithLabelValues(reason).Inc()
}

// SetGroupOpen sets the open position count of a group.
func SetGroupOpen(group string, n int) {
	groupOpen.WithLabelValues(group).Set(float64(n))
}

// RecordExecution records an executor outcome.
func RecordExecution(kind, outcome string) {
	executionsTotal.WithLabelValues(kind, outcome).Inc()
}

// RecordCompensation records a compensating unwind outcome.
func RecordCompensation(unwound bool) {
	if unwound {
		compensationsTotal.WithLabelValues("unwound").Inc()
		return
	}
	compensationsTotal.WithLabelValues("failed").Inc()
}

// SetStrategyStates replaces the per-state instance counts.
func SetStrategyStates(counts map[string]int) {
	strategyStates.Reset()
	for state, n := range counts {
		strategyStates.WithLabelValues(state).Set(float64(n))
	}
}

// RecordOrphan records an orphaned instance.
func RecordOrphan() {
	orphansTotal.Inc()
}

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Serve runs a metrics server on addr until ctx is done. routes adds
// handlers next to /metrics.
func Serve(ctx context.Context, addr string, routes map[string]http.Handler) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	for path, h := range routes {
		mux.Handle(path, h)
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
