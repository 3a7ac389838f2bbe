// Package coordinator drives one risk-checked tick across every deployed
// strategy instance.
package coordinator

import (
	"context"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"options-riskcore/internal/breaker"
	"options-riskcore/internal/broker"
	"options-riskcore/internal/config"
	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/execution"
	"options-riskcore/internal/logging"
	"options-riskcore/internal/metrics"
	"options-riskcore/internal/models"
	"options-riskcore/internal/risk"
	"options-riskcore/internal/store"
	"options-riskcore/internal/strategy"
)

// Outcome statuses.
const (
	StatusFilled = "filled"
	StatusDenied = "denied"
	StatusFailed = "failed"
)

// Outcome records what happened to one instance's action during a tick.
type Outcome struct {
	StrategyID  string              `json:"strategy_id"`
	Action      strategy.ActionType `json:"action"`
	Key         string              `json:"key,omitempty"`
	Status      string              `json:"status"`
	Reason      string              `json:"reason,omitempty"`
	Contracts   int                 `json:"contracts,omitempty"`
	PositionID  string              `json:"position_id,omitempty"`
	RealizedPnL float64             `json:"realized_pnl,omitempty"`
	Err         error               `json:"-"`
}

// TickReport summarises one tick.
type TickReport struct {
	Tick       int64         `json:"tick"`
	At         time.Time     `json:"at"`
	Skipped    bool          `json:"skipped,omitempty"`
	Regime     *risk.Regime  `json:"regime,omitempty"`
	Equity     float64       `json:"equity"`
	Breaker    breaker.State `json:"breaker"`
	Tripped    bool          `json:"tripped,omitempty"`
	Rearmed    bool          `json:"rearmed,omitempty"`
	Reason     string        `json:"reason,omitempty"`
	Cancelled  int           `json:"cancelled,omitempty"`
	Flattened  []string      `json:"flattened,omitempty"`
	Orphaned   []string      `json:"orphaned,omitempty"`
	Outcomes   []Outcome     `json:"outcomes,omitempty"`
	Mismatches []Mismatch    `json:"mismatches,omitempty"`
	DataError  string        `json:"data_error,omitempty"`
}

// Config holds coordinator configuration.
type Config struct {
	DataTimeout    time.Duration
	ReconcileEvery int
	Location       *time.Location
}

// ConfigFrom converts the application configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		DataTimeout:    c.Coordinator.DataTimeout,
		ReconcileEvery: c.Coordinator.ReconcileEvery,
		Location:       c.Location(),
	}
}

// Coordinator owns the account and runs ticks. Ticks never interleave: a
// tick that arrives while another is running is skipped.
type Coordinator struct {
	tickMu sync.Mutex

	cfg    Config
	logger zerolog.Logger

	account   *models.Account
	regimes   *risk.RegimeTable
	sizer     *risk.Sizer
	limiter   *risk.Limiter
	breaker   *breaker.Breaker
	executor  *execution.Executor
	instances []*strategy.Instance

	data   broker.MarketData
	placer broker.OrderPlacer
	funds  broker.Funds
	pricer broker.Pricer
	store  store.Store

	tick    int64
	regime  *risk.Regime
	skipped atomic.Int64
	last    atomic.Pointer[TickReport]
}

// New wires a coordinator from configuration. st may be nil, in which case
// nothing is persisted.
func New(cfg *config.Config, b broker.Broker, st store.Store, instances []*strategy.Instance, logger zerolog.Logger) (*Coordinator, error) {
	regimes, err := risk.NewRegimeTable(cfg.Regime.Bands)
	if err != nil {
		return nil, err
	}
	limiter, err := risk.NewLimiter(cfg.Concentration, logger)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		cfg:       ConfigFrom(cfg),
		logger:    logging.WithComponent(logger, "coordinator"),
		account:   models.NewAccount(0),
		regimes:   regimes,
		sizer:     risk.NewSizer(cfg.Sizing.KellyFraction),
		limiter:   limiter,
		breaker:   breaker.New(cfg.Breaker, logger),
		executor:  execution.NewExecutor(b, execution.ConfigFrom(cfg.Executor), logger),
		instances: instances,
		data:      b,
		placer:    b,
		funds:     b,
		pricer:    b,
		store:     st,
	}
	if c.cfg.Location == nil {
		c.cfg.Location = time.UTC
	}
	c.breaker.OnTrip(func(string, time.Time) { metrics.RecordTrip() })
	return c, nil
}

// Breaker returns the circuit breaker.
func (c *Coordinator) Breaker() *breaker.Breaker { return c.breaker }

// Limiter returns the concentration limiter.
func (c *Coordinator) Limiter() *risk.Limiter { return c.limiter }

// Instances returns the deployed instances.
func (c *Coordinator) Instances() []*strategy.Instance { return c.instances }

// Skipped returns how many ticks were skipped because one was still running.
func (c *Coordinator) Skipped() int64 { return c.skipped.Load() }

// LastReport returns the report of the most recent completed tick.
func (c *Coordinator) LastReport() (TickReport, bool) {
	rep := c.last.Load()
	if rep == nil {
		return TickReport{}, false
	}
	return *rep, true
}

// Account returns a copy of the account.
func (c *Coordinator) Account() models.Account {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return *c.account
}

// ResetBreaker re-arms a tripped breaker by operator request and persists
// the result. A condition that still holds trips it again on the next tick.
func (c *Coordinator) ResetBreaker(ctx context.Context, now time.Time) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	c.breaker.ForceRearm(c.account)
	metrics.SetBreaker(false)
	c.persist(ctx, now)
}

// tickState is what the action pass needs from the refresh.
type tickState struct {
	now     time.Time
	regime  *risk.Regime
	fresh   bool // equity was refreshed this tick
	quotes  map[string]float64
	tripped bool
	handled map[string]bool // instances already acted on by the flatten pass
}

// Tick runs one full pass: refresh, breaker check, emergency flatten when
// tripped, then each instance's action. Trade results recorded during the
// pass are checked against the breaker before the next instance runs.
func (c *Coordinator) Tick(ctx context.Context, now time.Time) TickReport {
	if !c.tickMu.TryLock() {
		c.skipped.Add(1)
		metrics.RecordTick("skipped", 0)
		c.logger.Warn().Time("at", now).Msg("Tick skipped, previous tick still running")
		return TickReport{At: now, Skipped: true}
	}
	defer c.tickMu.Unlock()

	start := time.Now()
	c.tick++
	rep := TickReport{Tick: c.tick, At: now}

	ts := c.refresh(ctx, now, &rep)

	eval := c.breaker.Check(c.account, now)
	rep.Breaker = eval.State
	rep.Tripped = eval.Tripped
	rep.Rearmed = eval.Rearmed
	rep.Reason = eval.Reason
	ts.tripped = eval.State == breaker.StateTripped

	if ts.tripped {
		c.flatten(ctx, ts, &rep)
	}

	// A trip preempts the strategy queue: only closes already under way
	// are retried.
	for _, inst := range c.instances {
		if ts.tripped {
			c.retryClose(ctx, inst, ts, &rep)
			continue
		}
		c.step(ctx, inst, ts, &rep)
		c.recheck(ctx, &ts, &rep)
	}
	c.account.BuyingPowerUsed = c.buyingPowerInUse()

	if c.cfg.ReconcileEvery > 0 && c.tick%int64(c.cfg.ReconcileEvery) == 0 {
		rep.Mismatches = c.reconcile(ctx, now, &rep)
	}
	c.recheck(ctx, &ts, &rep)

	rep.Equity = c.account.Equity
	c.persist(ctx, now)
	c.publish()

	outcome := "ok"
	switch {
	case ts.tripped:
		outcome = "tripped"
	case !ts.fresh || ts.regime == nil:
		outcome = "degraded"
	}
	metrics.RecordTick(outcome, time.Since(start))
	last := rep
	c.last.Store(&last)
	return rep
}

// refresh reloads equity, regime, quotes and marks, rolls period baselines
// and rebuilds the limiter ledger from the open positions. Failed reads are
// never synthesised: the affected inputs stay unset and entries fail closed.
func (c *Coordinator) refresh(ctx context.Context, now time.Time, rep *TickReport) tickState {
	ts := tickState{now: now, quotes: make(map[string]float64), handled: make(map[string]bool)}

	for _, inst := range c.instances {
		pos := inst.Position()
		if pos == nil {
			continue
		}
		var m broker.Mark
		err := c.call(ctx, "mark", func(ctx context.Context) (err error) {
			m, err = c.pricer.Mark(ctx, pos)
			return err
		})
		if err == nil && (!finite(m.UnrealizedPnL) || !finite(m.Exposure)) {
			err = apperrors.NewDataError("mark", pos.Underlying, "non-finite valuation", apperrors.ErrMarketData)
		}
		if err != nil {
			c.logger.Warn().Err(err).Str("strategy", inst.ID()).Str("position", pos.ID).Msg("Mark unavailable, keeping last valuation")
			continue
		}
		inst.Mark(m.UnrealizedPnL, m.Exposure)
	}

	var bal *models.Balance
	err := c.call(ctx, "balance", func(ctx context.Context) (err error) {
		bal, err = c.funds.Balance(ctx)
		if err == nil && !finite(bal.TotalEquity) {
			err = apperrors.NewDataError("balance", "", "non-finite equity", apperrors.ErrMarketData)
		}
		return err
	})
	if err != nil {
		c.logger.Error().Err(err).Msg("Balance unavailable, entries disabled this tick")
		rep.DataError = err.Error()
	} else {
		ts.fresh = true
		c.account.Cash = bal.AvailableCash
		c.breaker.MarkEquity(c.account, bal.TotalEquity)
		c.breaker.ResetPeriods(c.account, now.In(c.cfg.Location))
	}

	var reading float64
	err = c.call(ctx, "volatility_index", func(ctx context.Context) (err error) {
		reading, err = c.data.VolatilityIndex(ctx)
		return err
	})
	if err == nil {
		var r risk.Regime
		r, err = c.regimes.Classify(reading)
		if err == nil {
			ts.regime = &r
		}
	}
	if err != nil {
		c.logger.Error().Err(err).Float64("reading", reading).Msg("No volatility regime, entries disabled this tick")
		if rep.DataError == "" {
			rep.DataError = err.Error()
		}
	}
	c.regime = ts.regime
	rep.Regime = ts.regime

	for _, u := range c.underlyings() {
		var q *models.Quote
		err := c.call(ctx, "quote", func(ctx context.Context) (err error) {
			q, err = c.data.Quote(ctx, u)
			return err
		})
		if err != nil {
			c.logger.Warn().Err(err).Str("underlying", u).Msg("Quote unavailable")
			continue
		}
		ts.quotes[u] = q.LTP
	}

	c.limiter.Rebuild(c.openPositions())
	c.limiter.Refresh(c.account.Equity, now)
	c.account.BuyingPowerUsed = c.buyingPowerInUse()
	c.executor.Prune(now)
	return ts
}

// call bounds a collaborator call by the data timeout.
func (c *Coordinator) call(ctx context.Context, method string, fn func(ctx context.Context) error) error {
	if c.cfg.DataTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.DataTimeout)
		defer cancel()
	}
	start := time.Now()
	err := fn(ctx)
	logging.LogCall(c.logger, method, time.Since(start), err)
	return err
}

func (c *Coordinator) underlyings() []string {
	seen := make(map[string]bool)
	var out []string
	for _, inst := range c.instances {
		u := strings.ToUpper(inst.Underlying())
		if seen[u] {
			continue
		}
		seen[u] = true
		out = append(out, u)
	}
	return out
}

// openPositions returns every position still carried by an instance,
// orphaned ones included.
func (c *Coordinator) openPositions() []*models.Position {
	var out []*models.Position
	for _, inst := range c.instances {
		if p := inst.Position(); p != nil {
			out = append(out, p)
		}
	}
	return out
}

func (c *Coordinator) buyingPowerInUse() float64 {
	var used float64
	for _, p := range c.openPositions() {
		used += p.BuyingPower
	}
	return used
}

// publish updates the exported gauges.
func (c *Coordinator) publish() {
	metrics.UpdateAccount(c.account.Equity, c.account.Utilization())
	if c.regime != nil {
		metrics.UpdateRegime(c.regime.Name, c.regime.Reading, c.regime.MaxBuyingPower)
	}
	metrics.SetBreaker(c.breaker.IsTripped())

	for group, n := range c.limiter.Ledger().GroupCounts {
		metrics.SetGroupOpen(group, n)
	}

	counts := make(map[string]int)
	for _, inst := range c.instances {
		counts[string(inst.State())]++
	}
	metrics.SetStrategyStates(counts)
}

// orphan takes an instance out of automated management.
func (c *Coordinator) orphan(inst *strategy.Instance, reason string, now time.Time, rep *TickReport) {
	if inst.State() == strategy.StateOrphaned {
		return
	}
	if err := inst.Orphan(reason, now); err != nil {
		c.logger.Error().Err(err).Str("strategy", inst.ID()).Msg("Failed to orphan instance")
		return
	}
	metrics.RecordOrphan()
	rep.Orphaned = append(rep.Orphaned, inst.ID())
	c.logger.Error().Str("strategy", inst.ID()).Str("reason", reason).Msg("Instance orphaned, manual intervention required")
}

// unwoundFailed reports whether err left filled legs the executor could not flatten.
func unwoundFailed(err error) bool {
	var ee *apperrors.ExecutionError
	return apperrors.As(err, &ee) && !ee.Unwound
}

// scaleLegs multiplies one contract unit by n contracts.
func scaleLegs(unit []models.Leg, n int) []models.Leg {
	legs := make([]models.Leg, len(unit))
	for i, l := range unit {
		q := l.Quantity
		if q <= 0 {
			q = 1
		}
		l.Quantity = q * n
		legs[i] = l
	}
	return legs
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
