package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"options-riskcore/internal/breaker"
	"options-riskcore/internal/broker"
	"options-riskcore/internal/config"
	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
	"options-riskcore/internal/risk"
	"options-riskcore/internal/store"
	"options-riskcore/internal/strategy"
)

var t0 = time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Scheduler.Timezone = "UTC"
	cfg.Coordinator = config.CoordinatorConfig{DataTimeout: time.Second, ReconcileEvery: 1}
	cfg.Executor = config.ExecutorConfig{
		FillTimeout:          50 * time.Millisecond,
		PollInterval:         time.Millisecond,
		CompensationTimeout:  200 * time.Millisecond,
		CompensationAttempts: 2,
		IdempotencyTTL:       time.Hour,
	}
	return cfg
}

func newPaper(equity float64) *broker.PaperBroker {
	return broker.NewPaperBroker(broker.PaperBrokerConfig{
		InitialEquity:   equity,
		VolatilityIndex: 16,
		Prices: map[string]float64{
			"SPY": 520, "QQQ": 440, "IWM": 200, "DIA": 390,
			"GLD": 210, "TLT": 95, "USO": 75, "FXE": 105,
		},
	})
}

func leg(u, symbol string, kind models.InstrumentKind, side models.OrderSide, strike, price float64) models.Leg {
	return models.Leg{
		Symbol:     symbol,
		Underlying: u,
		Kind:       kind,
		Strike:     strike,
		Expiry:     t0.AddDate(0, 0, 45),
		Side:       side,
		Quantity:   1,
		Multiplier: 100,
		LimitPrice: price,
	}
}

func putSpread(u string) []models.Leg {
	return []models.Leg{
		leg(u, u+" P400", models.KindPut, models.OrderSideSell, 400, 2.0),
		leg(u, u+" P390", models.KindPut, models.OrderSideBuy, 390, 1.0),
	}
}

func nakedPut(u string) []models.Leg {
	return []models.Leg{leg(u, u+" P480", models.KindPut, models.OrderSideSell, 480, 2.0)}
}

func smallSizing() risk.SizeRequest {
	return risk.SizeRequest{RiskFraction: 0.02, MaxLossPerContract: 100, MarginPerContract: 500, MaxContracts: 1}
}

func deploy(id, u string, legs []models.Leg, sizing risk.SizeRequest, exposure float64) *strategy.Instance {
	return strategy.NewInstance(id, u, strategy.NewRule(strategy.RuleParams{
		Underlying:          u,
		Legs:                legs,
		Sizing:              sizing,
		ExposurePerContract: exposure,
	}))
}

func newCoordinator(t *testing.T, cfg *config.Config, b broker.Broker, st store.Store, instances ...*strategy.Instance) *Coordinator {
	t.Helper()
	c, err := New(cfg, b, st, instances, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func outcomeFor(rep TickReport, id string) (Outcome, bool) {
	for _, o := range rep.Outcomes {
		if o.StrategyID == id {
			return o, true
		}
	}
	return Outcome{}, false
}

func holdings(t *testing.T, p *broker.PaperBroker) map[string]int {
	t.Helper()
	hs, err := p.Holdings(context.Background())
	require.NoError(t, err)
	out := make(map[string]int, len(hs))
	for _, h := range hs {
		out[h.Symbol] = h.Quantity
	}
	return out
}

// 40k equity in the normal regime (65%) with 20k already in use leaves 6k of
// headroom: a 7-contract request at 1k margin is clamped to 6.
func TestTick_SizingClampedToHeadroom(t *testing.T) {
	paper := newPaper(40000)
	anchor := deploy("gld-anchor", "GLD", putSpread("GLD"),
		risk.SizeRequest{RiskFraction: 0.1, MaxLossPerContract: 1000, MarginPerContract: 20000, MaxContracts: 1}, 5)
	spy := deploy("spy-spread", "SPY", putSpread("SPY"),
		risk.SizeRequest{RiskFraction: 0.7, MaxLossPerContract: 1000, MarginPerContract: 1000}, 5)
	c := newCoordinator(t, testConfig(), paper, nil, anchor, spy)

	rep := c.Tick(context.Background(), t0)
	require.NotNil(t, rep.Regime)
	assert.Equal(t, "normal", rep.Regime.Name)

	out, ok := outcomeFor(rep, "spy-spread")
	require.True(t, ok)
	require.Equal(t, StatusFilled, out.Status, out.Reason)
	assert.Equal(t, 6, out.Contracts)

	pos := spy.Position()
	require.NotNil(t, pos)
	assert.Equal(t, 6, pos.Legs[0].Quantity)
	assert.InDelta(t, 6000, pos.BuyingPower, 1e-9)
	assert.InDelta(t, 26000, c.Account().BuyingPowerUsed, 1e-9)
	assert.Equal(t, -6, holdings(t, paper)["SPY P400"])
}

func TestTick_GroupAtCapacity(t *testing.T) {
	paper := newPaper(100000)
	var instances []*strategy.Instance
	for _, u := range []string{"SPY", "QQQ", "IWM", "DIA"} {
		instances = append(instances, deploy(u+"-spread", u, putSpread(u), smallSizing(), 5))
	}
	c := newCoordinator(t, testConfig(), paper, nil, instances...)

	rep := c.Tick(context.Background(), t0)

	for _, u := range []string{"SPY", "QQQ", "IWM"} {
		out, ok := outcomeFor(rep, u+"-spread")
		require.True(t, ok)
		assert.Equal(t, StatusFilled, out.Status, out.Reason)
	}

	out, ok := outcomeFor(rep, "DIA-spread")
	require.True(t, ok)
	assert.Equal(t, StatusDenied, out.Status)
	assert.ErrorIs(t, out.Err, apperrors.ErrGroupAtCapacity)
	assert.Contains(t, out.Reason, "group at capacity")

	assert.Equal(t, 3, c.Limiter().GroupCount("equities"))
	assert.Equal(t, 0, c.Limiter().Pending())
	assert.Equal(t, strategy.StateAwaitingEntry, instances[3].State())
}

func TestTick_DailyLossTripsAndFlattensNakedRisk(t *testing.T) {
	paper := newPaper(100000)
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "riskcore.db"))
	require.NoError(t, err)
	defer st.Close()

	naked := deploy("spy-naked", "SPY", nakedPut("SPY"), smallSizing(), 5)
	defined := deploy("qqq-spread", "QQQ", putSpread("QQQ"), smallSizing(), 5)
	c := newCoordinator(t, testConfig(), paper, st, naked, defined)

	ctx := context.Background()
	rep := c.Tick(ctx, t0)
	require.Equal(t, strategy.StateOpen, naked.State())
	require.Equal(t, strategy.StateOpen, defined.State())
	assert.Equal(t, breaker.StateArmed, rep.Breaker)

	paper.AdjustCash(-5300)
	rep = c.Tick(ctx, t0.Add(5*time.Minute))

	assert.True(t, rep.Tripped)
	assert.Equal(t, breaker.StateTripped, rep.Breaker)
	assert.Equal(t, "daily loss limit exceeded: -5.3%", rep.Reason)
	assert.InDelta(t, 94700, rep.Equity, 1e-6)

	acct := c.Account()
	assert.False(t, acct.TradingEnabled)
	assert.Equal(t, rep.Reason, acct.HaltReason)

	require.Len(t, rep.Flattened, 1)
	assert.Equal(t, strategy.StateClosed, naked.State())
	assert.Equal(t, strategy.StateOpen, defined.State(), "defined-risk positions stay open")
	assert.NotContains(t, holdings(t, paper), "SPY P480")
	assert.Equal(t, 1, c.Limiter().GroupCount("equities"))

	trades, err := st.GetTrades(ctx, store.TradeFilter{StrategyID: "spy-naked"})
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, models.CloseReasonEmergency, trades[0].Reason)

	// While tripped, instances are not asked for actions at all.
	fresh := deploy("iwm-spread", "IWM", putSpread("IWM"), smallSizing(), 5)
	c.instances = append(c.instances, fresh)
	rep = c.Tick(ctx, t0.Add(10*time.Minute))
	assert.Equal(t, breaker.StateTripped, rep.Breaker)
	assert.Empty(t, rep.Outcomes)
	assert.Equal(t, strategy.StateAwaitingEntry, fresh.State())
	assert.NotContains(t, holdings(t, paper), "IWM P400")
}

func withExits(id, u string, legs []models.Leg, profitTarget, stopMultiple float64) *strategy.Instance {
	return strategy.NewInstance(id, u, strategy.NewRule(strategy.RuleParams{
		Underlying:          u,
		Legs:                legs,
		Sizing:              smallSizing(),
		ExposurePerContract: 5,
		ProfitTarget:        profitTarget,
		StopMultiple:        stopMultiple,
	}))
}

// A losing close that completes a consecutive-loss run trips the breaker
// before the next instance in the same tick can open risk.
func TestTick_LossMidTickTripsBeforeLaterEntries(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "riskcore.db"))
	require.NoError(t, err)
	defer st.Close()

	cfg := testConfig()
	cfg.Breaker.MaxConsecutiveLosses = 1
	paper := newPaper(100000)
	spy := withExits("spy-spread", "SPY", putSpread("SPY"), 0, 1)
	c := newCoordinator(t, cfg, paper, st, spy)

	ctx := context.Background()
	rep := c.Tick(ctx, t0)
	require.Equal(t, strategy.StateOpen, spy.State())

	qqq := deploy("qqq-spread", "QQQ", putSpread("QQQ"), smallSizing(), 5)
	c.instances = append(c.instances, qqq)

	// The short put doubles against a 1.00 credit: a 100 loss hits the stop.
	paper.SetPrice("SPY P400", 3.0)
	rep = c.Tick(ctx, t0.Add(5*time.Minute))

	out, ok := outcomeFor(rep, "spy-spread")
	require.True(t, ok)
	require.Equal(t, StatusFilled, out.Status, out.Reason)
	assert.Equal(t, string(models.CloseReasonStop), out.Reason)
	assert.InDelta(t, -100, out.RealizedPnL, 1e-9)

	assert.True(t, rep.Tripped)
	assert.Equal(t, breaker.StateTripped, rep.Breaker)
	assert.Equal(t, "max consecutive losses reached: 1", rep.Reason)

	_, ok = outcomeFor(rep, "qqq-spread")
	assert.False(t, ok, "no action is taken after the trip")
	assert.Equal(t, strategy.StateAwaitingEntry, qqq.State())
	assert.NotContains(t, holdings(t, paper), "QQQ P400")
	assert.Equal(t, 0, c.Limiter().GroupCount("equities"))

	assert.False(t, c.Account().TradingEnabled)
	assert.Equal(t, rep.Reason, c.Account().HaltReason)

	rec, err := st.LatestSnapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, string(breaker.StateTripped), rec.BreakerState)
	var snap Snapshot
	require.NoError(t, json.Unmarshal(rec.Data, &snap))
	assert.False(t, snap.Account.TradingEnabled)
	assert.Equal(t, 1, snap.Account.ConsecutiveLosses)
}

// A tripped tick runs no strategy logic: a profit target that holds is left
// alone and only a close begun on an earlier tick is retried.
func TestTick_TrippedTickOnlyRetriesClosing(t *testing.T) {
	paper := newPaper(100000)
	spy := withExits("spy-spread", "SPY", putSpread("SPY"), 0, 1)
	qqq := withExits("qqq-spread", "QQQ", putSpread("QQQ"), 0.5, 0)
	c := newCoordinator(t, testConfig(), paper, nil, spy, qqq)

	ctx := context.Background()
	c.Tick(ctx, t0)
	require.Equal(t, strategy.StateOpen, spy.State())
	require.Equal(t, strategy.StateOpen, qqq.State())

	// The stop fires but the buy-back of the short put is rejected once.
	paper.SetPrice("SPY P400", 3.0)
	paper.Script("SPY P400", models.OrderSideBuy, broker.FillBehavior{Reject: true, Times: 1})
	rep := c.Tick(ctx, t0.Add(5*time.Minute))
	out, ok := outcomeFor(rep, "spy-spread")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, out.Status)
	require.Equal(t, strategy.StateClosing, spy.State())

	// QQQ now sits past its profit target, and the account trips.
	paper.SetPrice("QQQ P400", 0.5)
	paper.AdjustCash(-6000)
	rep = c.Tick(ctx, t0.Add(10*time.Minute))
	require.True(t, rep.Tripped)
	assert.Empty(t, rep.Flattened)

	require.Len(t, rep.Outcomes, 1)
	out = rep.Outcomes[0]
	assert.Equal(t, "spy-spread", out.StrategyID)
	assert.Equal(t, strategy.ActionClose, out.Action)
	assert.Equal(t, StatusFilled, out.Status, out.Reason)
	assert.Equal(t, string(models.CloseReasonStop), out.Reason)
	assert.Equal(t, strategy.StateClosed, spy.State())

	assert.Equal(t, strategy.StateOpen, qqq.State())
	hs := holdings(t, paper)
	assert.NotContains(t, hs, "SPY P400")
	assert.Equal(t, -1, hs["QQQ P400"])
}

func TestTick_PositionEventsCarryPositionID(t *testing.T) {
	var buf bytes.Buffer
	paper := newPaper(100000)
	spy := withExits("spy-spread", "SPY", putSpread("SPY"), 0, 1)
	c, err := New(testConfig(), paper, nil, []*strategy.Instance{spy}, zerolog.New(&buf))
	require.NoError(t, err)

	ctx := context.Background()
	c.Tick(ctx, t0)
	paper.SetPrice("SPY P400", 3.0)
	c.Tick(ctx, t0.Add(5*time.Minute))
	require.Equal(t, strategy.StateClosed, spy.State())

	events := map[string]map[string]interface{}{}
	for _, line := range bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n")) {
		var m map[string]interface{}
		require.NoError(t, json.Unmarshal(line, &m))
		if msg, ok := m["message"].(string); ok {
			events[msg] = m
		}
	}
	for _, msg := range []string{"Position opened", "Position closed"} {
		ev, ok := events[msg]
		require.True(t, ok, msg)
		assert.NotEmpty(t, ev["position"], msg)
		assert.Equal(t, "spy-spread", ev["strategy"], msg)
	}
	assert.InDelta(t, -100, events["Position closed"]["realized_pnl"], 1e-9)
}

func TestTick_LegTimeoutUnwindsEntry(t *testing.T) {
	paper := newPaper(100000)
	legs := []models.Leg{
		leg("SPY", "SPY P500", models.KindPut, models.OrderSideSell, 500, 3.0),
		leg("SPY", "SPY C520", models.KindCall, models.OrderSideSell, 520, 2.0),
		leg("SPY", "SPY P490", models.KindPut, models.OrderSideBuy, 490, 1.5),
	}
	inst := deploy("spy-fly", "SPY", legs, smallSizing(), 5)
	c := newCoordinator(t, testConfig(), paper, nil, inst)

	paper.Script("SPY C520", models.OrderSideSell, broker.FillBehavior{Never: true, Times: 1})

	rep := c.Tick(context.Background(), t0)
	out, ok := outcomeFor(rep, "spy-fly")
	require.True(t, ok)
	assert.Equal(t, StatusFailed, out.Status)
	assert.ErrorIs(t, out.Err, apperrors.ErrFillTimeout)
	assert.NotErrorIs(t, out.Err, apperrors.ErrCompensationFailed)

	assert.Equal(t, strategy.StateAwaitingEntry, inst.State())
	assert.Nil(t, inst.Position())
	assert.Empty(t, holdings(t, paper))
	assert.Equal(t, 0, c.Limiter().GroupCount("equities"))
	assert.Equal(t, 0, c.Limiter().Pending())
	assert.Zero(t, c.Account().BuyingPowerUsed)

	rep = c.Tick(context.Background(), t0.Add(5*time.Minute))
	out, _ = outcomeFor(rep, "spy-fly")
	assert.Equal(t, StatusFilled, out.Status, out.Reason)
	assert.Equal(t, "spy-fly/enter/2", out.Key)
}

func TestTick_FailsClosedWithoutData(t *testing.T) {
	paper := newPaper(100000)
	inst := deploy("spy-spread", "SPY", putSpread("SPY"), smallSizing(), 5)
	c := newCoordinator(t, testConfig(), paper, nil, inst)

	paper.FailData(errors.New("feed down"))
	rep := c.Tick(context.Background(), t0)
	assert.Nil(t, rep.Regime)
	assert.NotEmpty(t, rep.DataError)
	out, ok := outcomeFor(rep, "spy-spread")
	require.True(t, ok)
	assert.Equal(t, StatusDenied, out.Status)
	assert.ErrorIs(t, out.Err, apperrors.ErrNoRegime)

	paper.FailData(nil)
	paper.FailBalance(errors.New("funds endpoint down"))
	rep = c.Tick(context.Background(), t0.Add(time.Minute))
	out, _ = outcomeFor(rep, "spy-spread")
	assert.ErrorIs(t, out.Err, apperrors.ErrMarketData)

	paper.SetVolatilityIndex(-1)
	paper.FailBalance(nil)
	rep = c.Tick(context.Background(), t0.Add(2*time.Minute))
	out, _ = outcomeFor(rep, "spy-spread")
	assert.ErrorIs(t, out.Err, apperrors.ErrNoRegime, "a reading no band covers disables entries")

	assert.Zero(t, paper.Submits())
	assert.Equal(t, strategy.StateAwaitingEntry, inst.State())
}

func TestTick_ClosesStillRunWithoutData(t *testing.T) {
	paper := newPaper(100000)
	inst := strategy.NewInstance("spy-spread", "SPY", strategy.NewRule(strategy.RuleParams{
		Underlying:          "SPY",
		Legs:                putSpread("SPY"),
		Sizing:              smallSizing(),
		ExposurePerContract: 5,
		ExitDTE:             21,
	}))
	c := newCoordinator(t, testConfig(), paper, nil, inst)

	c.Tick(context.Background(), t0)
	require.Equal(t, strategy.StateOpen, inst.State())

	paper.FailData(errors.New("feed down"))
	rep := c.Tick(context.Background(), t0.AddDate(0, 0, 30))

	out, ok := outcomeFor(rep, "spy-spread")
	require.True(t, ok)
	assert.Equal(t, StatusFilled, out.Status, out.Reason)
	assert.Equal(t, strategy.StateClosed, inst.State())
	assert.Equal(t, 0, c.Limiter().GroupCount("equities"))
	assert.Empty(t, holdings(t, paper))
}

type blockingBroker struct {
	*broker.PaperBroker
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (b *blockingBroker) Balance(ctx context.Context) (*models.Balance, error) {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return b.PaperBroker.Balance(ctx)
}

func TestTick_OverlappingTickIsSkipped(t *testing.T) {
	b := &blockingBroker{
		PaperBroker: newPaper(100000),
		entered:     make(chan struct{}),
		release:     make(chan struct{}),
	}
	c := newCoordinator(t, testConfig(), b, nil, deploy("spy-spread", "SPY", putSpread("SPY"), smallSizing(), 5))

	done := make(chan TickReport)
	go func() { done <- c.Tick(context.Background(), t0) }()

	<-b.entered
	skipped := c.Tick(context.Background(), t0.Add(time.Second))
	assert.True(t, skipped.Skipped)
	assert.Equal(t, int64(1), c.Skipped())

	close(b.release)
	first := <-done
	assert.False(t, first.Skipped)
	assert.Equal(t, int64(1), first.Tick)
}

func TestTick_ReconcileOrphansMismatch(t *testing.T) {
	paper := newPaper(100000)
	spy := deploy("spy-spread", "SPY", putSpread("SPY"), smallSizing(), 5)
	qqq := deploy("qqq-spread", "QQQ", putSpread("QQQ"), smallSizing(), 5)
	c := newCoordinator(t, testConfig(), paper, nil, spy, qqq)

	c.Tick(context.Background(), t0)
	require.Equal(t, strategy.StateOpen, spy.State())

	paper.SetHolding("SPY P400", 0)
	paper.SetHolding("TLT C100", 3)
	rep := c.Tick(context.Background(), t0.Add(time.Minute))

	require.Len(t, rep.Mismatches, 1)
	assert.Equal(t, Mismatch{Symbol: "SPY P400", Expected: -1, Actual: 0}, rep.Mismatches[0])
	assert.Equal(t, []string{"spy-spread"}, rep.Orphaned)
	assert.Equal(t, strategy.StateOrphaned, spy.State())
	assert.NotNil(t, spy.Position(), "orphaned positions are kept for inspection")
	assert.Equal(t, strategy.StateOpen, qqq.State())

	// Orphaned positions still count against the group.
	c.Tick(context.Background(), t0.Add(2*time.Minute))
	assert.Equal(t, 2, c.Limiter().GroupCount("equities"))
}

func TestCoordinator_SnapshotRestore(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "riskcore.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer st.Close()

	ctx := context.Background()
	paper := newPaper(100000)
	c := newCoordinator(t, testConfig(), paper, st, deploy("spy-spread", "SPY", putSpread("SPY"), smallSizing(), 5))
	c.Tick(ctx, t0)
	before := c.Snapshot()

	restartedInst := deploy("spy-spread", "SPY", putSpread("SPY"), smallSizing(), 5)
	restarted := newCoordinator(t, testConfig(), paper, st, restartedInst)
	ok, err := restarted.LoadLatest(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, strategy.StateOpen, restartedInst.State())
	assert.Equal(t, before.Instances[0].Position.ID, restartedInst.Position().ID)
	assert.Equal(t, 1, restarted.Limiter().GroupCount("equities"))
	assert.InDelta(t, before.Account.Equity, restarted.Account().Equity, 1e-9)
	assert.InDelta(t, 500, restarted.Account().BuyingPowerUsed, 1e-9)
	assert.Equal(t, "spy-spread/enter/2", restartedInst.NextKey(strategy.ActionEnter))

	rep := restarted.Tick(ctx, t0.Add(time.Minute))
	assert.Equal(t, int64(2), rep.Tick)
	assert.Empty(t, rep.Orphaned)

	empty := newCoordinator(t, testConfig(), paper, nil)
	ok, err = empty.LoadLatest(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, restarted.Restore(Snapshot{Version: 99}), apperrors.ErrConfigInvalid)
}

func TestCoordinator_ResetBreaker(t *testing.T) {
	paper := newPaper(100000)
	c := newCoordinator(t, testConfig(), paper, nil)
	ctx := context.Background()

	c.Tick(ctx, t0)
	paper.AdjustCash(-7000)
	rep := c.Tick(ctx, t0.Add(time.Minute))
	require.True(t, rep.Tripped)

	c.ResetBreaker(ctx, t0.Add(2*time.Minute))
	assert.Equal(t, breaker.StateArmed, c.Breaker().State())
	assert.True(t, c.Account().TradingEnabled)

	rep = c.Tick(ctx, t0.Add(3*time.Minute))
	assert.True(t, rep.Tripped, "a condition that still holds trips again")
}

func TestCoordinator_PruneSnapshots(t *testing.T) {
	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "riskcore.db"))
	require.NoError(t, err)
	defer st.Close()

	c := newCoordinator(t, testConfig(), newPaper(100000), st)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		c.Tick(ctx, t0.Add(time.Duration(i)*time.Hour))
	}

	n, err := c.PruneSnapshots(ctx, 90*time.Minute, t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

// Feature: options-riskcore, Property 8: Buying power invariant across a tick
//
// Property: For any volatility reading and any set of strategies with any
// margin, the buying power of open positions after a tick never exceeds
// equity times the regime fraction.
func TestProperty_TickBuyingPowerInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)
	underlyings := []string{"SPY", "GLD", "TLT", "USO", "FXE", "QQQ"}

	properties.Property("used buying power stays under the regime ceiling", prop.ForAll(
		func(vix float64, margins []float64) bool {
			paper := newPaper(100000)
			paper.SetVolatilityIndex(vix)

			var instances []*strategy.Instance
			for i, m := range margins {
				if i >= len(underlyings) {
					break
				}
				u := underlyings[i]
				instances = append(instances, deploy(u, u,
					[]models.Leg{leg(u, u+" C1", models.KindCall, models.OrderSideBuy, 1, 1.0)},
					risk.SizeRequest{RiskFraction: 0.5, MaxLossPerContract: 100, MarginPerContract: m}, 0))
			}

			c, err := New(testConfig(), paper, nil, instances, zerolog.Nop())
			if err != nil {
				return false
			}
			rep := c.Tick(context.Background(), t0)
			if rep.Regime == nil {
				return false
			}
			acct := c.Account()
			return acct.BuyingPowerUsed <= acct.Equity*rep.Regime.MaxBuyingPower+1e-3
		},
		gen.Float64Range(5, 45),
		gen.SliceOf(gen.Float64Range(100, 40000)),
	))

	properties.TestingRun(t)
}

// Feature: options-riskcore, Property 9: Steady-state ticks are idempotent
//
// Property: Once every instance is open and inputs are unchanged, repeating
// the tick any number of times submits no further orders and leaves the
// limiter ledger unchanged.
func TestProperty_SteadyStateTicks(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("no new orders once positions are open", prop.ForAll(
		func(repeats int) bool {
			paper := newPaper(100000)
			c, err := New(testConfig(), paper, nil, []*strategy.Instance{
				deploy("spy", "SPY", putSpread("SPY"), smallSizing(), 5),
				deploy("gld", "GLD", putSpread("GLD"), smallSizing(), -5),
			}, zerolog.Nop())
			if err != nil {
				return false
			}
			c.Tick(context.Background(), t0)
			submits := paper.Submits()
			ledger := c.Limiter().Ledger()

			for i := 1; i <= repeats; i++ {
				rep := c.Tick(context.Background(), t0.Add(time.Duration(i)*time.Minute))
				if len(rep.Outcomes) != 0 || len(rep.Orphaned) != 0 {
					return false
				}
			}
			after := c.Limiter().Ledger()
			return paper.Submits() == submits &&
				after.GroupCounts["equities"] == ledger.GroupCounts["equities"] &&
				after.GroupCounts["metals"] == ledger.GroupCounts["metals"] &&
				after.Exposure["SPY"] == ledger.Exposure["SPY"] &&
				after.Exposure["GLD"] == ledger.Exposure["GLD"]
		},
		gen.IntRange(1, 5),
	))

	properties.TestingRun(t)
}
