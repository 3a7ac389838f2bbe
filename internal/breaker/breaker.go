// Package breaker implements the account-wide trading circuit breaker.
package breaker

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-riskcore/internal/config"
	"options-riskcore/internal/logging"
	"options-riskcore/internal/models"
)

// State represents the breaker state.
type State string

const (
	StateArmed   State = "ARMED"   // Normal operation
	StateTripped State = "TRIPPED" // New risk halted
)

// Condition names.
const (
	CondDailyLoss         = "daily_loss"
	CondWeeklyLoss        = "weekly_loss"
	CondMonthlyLoss       = "monthly_loss"
	CondIntradayDrawdown  = "intraday_drawdown"
	CondConsecutiveLosses = "consecutive_losses"
	CondLossRate          = "loss_rate"
)

// Condition is a breaker condition that currently holds.
type Condition struct {
	Name   string
	Reason string
}

// Evaluation is the outcome of one Check.
type Evaluation struct {
	State      State
	Tripped    bool // transitioned to Tripped during this check
	Rearmed    bool // transitioned to Armed during this check
	Reason     string
	Conditions []Condition
}

// Snapshot is the serialisable breaker state.
type Snapshot struct {
	State      State     `json:"state"`
	Reason     string    `json:"reason,omitempty"`
	TrippedAt  time.Time `json:"tripped_at,omitempty"`
	TripEquity float64   `json:"trip_equity,omitempty"`
	Trips      int       `json:"trips"`
}

// Breaker halts new risk when account loss conditions hold. It is driven once
// per tick by Check and never re-arms on its own outside of Check.
type Breaker struct {
	mu     sync.Mutex
	cfg    config.BreakerConfig
	logger zerolog.Logger

	state      State
	reason     string
	trippedAt  time.Time
	tripEquity float64
	trips      int

	onTrip  func(reason string, at time.Time)
	onRearm func(at time.Time)
}

// New creates an armed breaker.
func New(cfg config.BreakerConfig, logger zerolog.Logger) *Breaker {
	return &Breaker{
		cfg:    cfg,
		logger: logging.WithComponent(logger, "breaker"),
		state:  StateArmed,
	}
}

// OnTrip sets a callback invoked after the breaker trips.
func (b *Breaker) OnTrip(handler func(reason string, at time.Time)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onTrip = handler
}

// OnRearm sets a callback invoked after the breaker re-arms.
func (b *Breaker) OnRearm(handler func(at time.Time)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onRearm = handler
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsTripped reports whether new risk is halted.
func (b *Breaker) IsTripped() bool {
	return b.State() == StateTripped
}

// Conditions returns every breaker condition that holds for the account.
func (b *Breaker) Conditions(acct *models.Account) []Condition {
	var conds []Condition

	checkLoss := func(name, label string, baseline, limit float64) {
		if baseline <= 0 {
			return
		}
		// A loss of exactly the limit trips.
		pct := (acct.Equity - baseline) / baseline
		if pct <= -limit {
			conds = append(conds, Condition{
				Name:   name,
				Reason: fmt.Sprintf("%s loss limit exceeded: %.1f%%", label, pct*100),
			})
		}
	}

	checkLoss(CondDailyLoss, "daily", acct.DailyBaseline, b.cfg.DailyLossLimit)
	checkLoss(CondWeeklyLoss, "weekly", acct.WeeklyBaseline, b.cfg.WeeklyLossLimit)
	checkLoss(CondMonthlyLoss, "monthly", acct.MonthlyBaseline, b.cfg.MonthlyLossLimit)

	if acct.IntradayHighWater > 0 {
		dd := (acct.IntradayHighWater - acct.Equity) / acct.IntradayHighWater
		if dd >= b.cfg.IntradayDrawdownLimit {
			conds = append(conds, Condition{
				Name:   CondIntradayDrawdown,
				Reason: fmt.Sprintf("intraday drawdown limit exceeded: %.1f%%", -dd*100),
			})
		}
	}

	if acct.ConsecutiveLosses >= b.cfg.MaxConsecutiveLosses {
		conds = append(conds, Condition{
			Name:   CondConsecutiveLosses,
			Reason: fmt.Sprintf("max consecutive losses reached: %d", acct.ConsecutiveLosses),
		})
	}

	if acct.TradesToday >= b.cfg.LossRateMinTrades && acct.LossRate() > b.cfg.LossRateLimit {
		conds = append(conds, Condition{
			Name:   CondLossRate,
			Reason: fmt.Sprintf("loss rate limit exceeded: %.0f%% of %d trades", acct.LossRate()*100, acct.TradesToday),
		})
	}

	return conds
}

// Check evaluates the account once per tick. An armed breaker trips when any
// condition holds. A tripped breaker re-arms only when the cooldown has
// elapsed, equity has recovered the configured fraction above the trip
// equity, and no loss condition holds. The account's trading flag and halt
// fields are updated to match.
func (b *Breaker) Check(acct *models.Account, now time.Time) Evaluation {
	conds := b.Conditions(acct)

	b.mu.Lock()
	eval := Evaluation{Conditions: conds}

	switch b.state {
	case StateArmed:
		if len(conds) > 0 {
			b.state = StateTripped
			b.reason = conds[0].Reason
			b.trippedAt = now
			b.tripEquity = acct.Equity
			b.trips++
			eval.Tripped = true
		}
	case StateTripped:
		if b.canRearmLocked(acct, conds, now) {
			b.state = StateArmed
			b.reason = ""
			b.trippedAt = time.Time{}
			b.tripEquity = 0
			acct.ConsecutiveLosses = 0
			eval.Rearmed = true
		}
	}

	eval.State = b.state
	eval.Reason = b.reason
	if b.state == StateTripped {
		acct.TradingEnabled = false
		acct.HaltReason = b.reason
		acct.HaltedAt = b.trippedAt
	} else {
		acct.TradingEnabled = true
		acct.HaltReason = ""
		acct.HaltedAt = time.Time{}
	}

	onTrip, onRearm := b.onTrip, b.onRearm
	reason := b.reason
	b.mu.Unlock()

	if eval.Tripped {
		logging.LogTrip(b.logger, reason, acct.Equity, now)
		if onTrip != nil {
			onTrip(reason, now)
		}
	}
	if eval.Rearmed {
		b.logger.Info().Float64("equity", acct.Equity).Msg("Circuit breaker re-armed")
		if onRearm != nil {
			onRearm(now)
		}
	}
	return eval
}

// canRearmLocked ignores the consecutive-loss streak, which re-arming resets.
func (b *Breaker) canRearmLocked(acct *models.Account, conds []Condition, now time.Time) bool {
	if now.Sub(b.trippedAt) < b.cfg.Cooldown {
		return false
	}
	if acct.Equity < b.tripEquity*(1+b.cfg.RecoveryFraction) {
		return false
	}
	for _, c := range conds {
		if c.Name != CondConsecutiveLosses {
			return false
		}
	}
	return true
}

// ForceRearm re-arms the breaker immediately regardless of cooldown and
// recovery. The next Check trips it again if a condition still holds.
func (b *Breaker) ForceRearm(acct *models.Account) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateArmed
	b.reason = ""
	b.trippedAt = time.Time{}
	b.tripEquity = 0
	acct.ConsecutiveLosses = 0
	acct.TradingEnabled = true
	acct.HaltReason = ""
	acct.HaltedAt = time.Time{}
	b.logger.Warn().Msg("Circuit breaker manually re-armed")
}

// RecordTradeResult updates the running trade counters after a position closes.
func (b *Breaker) RecordTradeResult(acct *models.Account, pnl float64) {
	if math.IsNaN(pnl) || math.IsInf(pnl, 0) {
		b.logger.Warn().Float64("pnl", pnl).Msg("Ignoring invalid trade result")
		return
	}

	acct.TradesToday++
	if pnl < 0 {
		acct.LossesToday++
		acct.ConsecutiveLosses++
	} else {
		acct.ConsecutiveLosses = 0
	}
}

// MarkEquity records a fresh equity reading and raises the intraday high-water mark.
func (b *Breaker) MarkEquity(acct *models.Account, equity float64) {
	acct.Equity = equity
	if equity > acct.IntradayHighWater {
		acct.IntradayHighWater = equity
	}
}

// Period keys.
func dayKey(t time.Time) string { return t.Format("2006-01-02") }

func weekKey(t time.Time) string {
	y, w := t.ISOWeek()
	return fmt.Sprintf("%d-W%02d", y, w)
}

func monthKey(t time.Time) string { return t.Format("2006-01") }

// ResetPeriods rolls period baselines forward when now falls in a new trading
// day, ISO week or calendar month, regardless of breaker state. It returns
// the names of the periods that were reset.
func (b *Breaker) ResetPeriods(acct *models.Account, now time.Time) []string {
	var reset []string

	if d := dayKey(now); acct.DayKey != d {
		acct.DayKey = d
		acct.DailyBaseline = acct.Equity
		acct.IntradayHighWater = acct.Equity
		acct.TradesToday = 0
		acct.LossesToday = 0
		reset = append(reset, "day")
	}
	if w := weekKey(now); acct.WeekKey != w {
		acct.WeekKey = w
		acct.WeeklyBaseline = acct.Equity
		reset = append(reset, "week")
	}
	if m := monthKey(now); acct.MonthKey != m {
		acct.MonthKey = m
		acct.MonthlyBaseline = acct.Equity
		reset = append(reset, "month")
	}

	if len(reset) > 0 {
		b.logger.Info().Strs("periods", reset).Float64("equity", acct.Equity).Msg("Period baselines reset")
	}
	return reset
}

// Snapshot returns the serialisable breaker state.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:      b.state,
		Reason:     b.reason,
		TrippedAt:  b.trippedAt,
		TripEquity: b.tripEquity,
		Trips:      b.trips,
	}
}

// Restore loads a previously saved state.
func (b *Breaker) Restore(s Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = s.State
	if b.state != StateTripped {
		b.state = StateArmed
	}
	b.reason = s.Reason
	b.trippedAt = s.TrippedAt
	b.tripEquity = s.TripEquity
	b.trips = s.Trips
}
