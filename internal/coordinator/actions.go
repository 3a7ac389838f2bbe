package coordinator

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/execution"
	"options-riskcore/internal/logging"
	"options-riskcore/internal/metrics"
	"options-riskcore/internal/models"
	"options-riskcore/internal/risk"
	"options-riskcore/internal/strategy"
	"options-riskcore/pkg/id"
)

// step asks one instance for its action and carries it out.
func (c *Coordinator) step(ctx context.Context, inst *strategy.Instance, ts tickState, rep *TickReport) {
	if ts.handled[inst.ID()] {
		return
	}
	u := strings.ToUpper(inst.Underlying())
	quote, quoted := ts.quotes[u]

	a := inst.Decide(strategy.Tick{
		Now:     ts.now,
		Regime:  regimeName(ts.regime),
		Quote:   quote,
		Tripped: ts.tripped,
	})

	logger := logging.WithStrategy(c.logger, inst.ID())

	var out Outcome
	switch a.Type {
	case strategy.ActionNone:
		return
	case strategy.ActionEnter:
		out = c.enter(ctx, inst, a, ts, quoted, logger, rep)
	case strategy.ActionAdjust:
		out = c.adjust(ctx, inst, a, ts, logger, rep)
	case strategy.ActionClose:
		out = c.close(ctx, inst, a.Reason, ts.now, logger, rep)
	default:
		return
	}
	out.StrategyID = inst.ID()
	out.Action = a.Type
	rep.Outcomes = append(rep.Outcomes, out)
}

// recheck re-evaluates an armed breaker after trade results moved its
// counters. A trip here flattens and halts the rest of the tick.
func (c *Coordinator) recheck(ctx context.Context, ts *tickState, rep *TickReport) {
	if ts.tripped {
		return
	}
	eval := c.breaker.Check(c.account, ts.now)
	if !eval.Tripped {
		return
	}
	rep.Breaker = eval.State
	rep.Tripped = true
	rep.Reason = eval.Reason
	ts.tripped = true
	c.flatten(ctx, *ts, rep)
}

// retryClose finishes a close that an earlier tick started. It is the only
// per-instance work done while the breaker is tripped.
func (c *Coordinator) retryClose(ctx context.Context, inst *strategy.Instance, ts tickState, rep *TickReport) {
	if ts.handled[inst.ID()] || inst.State() != strategy.StateClosing {
		return
	}
	out := c.close(ctx, inst, inst.CloseReason(), ts.now, logging.WithStrategy(c.logger, inst.ID()), rep)
	out.StrategyID = inst.ID()
	out.Action = strategy.ActionClose
	rep.Outcomes = append(rep.Outcomes, out)
}

func regimeName(r *risk.Regime) string {
	if r == nil {
		return ""
	}
	return r.Name
}

func denied(err error, logger zerolog.Logger, strategyID, underlying string) Outcome {
	logging.LogDenial(logger, strategyID, underlying, err)
	metrics.RecordDenial(denialLabel(err))
	return Outcome{Status: StatusDenied, Reason: err.Error(), Err: err}
}

// denialLabel maps a denial to a bounded metric label.
func denialLabel(err error) string {
	switch {
	case apperrors.Is(err, apperrors.ErrTradingHalted):
		return "halted"
	case apperrors.Is(err, apperrors.ErrNoRegime):
		return "no_regime"
	case apperrors.Is(err, apperrors.ErrMarketData):
		return "market_data"
	case apperrors.Is(err, apperrors.ErrUnknownGroup):
		return "unknown_group"
	case apperrors.Is(err, apperrors.ErrGroupAtCapacity):
		return "group_cap"
	case apperrors.Is(err, apperrors.ErrExposureCeiling):
		return "exposure_ceiling"
	case apperrors.Is(err, apperrors.ErrNoHeadroom):
		return "headroom"
	}
	return "other"
}

// enter runs limiter, sizer and executor for a new position, aborting at the
// first denial and releasing the reservation.
func (c *Coordinator) enter(ctx context.Context, inst *strategy.Instance, a strategy.Action, ts tickState, quoted bool, logger zerolog.Logger, rep *TickReport) Outcome {
	sid, u := inst.ID(), inst.Underlying()

	if err := inst.Check(strategy.StateOpen, strategy.Gate{Tripped: ts.tripped, RiskIncreasing: true}); err != nil {
		return denied(err, logger, sid, u)
	}
	if !ts.fresh {
		return denied(apperrors.NewDataError("balance", "", "equity not refreshed this tick", apperrors.ErrMarketData), logger, sid, u)
	}
	if ts.regime == nil {
		return denied(apperrors.ErrNoRegime, logger, sid, u)
	}
	if !quoted {
		return denied(apperrors.NewDataError("quote", u, "no quote this tick", apperrors.ErrMarketData), logger, sid, u)
	}

	res, err := c.limiter.Request(risk.AllocationRequest{
		StrategyID: sid,
		Underlying: u,
		Kind:       risk.AllocOpen,
		Exposure:   a.ExposurePerContract,
	})
	if err != nil {
		return denied(err, logger, sid, u)
	}
	release := func() {
		if err := c.limiter.Release(res.Token); err != nil {
			logger.Error().Err(err).Str("token", res.Token).Msg("Failed to release reservation")
		}
	}

	size := c.sizer.Size(a.Sizing, c.account.Equity, c.account.BuyingPowerUsed, *ts.regime)
	if size.Contracts == 0 {
		release()
		return denied(apperrors.NewDenialError(sid, u, size.Reason, apperrors.ErrNoHeadroom), logger, sid, u)
	}

	n := c.limiter.ContractsWithin(res.Token, a.ExposurePerContract, size.Contracts)
	if n == 0 {
		release()
		return denied(apperrors.NewDenialError(sid, u, "no contracts fit the exposure ceiling", apperrors.ErrExposureCeiling), logger, sid, u)
	}
	exposure := a.ExposurePerContract * float64(n)
	if err := c.limiter.Amend(res.Token, exposure); err != nil {
		release()
		return denied(err, logger, sid, u)
	}

	key := inst.NextKey(strategy.ActionEnter)
	buyingPower := a.Sizing.MarginPerContract * float64(n)
	logger.Info().
		Str("key", key).
		Int("contracts", n).
		Int("requested", size.Requested).
		Float64("headroom", size.Headroom).
		Str("regime", ts.regime.Name).
		Msg("Opening position")

	result, err := c.executor.Execute(ctx, key, execution.Request{
		Kind:        execution.KindOpen,
		StrategyID:  sid,
		Underlying:  u,
		Group:       res.Group,
		Legs:        scaleLegs(a.Legs, n),
		Exposure:    exposure,
		BuyingPower: buyingPower,
	})
	if err != nil {
		release()
		if unwoundFailed(err) {
			c.orphan(inst, "entry unwind failed: "+err.Error(), ts.now, rep)
		}
		return Outcome{Key: key, Status: StatusFailed, Contracts: n, Reason: err.Error(), Err: err}
	}

	if err := inst.Opened(result.Position, strategy.Gate{Tripped: ts.tripped}, ts.now); err != nil {
		// The fills exist at the broker; keep them counted and hand the
		// instance to an operator.
		if cerr := c.limiter.Confirm(res.Token); cerr != nil {
			logger.Error().Err(cerr).Str("token", res.Token).Msg("Failed to confirm reservation")
		}
		c.orphan(inst, "filled entry rejected by lifecycle: "+err.Error(), ts.now, rep)
		return Outcome{Key: key, Status: StatusFailed, Contracts: n, PositionID: result.Position.ID, Reason: err.Error(), Err: err}
	}
	if err := c.limiter.Confirm(res.Token); err != nil {
		logger.Error().Err(err).Msg("Failed to confirm reservation")
	}
	c.account.BuyingPowerUsed += buyingPower

	plog := logging.WithPosition(logger, result.Position.ID)
	plog.Info().
		Float64("credit", result.Position.EntryCredit()).
		Float64("exposure", exposure).
		Msg("Position opened")
	return Outcome{Key: key, Status: StatusFilled, Contracts: n, PositionID: result.Position.ID}
}

// adjust replaces a subset of a position's legs. Non-reducing adjustments
// need a regime, buying-power room and an armed breaker.
func (c *Coordinator) adjust(ctx context.Context, inst *strategy.Instance, a strategy.Action, ts tickState, logger zerolog.Logger, rep *TickReport) Outcome {
	sid, u := inst.ID(), inst.Underlying()
	pos := inst.Position()
	if pos == nil {
		return denied(apperrors.ErrPositionNotFound, logger, sid, u)
	}

	res, err := c.limiter.Request(risk.AllocationRequest{
		StrategyID: sid,
		Underlying: u,
		Kind:       risk.AllocAdjust,
		Exposure:   a.Exposure - pos.DirectionalExposure,
	})
	if err != nil {
		return denied(err, logger, sid, u)
	}
	release := func() {
		if err := c.limiter.Release(res.Token); err != nil {
			logger.Error().Err(err).Str("token", res.Token).Msg("Failed to release reservation")
		}
	}

	gate := strategy.Gate{Tripped: ts.tripped, RiskIncreasing: !res.Reducing}
	if err := inst.Check(strategy.StateOpen, gate); err != nil {
		release()
		return denied(err, logger, sid, u)
	}
	if extra := a.BuyingPower - pos.BuyingPower; extra > 0 {
		if ts.regime == nil {
			release()
			return denied(apperrors.ErrNoRegime, logger, sid, u)
		}
		if !c.sizer.Fits(extra, c.account.Equity, c.account.BuyingPowerUsed, *ts.regime) {
			release()
			return denied(apperrors.NewDenialError(sid, u, fmt.Sprintf("adjustment needs %.2f more buying power", extra), apperrors.ErrNoHeadroom), logger, sid, u)
		}
	}

	key := inst.NextKey(strategy.ActionAdjust)
	result, err := c.executor.Execute(ctx, key, execution.Request{
		Kind:        execution.KindAdjust,
		StrategyID:  sid,
		Underlying:  u,
		Group:       pos.Group,
		Position:    pos,
		Legs:        a.Legs,
		Remove:      a.Remove,
		Exposure:    a.Exposure,
		BuyingPower: a.BuyingPower,
	})
	if err != nil {
		release()
		if unwoundFailed(err) {
			c.orphan(inst, "adjustment unwind failed: "+err.Error(), ts.now, rep)
		}
		return Outcome{Key: key, Status: StatusFailed, PositionID: pos.ID, Reason: err.Error(), Err: err}
	}

	if err := inst.Adjusted(result.Position, res.Reducing, gate, ts.now); err != nil {
		if cerr := c.limiter.Confirm(res.Token); cerr != nil {
			logger.Error().Err(cerr).Str("token", res.Token).Msg("Failed to confirm reservation")
		}
		c.orphan(inst, "filled adjustment rejected by lifecycle: "+err.Error(), ts.now, rep)
		return Outcome{Key: key, Status: StatusFailed, PositionID: pos.ID, Reason: err.Error(), Err: err}
	}
	if err := c.limiter.Confirm(res.Token); err != nil {
		logger.Error().Err(err).Msg("Failed to confirm reservation")
	}
	c.account.BuyingPowerUsed += a.BuyingPower - pos.BuyingPower

	plog := logging.WithPosition(logger, pos.ID)
	plog.Info().
		Float64("realized_pnl", result.RealizedPnL).
		Bool("reducing", res.Reducing).
		Msg("Position adjusted")
	return Outcome{Key: key, Status: StatusFilled, PositionID: pos.ID, RealizedPnL: result.RealizedPnL}
}

// close flattens an instance's position. Closes are always approved; a close
// that fails leaves the instance Closing for the next tick to retry.
func (c *Coordinator) close(ctx context.Context, inst *strategy.Instance, reason models.CloseReason, now time.Time, logger zerolog.Logger, rep *TickReport) Outcome {
	sid, u := inst.ID(), inst.Underlying()
	pos := inst.Position()
	if pos == nil {
		return denied(apperrors.ErrPositionNotFound, logger, sid, u)
	}
	if reason == "" {
		reason = models.CloseReasonStrategy
	}
	if err := inst.BeginClose(reason, now); err != nil {
		return Outcome{Status: StatusFailed, PositionID: pos.ID, Reason: err.Error(), Err: err}
	}

	res, err := c.limiter.Request(risk.AllocationRequest{
		StrategyID: sid,
		Underlying: u,
		Kind:       risk.AllocClose,
		Exposure:   -pos.DirectionalExposure,
	})
	if err != nil {
		return denied(err, logger, sid, u)
	}

	result, key, err := c.executeClose(ctx, inst, pos, now, rep)
	if err != nil {
		if rerr := c.limiter.Release(res.Token); rerr != nil {
			logger.Error().Err(rerr).Str("token", res.Token).Msg("Failed to release reservation")
		}
		return Outcome{Key: key, Status: StatusFailed, PositionID: pos.ID, Reason: err.Error(), Err: err}
	}
	if err := c.limiter.Confirm(res.Token); err != nil {
		logger.Error().Err(err).Msg("Failed to confirm reservation")
	}
	c.closed(ctx, inst, pos, result, inst.CloseReason(), now, logger)
	return Outcome{Key: key, Status: StatusFilled, Reason: string(inst.CloseReason()), PositionID: pos.ID, RealizedPnL: result.RealizedPnL}
}

// executeClose submits the inverse legs of pos and orphans the instance when
// a failed close could not be unwound.
func (c *Coordinator) executeClose(ctx context.Context, inst *strategy.Instance, pos *models.Position, now time.Time, rep *TickReport) (*execution.Result, string, error) {
	key := inst.NextKey(strategy.ActionClose)
	result, err := c.executor.Execute(ctx, key, execution.Request{
		Kind:       execution.KindClose,
		StrategyID: inst.ID(),
		Underlying: inst.Underlying(),
		Group:      pos.Group,
		Position:   pos,
	})
	if err != nil && unwoundFailed(err) {
		c.orphan(inst, "close unwind failed: "+err.Error(), now, rep)
	}
	return result, key, err
}

// closed records a filled close: instance, account, breaker counters and journal.
func (c *Coordinator) closed(ctx context.Context, inst *strategy.Instance, pos *models.Position, result *execution.Result, reason models.CloseReason, now time.Time, logger zerolog.Logger) {
	if err := inst.Closed(now); err != nil {
		logger.Error().Err(err).Msg("Closed position but lifecycle rejected the transition")
	}
	c.account.BuyingPowerUsed = math.Max(0, c.account.BuyingPowerUsed-pos.BuyingPower)
	c.breaker.RecordTradeResult(c.account, result.RealizedPnL)

	trade := &models.Trade{
		ID:           id.Prefixed("trd"),
		PositionID:   pos.ID,
		StrategyID:   pos.StrategyID,
		Underlying:   pos.Underlying,
		Group:        pos.Group,
		EntryTime:    pos.EntryTime,
		ExitTime:     now,
		EntryCredit:  pos.EntryCredit(),
		RealizedPnL:  result.RealizedPnL,
		Reason:       reason,
		HoldDuration: now.Sub(pos.EntryTime),
	}

	plog := logging.WithPosition(logger, pos.ID)
	plog.Info().
		Float64("realized_pnl", trade.RealizedPnL).
		Str("reason", string(reason)).
		Dur("held", trade.HoldDuration).
		Msg("Position closed")

	if c.store == nil {
		return
	}
	if err := c.store.LogTrade(ctx, trade); err != nil {
		logger.Error().Err(err).Str("position", pos.ID).Msg("Failed to journal trade")
	}
}

// flatten runs while the breaker is tripped: it cancels resting orders and
// force-closes every position carrying unbounded risk, bypassing the limiter.
func (c *Coordinator) flatten(ctx context.Context, ts tickState, rep *TickReport) {
	logger := logging.WithComponent(c.logger, "flatten")

	var open []models.LegOrder
	err := c.call(ctx, "open_orders", func(ctx context.Context) (err error) {
		open, err = c.placer.OpenOrders(ctx)
		return err
	})
	if err != nil {
		logger.Error().Err(err).Msg("Failed to list resting orders")
	}
	for _, o := range open {
		err := c.call(ctx, "cancel_order", func(ctx context.Context) error {
			return c.placer.CancelOrder(ctx, o.OrderID)
		})
		if err != nil {
			logger.Error().Err(err).Str("order_id", o.OrderID).Msg("Failed to cancel resting order")
			continue
		}
		rep.Cancelled++
	}

	for _, inst := range c.instances {
		switch inst.State() {
		case strategy.StateOrphaned, strategy.StateClosed, strategy.StateAwaitingEntry:
			continue
		}
		pos := inst.Position()
		if pos == nil || !pos.HasUnboundedRisk() {
			continue
		}

		ilog := logging.WithPosition(logging.WithStrategy(logger, inst.ID()), pos.ID)
		if err := inst.BeginClose(models.CloseReasonEmergency, ts.now); err != nil {
			ilog.Error().Err(err).Msg("Cannot begin emergency close")
			continue
		}

		ts.handled[inst.ID()] = true
		result, key, err := c.executeClose(ctx, inst, pos, ts.now, rep)
		out := Outcome{StrategyID: inst.ID(), Action: strategy.ActionClose, Key: key, PositionID: pos.ID}
		if err != nil {
			ilog.Error().Err(err).Msg("Emergency close failed")
			out.Status, out.Reason, out.Err = StatusFailed, err.Error(), err
			rep.Outcomes = append(rep.Outcomes, out)
			continue
		}

		c.limiter.RecordClose(pos)
		c.closed(ctx, inst, pos, result, models.CloseReasonEmergency, ts.now, ilog)
		rep.Flattened = append(rep.Flattened, pos.ID)
		out.Status, out.Reason, out.RealizedPnL = StatusFilled, string(models.CloseReasonEmergency), result.RealizedPnL
		rep.Outcomes = append(rep.Outcomes, out)
	}

	if len(rep.Flattened) > 0 || rep.Cancelled > 0 {
		logger.Warn().
			Strs("flattened", rep.Flattened).
			Int("cancelled", rep.Cancelled).
			Msg("Emergency flatten pass complete")
	}
}
