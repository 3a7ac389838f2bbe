// Package execution submits multi-leg transactions atomically: every leg
// fills, or every filled leg is unwound and the transaction fails.
package execution

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"options-riskcore/internal/broker"
	"options-riskcore/internal/config"
	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/logging"
	"options-riskcore/internal/metrics"
	"options-riskcore/internal/models"
	"options-riskcore/pkg/id"
	"options-riskcore/pkg/utils"
)

// Kind is the type of transaction.
type Kind string

const (
	KindOpen   Kind = "open"
	KindAdjust Kind = "adjust"
	KindClose  Kind = "close"
)

// Request describes one transaction.
//
// For KindOpen, Legs are the new position's legs. For KindAdjust, Position is
// the live position, Remove lists indexes of its legs to close and Legs are
// the replacement legs. For KindClose, Position is closed with inverse legs.
type Request struct {
	Kind        Kind
	StrategyID  string
	Underlying  string
	Group       string
	Position    *models.Position
	Legs        []models.Leg
	Remove      []int
	Exposure    float64 // resulting position exposure for open and adjust
	BuyingPower float64 // resulting position buying power for open and adjust
}

// Result is the outcome of a successful transaction.
type Result struct {
	Key         string
	Kind        Kind
	Position    *models.Position // the new or adjusted position, or the closed one
	Fills       []models.LegOrder
	RealizedPnL float64 // P&L realised by closed legs
	CompletedAt time.Time
}

// Config holds executor configuration.
type Config struct {
	FillTimeout          time.Duration
	PollInterval         time.Duration
	CompensationTimeout  time.Duration
	CompensationAttempts int
	IdempotencyTTL       time.Duration
}

// ConfigFrom converts the executor section of the application configuration.
func ConfigFrom(c config.ExecutorConfig) Config {
	return Config{
		FillTimeout:          c.FillTimeout,
		PollInterval:         c.PollInterval,
		CompensationTimeout:  c.CompensationTimeout,
		CompensationAttempts: c.CompensationAttempts,
		IdempotencyTTL:       c.IdempotencyTTL,
	}
}

type outcome struct {
	done       chan struct{}
	result     *Result
	err        error
	resolvedAt time.Time
}

// Executor runs transactions one at a time against an OrderPlacer.
type Executor struct {
	placer broker.OrderPlacer
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	outcomes map[string]*outcome

	pipeline sync.Mutex
	now      func() time.Time
}

// NewExecutor creates an executor.
func NewExecutor(placer broker.OrderPlacer, cfg Config, logger zerolog.Logger) *Executor {
	if cfg.CompensationAttempts < 1 {
		cfg.CompensationAttempts = 1
	}
	return &Executor{
		placer:   placer,
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "executor"),
		outcomes: make(map[string]*outcome),
		now:      time.Now,
	}
}

// Execute runs req under the idempotency key. A duplicate key that is still
// in flight waits for the original outcome; a resolved key returns the cached
// outcome without touching the broker. Failures are returned as
// *errors.ExecutionError.
func (e *Executor) Execute(ctx context.Context, key string, req Request) (*Result, error) {
	e.mu.Lock()
	if o, ok := e.outcomes[key]; ok {
		e.mu.Unlock()
		select {
		case <-o.done:
			return o.result, o.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	o := &outcome{done: make(chan struct{})}
	e.outcomes[key] = o
	e.mu.Unlock()

	e.pipeline.Lock()
	res, err := e.run(ctx, key, req)
	e.pipeline.Unlock()

	e.mu.Lock()
	o.result, o.err, o.resolvedAt = res, err, e.now()
	e.mu.Unlock()
	close(o.done)

	outcomeLabel := "filled"
	if err != nil {
		outcomeLabel = "failed"
	}
	metrics.RecordExecution(string(req.Kind), outcomeLabel)
	return res, err
}

// Prune drops resolved outcomes older than the idempotency TTL.
func (e *Executor) Prune(now time.Time) int {
	if e.cfg.IdempotencyTTL <= 0 {
		return 0
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	n := 0
	for key, o := range e.outcomes {
		if !o.resolvedAt.IsZero() && now.Sub(o.resolvedAt) > e.cfg.IdempotencyTTL {
			delete(e.outcomes, key)
			n++
		}
	}
	return n
}

func (e *Executor) run(ctx context.Context, key string, req Request) (*Result, error) {
	logger := logging.WithKey(e.logger, key)

	legs, err := transactionLegs(req)
	if err != nil {
		return nil, apperrors.NewExecutionError(key, err.Error(), true, err)
	}

	fillCtx, cancel := context.WithTimeout(ctx, e.cfg.FillTimeout)
	defer cancel()

	acks, err := e.placer.SubmitLegs(fillCtx, key, legs)
	if err != nil {
		// Legs that were acknowledged before the failure still need unwinding.
		unwound := e.unwind(ctx, key, acks, logger)
		return nil, apperrors.NewExecutionError(key, "submission failed", unwound, joinUnwound(err, unwound))
	}

	orders, cause := e.awaitFills(fillCtx, acks)
	if cause != nil {
		logger.Warn().Err(cause).Msg("Transaction failed, unwinding filled legs")
		unwound := e.unwind(ctx, key, orders, logger)
		return nil, apperrors.NewExecutionError(key, cause.Error(), unwound, joinUnwound(cause, unwound))
	}

	for _, o := range orders {
		logging.LogLeg(logger, o.OrderID, o.Leg.Symbol, string(o.Leg.Side), string(o.Status), o.FilledQty)
	}
	return e.buildResult(key, req, orders), nil
}

func joinUnwound(cause error, unwound bool) error {
	if unwound {
		return cause
	}
	return errors.Join(cause, apperrors.ErrCompensationFailed)
}

// transactionLegs returns the legs to submit for a request.
func transactionLegs(req Request) ([]models.Leg, error) {
	var legs []models.Leg

	switch req.Kind {
	case KindOpen:
		legs = append(legs, req.Legs...)
	case KindAdjust:
		if req.Position == nil {
			return nil, apperrors.ErrPositionNotFound
		}
		seen := make(map[int]bool, len(req.Remove))
		for _, idx := range req.Remove {
			if idx < 0 || idx >= len(req.Position.Legs) {
				return nil, fmt.Errorf("adjust removes leg %d of %d", idx, len(req.Position.Legs))
			}
			if seen[idx] {
				return nil, apperrors.NewValidationError("remove", idx, "leg index listed more than once")
			}
			seen[idx] = true
			legs = append(legs, req.Position.Legs[idx].Inverse())
		}
		legs = append(legs, req.Legs...)
	case KindClose:
		if req.Position == nil {
			return nil, apperrors.ErrPositionNotFound
		}
		for _, l := range req.Position.Legs {
			legs = append(legs, l.Inverse())
		}
	default:
		return nil, fmt.Errorf("unknown transaction kind %q", req.Kind)
	}

	if len(legs) == 0 {
		return nil, apperrors.ErrEmptyTransaction
	}
	for _, l := range legs {
		if l.Quantity <= 0 {
			return nil, fmt.Errorf("leg %s has quantity %d", l.Symbol, l.Quantity)
		}
	}
	return legs, nil
}

// awaitFills polls every order until all are filled, one is rejected or ctx
// expires. It returns the latest known state of every order.
func (e *Executor) awaitFills(ctx context.Context, acks []models.LegOrder) ([]models.LegOrder, error) {
	orders := append([]models.LegOrder(nil), acks...)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		allFilled := true
		for i := range orders {
			if !orders[i].Status.IsTerminal() {
				if st, err := e.placer.OrderStatus(ctx, orders[i].OrderID); err == nil {
					orders[i] = *st
				}
			}
			switch orders[i].Status {
			case models.OrderStatusRejected, models.OrderStatusCancelled:
				return orders, fmt.Errorf("leg %d %s %s: %w", orders[i].LegIndex, orders[i].Leg.Symbol, orders[i].Reason, apperrors.ErrLegRejected)
			case models.OrderStatusFilled:
			default:
				allFilled = false
			}
		}
		if allFilled {
			return orders, nil
		}

		select {
		case <-ctx.Done():
			return orders, fmt.Errorf("%d of %d legs unfilled: %w", countUnfilled(orders), len(orders), apperrors.ErrFillTimeout)
		case <-ticker.C:
		}
	}
}

func countUnfilled(orders []models.LegOrder) int {
	n := 0
	for _, o := range orders {
		if o.Status != models.OrderStatusFilled {
			n++
		}
	}
	return n
}

// unwind cancels working orders and flattens every filled quantity with
// inverse orders. It runs on a fresh deadline detached from the caller's
// cancellation and reports whether the account is flat again.
func (e *Executor) unwind(parent context.Context, key string, orders []models.LegOrder, logger zerolog.Logger) bool {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), e.cfg.CompensationTimeout)
	defer cancel()

	for i := range orders {
		if orders[i].Status.IsTerminal() {
			continue
		}
		if err := e.placer.CancelOrder(ctx, orders[i].OrderID); err != nil {
			logger.Warn().Err(err).Str("order_id", orders[i].OrderID).Msg("Cancel failed")
		}
		// A fill can land between the last poll and the cancel.
		if st, err := e.placer.OrderStatus(ctx, orders[i].OrderID); err == nil {
			orders[i] = *st
		}
	}

	var remaining []models.Leg
	for _, o := range orders {
		if o.FilledQty <= 0 {
			continue
		}
		inv := o.Leg.Inverse()
		inv.Quantity = o.FilledQty
		remaining = append(remaining, inv)
	}
	if len(remaining) == 0 {
		return true
	}

	retry := utils.RetryConfig{
		MaxAttempts:   e.cfg.CompensationAttempts,
		InitialDelay:  e.cfg.PollInterval,
		MaxDelay:      time.Second,
		BackoffFactor: 2,
	}

	attempt := 0
	err := utils.Retry(ctx, retry, func(ctx context.Context) error {
		attempt++
		tag := fmt.Sprintf("%s/unwind/%d", key, attempt)
		acks, err := e.placer.SubmitLegs(ctx, tag, remaining)
		if err != nil {
			return err
		}
		done, _ := e.awaitTerminal(ctx, acks)

		var left []models.Leg
		for _, o := range done {
			if unfilled := o.Leg.Quantity - o.FilledQty; unfilled > 0 {
				if !o.Status.IsTerminal() {
					_ = e.placer.CancelOrder(ctx, o.OrderID)
				}
				l := o.Leg
				l.Quantity = unfilled
				left = append(left, l)
			}
		}
		remaining = left
		if len(remaining) > 0 {
			return fmt.Errorf("%d compensating legs unfilled", len(remaining))
		}
		return nil
	})

	metrics.RecordCompensation(err == nil)
	if err != nil {
		logger.Error().Err(err).Int("legs", len(remaining)).Msg("Compensation failed, position left unbalanced")
		return false
	}
	logger.Info().Int("attempts", attempt).Msg("Filled legs unwound")
	return true
}

// awaitTerminal polls until every order is terminal or ctx expires.
func (e *Executor) awaitTerminal(ctx context.Context, acks []models.LegOrder) ([]models.LegOrder, error) {
	orders := append([]models.LegOrder(nil), acks...)
	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		pending := false
		for i := range orders {
			if orders[i].Status.IsTerminal() {
				continue
			}
			if st, err := e.placer.OrderStatus(ctx, orders[i].OrderID); err == nil {
				orders[i] = *st
			}
			if !orders[i].Status.IsTerminal() {
				pending = true
			}
		}
		if !pending {
			return orders, nil
		}
		select {
		case <-ctx.Done():
			return orders, ctx.Err()
		case <-ticker.C:
		}
	}
}

// buildResult turns a fully filled transaction into its resulting position.
func (e *Executor) buildResult(key string, req Request, orders []models.LegOrder) *Result {
	sort.Slice(orders, func(i, j int) bool { return orders[i].LegIndex < orders[j].LegIndex })

	filled := make([]models.Leg, len(orders))
	for i, o := range orders {
		l := o.Leg
		l.FillPrice = o.AveragePrice
		filled[i] = l
	}

	now := e.now()
	res := &Result{Key: key, Kind: req.Kind, Fills: orders, CompletedAt: now}

	switch req.Kind {
	case KindOpen:
		res.Position = &models.Position{
			ID:                  id.Prefixed("pos"),
			StrategyID:          req.StrategyID,
			Underlying:          req.Underlying,
			Group:               req.Group,
			Legs:                filled,
			DirectionalExposure: req.Exposure,
			BuyingPower:         req.BuyingPower,
			EntryTime:           now,
		}

	case KindAdjust:
		pos := req.Position.Clone()
		removed := make(map[int]bool, len(req.Remove))
		for _, idx := range req.Remove {
			removed[idx] = true
		}

		var kept []models.Leg
		for i, l := range pos.Legs {
			if removed[i] {
				continue
			}
			kept = append(kept, l)
		}
		// The first len(Remove) fills close removed legs, in Remove order.
		for i, idx := range req.Remove {
			res.RealizedPnL += req.Position.Legs[idx].CashFlow() + filled[i].CashFlow()
		}
		pos.Legs = append(kept, filled[len(req.Remove):]...)
		pos.DirectionalExposure = req.Exposure
		pos.BuyingPower = req.BuyingPower
		res.Position = pos

	case KindClose:
		pos := req.Position.Clone()
		for i, l := range pos.Legs {
			res.RealizedPnL += l.CashFlow() + filled[i].CashFlow()
		}
		pos.UnrealizedPnL = 0
		res.Position = pos
	}
	return res
}
