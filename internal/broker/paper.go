package broker

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
)

// FillBehavior scripts how the paper broker treats orders for one contract and side.
type FillBehavior struct {
	Reject     bool          // reject on submission
	Never      bool          // stay pending until cancelled
	Delay      time.Duration // fill once this much time has passed
	PartialQty int           // fill only this many contracts, then stay pending
	Times      int           // apply to this many orders, 0 means every order
}

// PaperBroker implements every collaborator interface for paper trading and tests.
type PaperBroker struct {
	mu sync.Mutex

	cash       float64
	prices     map[string]float64 // contract and underlying prices
	multiplier map[string]float64
	holdings   map[string]int
	orders     map[string]*paperOrder

	vix        float64
	dataErr    error
	balanceErr error
	submitErr  error
	cancelErr  error

	scripts      map[string]*FillBehavior
	orderCounter int
	submits      int
	now          func() time.Time
}

type paperOrder struct {
	models.LegOrder
	behavior FillBehavior
}

// PaperBrokerConfig holds configuration for the paper broker.
type PaperBrokerConfig struct {
	InitialEquity   float64
	VolatilityIndex float64
	Prices          map[string]float64
}

// NewPaperBroker creates a new paper trading broker.
func NewPaperBroker(cfg PaperBrokerConfig) *PaperBroker {
	equity := cfg.InitialEquity
	if equity == 0 {
		equity = 100000
	}

	p := &PaperBroker{
		cash:       equity,
		prices:     make(map[string]float64),
		multiplier: make(map[string]float64),
		holdings:   make(map[string]int),
		orders:     make(map[string]*paperOrder),
		vix:        cfg.VolatilityIndex,
		scripts:    make(map[string]*FillBehavior),
		now:        time.Now,
	}
	for sym, px := range cfg.Prices {
		p.prices[strings.ToUpper(sym)] = px
	}
	return p
}

func scriptKey(symbol string, side models.OrderSide) string {
	return strings.ToUpper(symbol) + "|" + string(side)
}

// Script sets the fill behavior for orders on symbol and side.
func (p *PaperBroker) Script(symbol string, side models.OrderSide, b FillBehavior) {
	p.mu.Lock()
	defer p.mu.Unlock()
	cp := b
	p.scripts[scriptKey(symbol, side)] = &cp
}

// SetPrice sets the mark price of a contract or underlying.
func (p *PaperBroker) SetPrice(symbol string, price float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.prices[strings.ToUpper(symbol)] = price
}

// SetVolatilityIndex sets the volatility index reading.
func (p *PaperBroker) SetVolatilityIndex(v float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.vix = v
}

// AdjustCash moves account cash, simulating P&L outside tracked contracts.
func (p *PaperBroker) AdjustCash(delta float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash += delta
}

// FailData makes market data calls fail with err until cleared with nil.
func (p *PaperBroker) FailData(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dataErr = err
}

// FailBalance makes balance calls fail with err until cleared with nil.
func (p *PaperBroker) FailBalance(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balanceErr = err
}

// FailSubmit makes SubmitLegs fail with err until cleared with nil.
func (p *PaperBroker) FailSubmit(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitErr = err
}

// FailCancel makes CancelOrder fail with err until cleared with nil.
func (p *PaperBroker) FailCancel(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cancelErr = err
}

// SetHolding overrides the net holding of a contract, simulating activity
// outside the core.
func (p *PaperBroker) SetHolding(symbol string, qty int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if qty == 0 {
		delete(p.holdings, strings.ToUpper(symbol))
		return
	}
	p.holdings[strings.ToUpper(symbol)] = qty
}

// Seed replaces the book with restored positions, setting cash so that the
// reported equity matches equity. Lets a new process agree with positions
// carried over from a snapshot.
func (p *PaperBroker) Seed(equity float64, positions []*models.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.holdings = make(map[string]int)
	for _, pos := range positions {
		for _, l := range pos.Legs {
			sym := strings.ToUpper(l.Symbol)
			p.holdings[sym] += l.SignedQuantity()
			p.multiplier[sym] = l.ContractMultiplier()
			if _, ok := p.prices[sym]; !ok {
				p.prices[sym] = l.FillPrice
			}
		}
	}

	p.cash = equity
	for sym, qty := range p.holdings {
		if qty == 0 {
			delete(p.holdings, sym)
			continue
		}
		p.cash -= float64(qty) * p.prices[sym] * p.multiplier[sym]
	}
}

// Submits returns how many SubmitLegs calls were made.
func (p *PaperBroker) Submits() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.submits
}

// VolatilityIndex returns the scripted volatility index.
func (p *PaperBroker) VolatilityIndex(ctx context.Context) (float64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dataErr != nil {
		return 0, apperrors.NewDataError("volatility_index", "VIX", "unavailable", p.dataErr)
	}
	return p.vix, nil
}

// Quote returns the cached price of an underlying.
func (p *PaperBroker) Quote(ctx context.Context, underlying string) (*models.Quote, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dataErr != nil {
		return nil, apperrors.NewDataError("quote", underlying, "unavailable", p.dataErr)
	}
	px, ok := p.prices[strings.ToUpper(underlying)]
	if !ok {
		return nil, apperrors.NewDataError("quote", underlying, "no price", apperrors.ErrMarketData)
	}
	return &models.Quote{Symbol: underlying, LTP: px, Timestamp: p.now()}, nil
}

// SubmitLegs places one paper order per leg.
func (p *PaperBroker) SubmitLegs(ctx context.Context, tag string, legs []models.Leg) ([]models.LegOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	p.submits++
	if p.submitErr != nil {
		return nil, apperrors.NewBrokerError("SUBMIT", "submission failed", p.submitErr)
	}

	acks := make([]models.LegOrder, 0, len(legs))
	for i, leg := range legs {
		p.orderCounter++
		o := &paperOrder{
			LegOrder: models.LegOrder{
				OrderID:  fmt.Sprintf("PAPER_%d_%d", p.now().Unix(), p.orderCounter),
				Tag:      tag,
				LegIndex: i,
				Leg:      leg,
				Status:   models.OrderStatusPending,
				PlacedAt: p.now(),
			},
		}
		p.multiplier[strings.ToUpper(leg.Symbol)] = leg.ContractMultiplier()

		if script, ok := p.scripts[scriptKey(leg.Symbol, leg.Side)]; ok {
			o.behavior = *script
			if script.Times > 0 {
				script.Times--
				if script.Times == 0 {
					delete(p.scripts, scriptKey(leg.Symbol, leg.Side))
				}
			}
		}

		if o.behavior.Reject {
			o.Status = models.OrderStatusRejected
			o.Reason = "rejected by paper script"
		} else {
			p.advanceLocked(o)
		}

		p.orders[o.OrderID] = o
		acks = append(acks, o.LegOrder)
	}
	return acks, nil
}

// advanceLocked fills an order when its scripted behavior allows.
func (p *PaperBroker) advanceLocked(o *paperOrder) {
	if o.Status.IsTerminal() {
		return
	}
	b := o.behavior
	switch {
	case b.Never:
		return
	case b.PartialQty > 0:
		if o.FilledQty == 0 {
			p.fillLocked(o, b.PartialQty)
			o.Status = models.OrderStatusPartial
		}
		return
	case b.Delay > 0 && p.now().Sub(o.PlacedAt) < b.Delay:
		return
	}
	p.fillLocked(o, o.Leg.Quantity-o.FilledQty)
	o.Status = models.OrderStatusFilled
}

func (p *PaperBroker) fillLocked(o *paperOrder, qty int) {
	if qty <= 0 {
		return
	}
	price := o.Leg.LimitPrice
	if price <= 0 {
		price = p.prices[strings.ToUpper(o.Leg.Symbol)]
	}

	filled := o.Leg
	filled.Quantity = qty
	filled.FillPrice = price
	p.cash += filled.CashFlow()

	sym := strings.ToUpper(o.Leg.Symbol)
	p.holdings[sym] += filled.SignedQuantity()
	if p.holdings[sym] == 0 {
		delete(p.holdings, sym)
	}
	if _, ok := p.prices[sym]; !ok {
		p.prices[sym] = price
	}

	total := float64(o.FilledQty)*o.AveragePrice + float64(qty)*price
	o.FilledQty += qty
	o.AveragePrice = total / float64(o.FilledQty)
}

// OrderStatus returns the current state of an order.
func (p *PaperBroker) OrderStatus(ctx context.Context, orderID string) (*models.LegOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	o, ok := p.orders[orderID]
	if !ok {
		return nil, apperrors.NewBrokerError("NOT_FOUND", "order not found: "+orderID, nil)
	}
	p.advanceLocked(o)
	lo := o.LegOrder
	return &lo, nil
}

// CancelOrder cancels a resting order. Filled quantity stays filled.
func (p *PaperBroker) CancelOrder(ctx context.Context, orderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancelErr != nil {
		return apperrors.NewBrokerError("CANCEL", "cancel failed", p.cancelErr)
	}
	o, ok := p.orders[orderID]
	if !ok {
		return apperrors.NewBrokerError("NOT_FOUND", "order not found: "+orderID, nil)
	}
	if o.Status.IsTerminal() {
		return nil
	}
	o.Status = models.OrderStatusCancelled
	o.Reason = "cancelled"
	return nil
}

// OpenOrders returns every order that is still working.
func (p *PaperBroker) OpenOrders(ctx context.Context) ([]models.LegOrder, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	var open []models.LegOrder
	for _, o := range p.orders {
		p.advanceLocked(o)
		if !o.Status.IsTerminal() {
			open = append(open, o.LegOrder)
		}
	}
	return open, nil
}

// Holdings returns the signed net position per contract.
func (p *PaperBroker) Holdings(ctx context.Context) ([]models.Holding, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	holdings := make([]models.Holding, 0, len(p.holdings))
	for sym, qty := range p.holdings {
		holdings = append(holdings, models.Holding{Symbol: sym, Quantity: qty})
	}
	return holdings, nil
}

// Balance returns cash plus the marked value of every holding as equity.
func (p *PaperBroker) Balance(ctx context.Context) (*models.Balance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.balanceErr != nil {
		return nil, apperrors.NewBrokerError("BALANCE", "balance unavailable", p.balanceErr)
	}

	equity := p.cash
	for sym, qty := range p.holdings {
		mult := p.multiplier[sym]
		if mult == 0 {
			mult = 1
		}
		equity += float64(qty) * p.prices[sym] * mult
	}
	return &models.Balance{TotalEquity: equity, AvailableCash: p.cash}, nil
}

// Mark values a position at cached contract prices. Exposure is passed through.
func (p *PaperBroker) Mark(ctx context.Context, pos *models.Position) (Mark, error) {
	if err := ctx.Err(); err != nil {
		return Mark{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.dataErr != nil {
		return Mark{}, apperrors.NewDataError("mark", pos.Underlying, "unavailable", p.dataErr)
	}

	var pnl float64
	for _, l := range pos.Legs {
		px, ok := p.prices[strings.ToUpper(l.Symbol)]
		if !ok {
			px = l.FillPrice
		}
		pnl += (px - l.FillPrice) * float64(l.SignedQuantity()) * l.ContractMultiplier()
	}
	return Mark{Exposure: pos.DirectionalExposure, UnrealizedPnL: pnl}, nil
}
