package models

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expiry = time.Date(2026, 12, 18, 21, 0, 0, 0, time.UTC)

func putSpread(qty int) *Position {
	return &Position{
		ID:         "pos_1",
		StrategyID: "spy-put",
		Underlying: "SPY",
		Legs: []Leg{
			{Symbol: "SPY P500", Kind: KindPut, Strike: 500, Expiry: expiry, Side: OrderSideSell, Quantity: qty, Multiplier: 100, FillPrice: 2.10},
			{Symbol: "SPY P495", Kind: KindPut, Strike: 495, Expiry: expiry, Side: OrderSideBuy, Quantity: qty, Multiplier: 100, FillPrice: 1.20},
		},
	}
}

func TestLeg_SignsAndCashFlow(t *testing.T) {
	short := Leg{Side: OrderSideSell, Quantity: 2, Multiplier: 100, FillPrice: 1.5}
	assert.Equal(t, -2, short.SignedQuantity())
	assert.InDelta(t, 300, short.CashFlow(), 1e-9)

	inv := short.Inverse()
	assert.Equal(t, OrderSideBuy, inv.Side)
	assert.Zero(t, inv.FillPrice)
	assert.Equal(t, 2, inv.SignedQuantity())

	assert.Equal(t, 1.0, Leg{}.ContractMultiplier())
}

func TestPosition_EntryCreditAndExpiry(t *testing.T) {
	p := putSpread(3)
	assert.InDelta(t, 270, p.EntryCredit(), 1e-9)

	now := expiry.Add(-10*24*time.Hour - time.Hour)
	assert.Equal(t, 10, p.DaysToExpiry(now))
	assert.Equal(t, 0, p.DaysToExpiry(expiry.Add(time.Hour)))

	stock := &Position{Legs: []Leg{{Kind: KindStock, Side: OrderSideBuy, Quantity: 100}}}
	assert.Equal(t, -1, stock.DaysToExpiry(now))
}

func TestPosition_HasUnboundedRisk(t *testing.T) {
	assert.False(t, putSpread(1).HasUnboundedRisk())

	naked := putSpread(1)
	naked.Legs = naked.Legs[:1]
	assert.True(t, naked.HasUnboundedRisk())

	// A long put expiring before the short does not cover it.
	calendar := putSpread(1)
	calendar.Legs[1].Expiry = expiry.AddDate(0, -1, 0)
	assert.True(t, calendar.HasUnboundedRisk())

	shortFuture := &Position{Legs: []Leg{{Kind: KindFuture, Side: OrderSideSell, Quantity: 1}}}
	assert.True(t, shortFuture.HasUnboundedRisk())
}

func TestPosition_CloneIsDeep(t *testing.T) {
	p := putSpread(1)
	c := p.Clone()
	c.Legs[0].Quantity = 9
	require.Equal(t, 1, p.Legs[0].Quantity)

	var nilPos *Position
	assert.Nil(t, nilPos.Clone())
}

func TestAccount_Ratios(t *testing.T) {
	a := NewAccount(50000)
	assert.True(t, a.TradingEnabled)
	assert.Equal(t, 50000.0, a.IntradayHighWater)
	assert.Zero(t, a.LossRate())

	a.BuyingPowerUsed = 12500
	a.TradesToday, a.LossesToday = 4, 3
	assert.InDelta(t, 0.25, a.Utilization(), 1e-9)
	assert.InDelta(t, 0.75, a.LossRate(), 1e-9)

	assert.Zero(t, (&Account{BuyingPowerUsed: 10}).Utilization())
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	assert.False(t, OrderStatusPending.IsTerminal())
	assert.False(t, OrderStatusPartial.IsTerminal())
	assert.True(t, OrderStatusFilled.IsTerminal())
	assert.True(t, OrderStatusRejected.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
}

// Feature: options-riskcore, Property 10: Covered shorts are bounded
//
// Property: A short option leg is bounded exactly when the long legs of the
// same kind expiring no earlier cover its quantity.
func TestProperty_CoveredShortsAreBounded(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	parameters.Rng.Seed(time.Now().UnixNano())

	properties := gopter.NewProperties(parameters)

	properties.Property("bounded iff long quantity covers short quantity", prop.ForAll(
		func(shortQty, longQty int, put bool) bool {
			kind := KindCall
			if put {
				kind = KindPut
			}
			p := &Position{Legs: []Leg{
				{Kind: kind, Expiry: expiry, Side: OrderSideSell, Quantity: shortQty},
				{Kind: kind, Expiry: expiry, Side: OrderSideBuy, Quantity: longQty},
			}}
			return p.HasUnboundedRisk() == (longQty < shortQty)
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 20),
		gen.Bool(),
	))

	properties.TestingRun(t)
}
