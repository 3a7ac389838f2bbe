package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
)

func shortPut(symbol string, price float64) models.Leg {
	return models.Leg{
		Symbol:     symbol,
		Underlying: "SPY",
		Kind:       models.KindPut,
		Strike:     500,
		Side:       models.OrderSideSell,
		Quantity:   2,
		Multiplier: 100,
		LimitPrice: price,
	}
}

func TestPaperBroker_FillMovesCashAndHoldings(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(PaperBrokerConfig{InitialEquity: 10000, Prices: map[string]float64{"SPY": 520}})

	acks, err := p.SubmitLegs(ctx, "tx1", []models.Leg{shortPut("SPY P500", 1.5)})
	require.NoError(t, err)
	require.Len(t, acks, 1)
	assert.Equal(t, models.OrderStatusFilled, acks[0].Status)
	assert.Equal(t, "tx1", acks[0].Tag)

	bal, err := p.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 10300, bal.AvailableCash, 1e-9)
	// The short is marked at its fill price, so equity is unchanged.
	assert.InDelta(t, 10000, bal.TotalEquity, 1e-9)

	hs, err := p.Holdings(ctx)
	require.NoError(t, err)
	assert.Equal(t, []models.Holding{{Symbol: "SPY P500", Quantity: -2}}, hs)

	p.SetPrice("SPY P500", 2.5)
	bal, err = p.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 9800, bal.TotalEquity, 1e-9)
}

func TestPaperBroker_ScriptedBehaviors(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(PaperBrokerConfig{})

	p.Script("A", models.OrderSideSell, FillBehavior{Reject: true, Times: 1})
	acks, err := p.SubmitLegs(ctx, "t", []models.Leg{shortPut("A", 1)})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusRejected, acks[0].Status)

	acks, err = p.SubmitLegs(ctx, "t", []models.Leg{shortPut("A", 1)})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, acks[0].Status, "script applied once")

	p.Script("B", models.OrderSideSell, FillBehavior{PartialQty: 1})
	acks, err = p.SubmitLegs(ctx, "t", []models.Leg{shortPut("B", 1)})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPartial, acks[0].Status)
	assert.Equal(t, 1, acks[0].FilledQty)

	p.Script("C", models.OrderSideSell, FillBehavior{Never: true})
	acks, err = p.SubmitLegs(ctx, "t", []models.Leg{shortPut("C", 1)})
	require.NoError(t, err)
	open, err := p.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 2)

	require.NoError(t, p.CancelOrder(ctx, acks[0].OrderID))
	st, err := p.OrderStatus(ctx, acks[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, st.Status)
}

func TestPaperBroker_DelayedFill(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(PaperBrokerConfig{})
	clock := time.Date(2026, 3, 2, 15, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	p.Script("D", models.OrderSideSell, FillBehavior{Delay: time.Second})
	acks, err := p.SubmitLegs(ctx, "t", []models.Leg{shortPut("D", 1)})
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusPending, acks[0].Status)

	clock = clock.Add(2 * time.Second)
	st, err := p.OrderStatus(ctx, acks[0].OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, st.Status)
}

func TestPaperBroker_Failures(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(PaperBrokerConfig{VolatilityIndex: 18})

	_, err := p.Quote(ctx, "XYZ")
	assert.ErrorIs(t, err, apperrors.ErrMarketData)

	boom := errors.New("feed down")
	p.FailData(boom)
	_, err = p.VolatilityIndex(ctx)
	assert.ErrorIs(t, err, boom)
	p.FailData(nil)
	v, err := p.VolatilityIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 18.0, v)

	p.FailBalance(boom)
	_, err = p.Balance(ctx)
	assert.ErrorIs(t, err, boom)

	p.FailSubmit(boom)
	_, err = p.SubmitLegs(ctx, "t", []models.Leg{shortPut("A", 1)})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, p.Submits())
}

func TestPaperBroker_Seed(t *testing.T) {
	ctx := context.Background()
	p := NewPaperBroker(PaperBrokerConfig{InitialEquity: 50000})

	put := shortPut("SPY P500", 0)
	put.FillPrice = 2
	hedge := put
	hedge.Symbol, hedge.Side, hedge.FillPrice = "SPY P490", models.OrderSideBuy, 1

	p.Seed(40000, []*models.Position{{ID: "pos_1", Legs: []models.Leg{put, hedge}}})

	hs, err := p.Holdings(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []models.Holding{{Symbol: "SPY P500", Quantity: -2}, {Symbol: "SPY P490", Quantity: 2}}, hs)

	bal, err := p.Balance(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 40000, bal.TotalEquity, 1e-9)
	assert.InDelta(t, 40200, bal.AvailableCash, 1e-9)
}
