// Package broker defines the collaborator interfaces the risk core trades
// through, and an in-process paper implementation of them.
package broker

import (
	"context"

	"options-riskcore/internal/models"
)

// MarketData supplies the volatility index and underlying quotes.
type MarketData interface {
	VolatilityIndex(ctx context.Context) (float64, error)
	Quote(ctx context.Context, underlying string) (*models.Quote, error)
}

// OrderPlacer submits and tracks leg orders.
type OrderPlacer interface {
	// SubmitLegs submits every leg under one transaction tag and returns one
	// order per leg in leg order.
	SubmitLegs(ctx context.Context, tag string, legs []models.Leg) ([]models.LegOrder, error)
	OrderStatus(ctx context.Context, orderID string) (*models.LegOrder, error)
	CancelOrder(ctx context.Context, orderID string) error
	OpenOrders(ctx context.Context) ([]models.LegOrder, error)
	Holdings(ctx context.Context) ([]models.Holding, error)
}

// Funds reports the account balance.
type Funds interface {
	Balance(ctx context.Context) (*models.Balance, error)
}

// Mark is an externally computed valuation of a position.
type Mark struct {
	Exposure      float64
	UnrealizedPnL float64
}

// Pricer values open positions. Greeks and option pricing live behind it.
type Pricer interface {
	Mark(ctx context.Context, p *models.Position) (Mark, error)
}

// Broker bundles every collaborator, as implemented by PaperBroker.
type Broker interface {
	MarketData
	OrderPlacer
	Funds
	Pricer
}
