package models

import "time"

// OrderStatus represents the broker-reported status of a leg order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "PENDING"
	OrderStatusFilled    OrderStatus = "FILLED"
	OrderStatusPartial   OrderStatus = "PARTIAL"
	OrderStatusRejected  OrderStatus = "REJECTED"
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// IsTerminal reports whether the status can no longer change.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// LegOrder represents the broker-side order for one leg of a transaction.
type LegOrder struct {
	OrderID      string
	Tag          string // Transaction tag shared by all legs of one submission
	LegIndex     int
	Leg          Leg
	Status       OrderStatus
	FilledQty    int
	AveragePrice float64
	Reason       string
	PlacedAt     time.Time
}

// Holding represents a broker-reported net holding in one contract.
type Holding struct {
	Symbol   string
	Quantity int // Signed: negative for short holdings
}
