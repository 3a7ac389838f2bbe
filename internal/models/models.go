// Package models provides domain models for the risk-and-execution core.
package models

import (
	"time"
)

// OrderSide represents the side of an order or leg.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Opposite returns the side that unwinds this one.
func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// InstrumentKind represents the contract type of a leg.
type InstrumentKind string

const (
	KindCall   InstrumentKind = "CALL"
	KindPut    InstrumentKind = "PUT"
	KindFuture InstrumentKind = "FUTURE"
	KindStock  InstrumentKind = "STOCK"
)

// Account is the process-wide account state. It is owned by the coordinator
// and only mutated by the coordinator and the circuit breaker.
type Account struct {
	Equity          float64 `json:"equity"`
	Cash            float64 `json:"cash"`
	BuyingPowerUsed float64 `json:"buying_power_used"`

	DailyBaseline   float64 `json:"daily_baseline"`
	WeeklyBaseline  float64 `json:"weekly_baseline"`
	MonthlyBaseline float64 `json:"monthly_baseline"`
	DayKey          string  `json:"day_key"`
	WeekKey         string  `json:"week_key"`
	MonthKey        string  `json:"month_key"`

	IntradayHighWater float64 `json:"intraday_high_water"`

	TradesToday       int `json:"trades_today"`
	LossesToday       int `json:"losses_today"`
	ConsecutiveLosses int `json:"consecutive_losses"`

	TradingEnabled bool      `json:"trading_enabled"`
	HaltReason     string    `json:"halt_reason,omitempty"`
	HaltedAt       time.Time `json:"halted_at,omitempty"`
}

// NewAccount creates an account with every baseline set to the given equity.
func NewAccount(equity float64) *Account {
	return &Account{
		Equity:            equity,
		Cash:              equity,
		DailyBaseline:     equity,
		WeeklyBaseline:    equity,
		MonthlyBaseline:   equity,
		IntradayHighWater: equity,
		TradingEnabled:    true,
	}
}

// Utilization returns buying power used as a fraction of equity.
func (a *Account) Utilization() float64 {
	if a.Equity <= 0 {
		return 0
	}
	return a.BuyingPowerUsed / a.Equity
}

// LossRate returns today's losing trades as a fraction of trades.
func (a *Account) LossRate() float64 {
	if a.TradesToday == 0 {
		return 0
	}
	return float64(a.LossesToday) / float64(a.TradesToday)
}

// Balance represents the broker-reported account balance.
type Balance struct {
	TotalEquity   float64
	AvailableCash float64
}

// Quote represents a market quote for an underlying.
type Quote struct {
	Symbol    string
	LTP       float64
	Timestamp time.Time
}
