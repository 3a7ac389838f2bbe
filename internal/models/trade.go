package models

import "time"

// CloseReason describes why a position was closed.
type CloseReason string

const (
	CloseReasonProfitTarget CloseReason = "profit_target"
	CloseReasonStop         CloseReason = "stop"
	CloseReasonDefensiveDTE CloseReason = "defensive_dte"
	CloseReasonEmergency    CloseReason = "emergency_flatten"
	CloseReasonStrategy     CloseReason = "strategy"
)

// Trade represents a completed round trip, written to the journal on close.
type Trade struct {
	ID           string
	PositionID   string
	StrategyID   string
	Underlying   string
	Group        string
	EntryTime    time.Time
	ExitTime     time.Time
	EntryCredit  float64
	RealizedPnL  float64
	Reason       CloseReason
	HoldDuration time.Duration
}

// IsLoss reports whether the trade lost money.
func (t Trade) IsLoss() bool {
	return t.RealizedPnL < 0
}
