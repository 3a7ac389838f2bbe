// Package store provides persistence for coordinator snapshots and the trade journal.
package store

import (
	"context"
	"time"

	"options-riskcore/internal/models"
)

// Store defines the interface for persistence.
type Store interface {
	// Snapshots
	SaveSnapshot(ctx context.Context, rec *SnapshotRecord) error
	LatestSnapshot(ctx context.Context) (*SnapshotRecord, error)
	ListSnapshots(ctx context.Context, limit int) ([]SnapshotRecord, error)
	PruneSnapshots(ctx context.Context, before time.Time) (int64, error)

	// Trade journal
	LogTrade(ctx context.Context, trade *models.Trade) error
	GetTrades(ctx context.Context, filter TradeFilter) ([]models.Trade, error)
	TradeStats(ctx context.Context, filter TradeFilter) (*TradeStats, error)

	Close() error
}

// SnapshotRecord is one persisted coordinator snapshot. Data is the encoded
// snapshot; the other fields are indexed copies for listing.
type SnapshotRecord struct {
	ID           int64
	Tick         int64
	TakenAt      time.Time
	Equity       float64
	BreakerState string
	Data         []byte
}

// TradeFilter represents filters for trade queries.
type TradeFilter struct {
	StrategyID string
	Underlying string
	From       time.Time
	To         time.Time
	Limit      int
}

// TradeStats summarises journaled trades.
type TradeStats struct {
	Count       int
	Wins        int
	Losses      int
	RealizedPnL float64
	AvgHold     time.Duration
}

// WinRate returns wins as a fraction of trades.
func (s TradeStats) WinRate() float64 {
	if s.Count == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.Count)
}
