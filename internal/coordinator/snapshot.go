package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"options-riskcore/internal/breaker"
	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
	"options-riskcore/internal/risk"
	"options-riskcore/internal/store"
	"options-riskcore/internal/strategy"
)

// snapshotVersion is bumped when Snapshot changes incompatibly.
const snapshotVersion = 1

// Snapshot is the persisted coordinator state. Positions travel inside their
// instance snapshots.
type Snapshot struct {
	Version   int                 `json:"version"`
	Tick      int64               `json:"tick"`
	TakenAt   time.Time           `json:"taken_at"`
	Account   models.Account      `json:"account"`
	Regime    *risk.Regime        `json:"regime,omitempty"`
	Breaker   breaker.Snapshot    `json:"breaker"`
	Limiter   risk.Ledger         `json:"limiter"`
	Instances []strategy.Snapshot `json:"instances"`
}

// Positions returns every position carried by the snapshot.
func (s Snapshot) Positions() []*models.Position {
	var out []*models.Position
	for _, in := range s.Instances {
		if in.Position != nil {
			out = append(out, in.Position)
		}
	}
	return out
}

// Snapshot returns the current state. It waits for a running tick to finish.
func (c *Coordinator) Snapshot() Snapshot {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()
	return c.snapshotLocked(time.Now())
}

func (c *Coordinator) snapshotLocked(now time.Time) Snapshot {
	s := Snapshot{
		Version: snapshotVersion,
		Tick:    c.tick,
		TakenAt: now,
		Account: *c.account,
		Breaker: c.breaker.Snapshot(),
		Limiter: c.limiter.Ledger(),
	}
	if c.regime != nil {
		r := *c.regime
		s.Regime = &r
	}
	for _, inst := range c.instances {
		s.Instances = append(s.Instances, inst.Snapshot())
	}
	return s
}

// Restore loads a snapshot directly, without replaying transitions. Saved
// instances that are no longer deployed are dropped with a warning; deployed
// instances missing from the snapshot keep their initial state.
func (c *Coordinator) Restore(s Snapshot) error {
	if s.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d: %w", s.Version, apperrors.ErrConfigInvalid)
	}

	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	byID := make(map[string]*strategy.Instance, len(c.instances))
	for _, inst := range c.instances {
		byID[inst.ID()] = inst
	}
	for _, saved := range s.Instances {
		inst, ok := byID[saved.ID]
		if !ok {
			c.logger.Warn().Str("strategy", saved.ID).Str("state", string(saved.State)).Msg("Snapshot instance no longer deployed")
			continue
		}
		if saved.Kind != inst.Kind() {
			c.logger.Warn().Str("strategy", saved.ID).Str("saved_kind", saved.Kind).Str("kind", inst.Kind()).Msg("Snapshot kind differs, instance not restored")
			continue
		}
		inst.Restore(saved)
	}

	acct := s.Account
	c.account = &acct
	c.tick = s.Tick
	c.regime = s.Regime
	c.breaker.Restore(s.Breaker)
	c.limiter.Rebuild(c.openPositions())
	c.limiter.Refresh(acct.Equity, s.TakenAt)
	c.account.BuyingPowerUsed = c.buyingPowerInUse()

	c.logger.Info().
		Int64("tick", s.Tick).
		Time("taken_at", s.TakenAt).
		Str("breaker", string(s.Breaker.State)).
		Int("positions", len(s.Positions())).
		Msg("State restored from snapshot")
	return nil
}

// LoadLatest restores the newest stored snapshot. It reports false when the
// store is empty.
func (c *Coordinator) LoadLatest(ctx context.Context) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	rec, err := c.store.LatestSnapshot(ctx)
	if apperrors.Is(err, apperrors.ErrNoSnapshot) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	var s Snapshot
	if err := json.Unmarshal(rec.Data, &s); err != nil {
		return false, fmt.Errorf("failed to decode snapshot %d: %w", rec.ID, err)
	}
	if err := c.Restore(s); err != nil {
		return false, err
	}
	return true, nil
}

// persist saves the post-tick snapshot. Failures are logged; the next tick
// saves again.
func (c *Coordinator) persist(ctx context.Context, now time.Time) {
	if c.store == nil {
		return
	}
	s := c.snapshotLocked(now)
	data, err := json.Marshal(s)
	if err != nil {
		c.logger.Error().Err(err).Msg("Failed to encode snapshot")
		return
	}
	rec := &store.SnapshotRecord{
		Tick:         s.Tick,
		TakenAt:      now,
		Equity:       s.Account.Equity,
		BreakerState: string(s.Breaker.State),
		Data:         data,
	}
	if err := c.store.SaveSnapshot(ctx, rec); err != nil {
		c.logger.Error().Err(err).Int64("tick", s.Tick).Msg("Failed to save snapshot")
	}
}

// PruneSnapshots drops stored snapshots older than the retention window.
func (c *Coordinator) PruneSnapshots(ctx context.Context, retention time.Duration, now time.Time) (int64, error) {
	if c.store == nil || retention <= 0 {
		return 0, nil
	}
	n, err := c.store.PruneSnapshots(ctx, now.Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		c.logger.Info().Int64("pruned", n).Dur("retention", retention).Msg("Old snapshots pruned")
	}
	return n, nil
}
