package coordinator

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"options-riskcore/internal/models"
	"options-riskcore/internal/strategy"
)

// Mismatch is a contract whose broker holding disagrees with the tracked positions.
type Mismatch struct {
	Symbol   string `json:"symbol"`
	Expected int    `json:"expected"`
	Actual   int    `json:"actual"`
}

// reconcile compares broker holdings with tracked positions. Instances that
// hold a disagreeing contract are orphaned; holdings no position tracks are
// only logged.
func (c *Coordinator) reconcile(ctx context.Context, now time.Time, rep *TickReport) []Mismatch {
	var holdings []models.Holding
	err := c.call(ctx, "holdings", func(ctx context.Context) (err error) {
		holdings, err = c.placer.Holdings(ctx)
		return err
	})
	if err != nil {
		c.logger.Warn().Err(err).Msg("Holdings unavailable, reconciliation skipped")
		return nil
	}

	expected := make(map[string]int)
	holders := make(map[string][]*strategy.Instance)
	for _, inst := range c.instances {
		pos := inst.Position()
		if pos == nil {
			continue
		}
		for _, l := range pos.Legs {
			sym := strings.ToUpper(l.Symbol)
			expected[sym] += l.SignedQuantity()
			holders[sym] = append(holders[sym], inst)
		}
	}

	actual := make(map[string]int, len(holdings))
	for _, h := range holdings {
		actual[strings.ToUpper(h.Symbol)] += h.Quantity
	}

	var mismatches []Mismatch
	for sym, qty := range actual {
		if _, tracked := expected[sym]; !tracked && qty != 0 {
			c.logger.Warn().Str("symbol", sym).Int("quantity", qty).Msg("Untracked holding at broker")
		}
	}
	for sym, want := range expected {
		got := actual[sym]
		if got == want {
			continue
		}
		mismatches = append(mismatches, Mismatch{Symbol: sym, Expected: want, Actual: got})
		reason := fmt.Sprintf("holdings mismatch on %s: expected %d, broker reports %d", sym, want, got)
		for _, inst := range holders[sym] {
			c.orphan(inst, reason, now, rep)
		}
	}

	sort.Slice(mismatches, func(i, j int) bool { return mismatches[i].Symbol < mismatches[j].Symbol })
	if len(mismatches) > 0 {
		c.logger.Error().Int("mismatches", len(mismatches)).Msg("Reconciliation found disagreeing holdings")
	}
	return mismatches
}
