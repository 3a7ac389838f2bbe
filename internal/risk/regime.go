// Package risk provides volatility regime classification, position sizing and
// cross-strategy concentration limits.
package risk

import (
	"fmt"
	"math"
	"sort"

	"options-riskcore/internal/config"
	apperrors "options-riskcore/internal/errors"
)

// Regime is the classified volatility regime for a tick.
type Regime struct {
	Name           string  `json:"name"`
	Reading        float64 `json:"reading"`
	MaxBuyingPower float64 `json:"max_buying_power"` // fraction of equity
}

// RegimeTable classifies volatility-index readings into configured bands.
type RegimeTable struct {
	bands []config.RegimeBand
}

// NewRegimeTable builds a table from configured bands, sorted by lower bound.
func NewRegimeTable(bands []config.RegimeBand) (*RegimeTable, error) {
	sorted := append([]config.RegimeBand(nil), bands...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Min < sorted[j].Min })

	t := &RegimeTable{bands: sorted}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// Validate checks that bands are contiguous and non-overlapping.
func (t *RegimeTable) Validate() error {
	if len(t.bands) == 0 {
		return apperrors.NewValidationError("regime.bands", 0, "no bands configured")
	}
	for i, b := range t.bands {
		upper := b.UpperBound()
		if upper <= b.Min {
			return apperrors.NewValidationError("regime.bands", b.Name, "empty band")
		}
		if math.IsInf(upper, 1) && i != len(t.bands)-1 {
			return apperrors.NewValidationError("regime.bands", b.Name, "only the last band may be unbounded")
		}
		if i > 0 && t.bands[i-1].UpperBound() != b.Min {
			return apperrors.NewValidationError("regime.bands", b.Name,
				fmt.Sprintf("gap or overlap at %.2f", b.Min))
		}
	}
	return nil
}

// Classify returns the unique band containing reading. Readings outside every
// band, or non-finite readings, yield ErrNoRegime.
func (t *RegimeTable) Classify(reading float64) (Regime, error) {
	if math.IsNaN(reading) || math.IsInf(reading, 0) {
		return Regime{}, fmt.Errorf("reading %v: %w", reading, apperrors.ErrNoRegime)
	}
	for _, b := range t.bands {
		if reading >= b.Min && reading < b.UpperBound() {
			return Regime{Name: b.Name, Reading: reading, MaxBuyingPower: b.MaxBuyingPower}, nil
		}
	}
	return Regime{}, fmt.Errorf("reading %.2f: %w", reading, apperrors.ErrNoRegime)
}

// Bands returns a copy of the configured bands.
func (t *RegimeTable) Bands() []config.RegimeBand {
	return append([]config.RegimeBand(nil), t.bands...)
}
