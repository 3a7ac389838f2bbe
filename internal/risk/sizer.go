package risk

import (
	"math"
)

// epsilon absorbs floating point noise when flooring contract counts.
const epsilon = 1e-9

// SizeRequest describes the per-contract economics of a desired trade.
type SizeRequest struct {
	RiskFraction       float64 // fraction of equity the strategy wants at risk
	MaxLossPerContract float64
	MarginPerContract  float64
	MaxContracts       int // 0 means no cap
}

// SizeResult is the outcome of sizing.
type SizeResult struct {
	Contracts int     `json:"contracts"`
	Requested int     `json:"requested"` // risk-based count after damping, before the headroom clamp
	Ceiling   float64 `json:"ceiling"`
	Headroom  float64 `json:"headroom"`
	Reason    string  `json:"reason,omitempty"`
}

// Sizer computes contract counts from equity, regime and buying power in use.
// It holds no mutable state.
type Sizer struct {
	kelly float64
}

// NewSizer creates a sizer with the given Kelly damping factor.
func NewSizer(kellyFraction float64) *Sizer {
	return &Sizer{kelly: kellyFraction}
}

// Ceiling returns the buying power the regime allows for this equity.
func Ceiling(equity float64, regime Regime) float64 {
	if equity <= 0 {
		return 0
	}
	return equity * regime.MaxBuyingPower
}

// Size returns the number of contracts to trade. The result never pushes
// used + contracts*margin above the regime ceiling, and is 0 when even one
// contract would not fit.
func (s *Sizer) Size(req SizeRequest, equity, used float64, regime Regime) SizeResult {
	ceiling := Ceiling(equity, regime)
	res := SizeResult{Ceiling: ceiling, Headroom: math.Max(0, ceiling-used)}

	if equity <= 0 || req.MaxLossPerContract <= 0 || req.MarginPerContract <= 0 || req.RiskFraction <= 0 {
		res.Reason = "invalid sizing inputs"
		return res
	}

	raw := req.RiskFraction * equity / req.MaxLossPerContract
	requested := int(math.Floor(raw*s.kelly + epsilon))
	if req.MaxContracts > 0 && requested > req.MaxContracts {
		requested = req.MaxContracts
	}
	res.Requested = requested
	if requested < 1 {
		res.Reason = "risk budget below one contract"
		return res
	}

	fit := int(math.Floor(res.Headroom/req.MarginPerContract + epsilon))
	if fit < 1 {
		res.Reason = "insufficient buying power headroom"
		return res
	}

	res.Contracts = requested
	if fit < requested {
		res.Contracts = fit
		res.Reason = "clamped to headroom"
	}
	return res
}

// Fits reports whether an additional margin amount stays within the ceiling.
func (s *Sizer) Fits(margin, equity, used float64, regime Regime) bool {
	if margin <= 0 {
		return true
	}
	ceiling := Ceiling(equity, regime)
	return used+margin <= ceiling+epsilon*math.Max(1, ceiling)
}
