package models

import (
	"math"
	"time"
)

// Leg represents one option/future contract within a position.
type Leg struct {
	Symbol     string         `json:"symbol"` // Contract descriptor, unique per contract
	Underlying string         `json:"underlying"`
	Kind       InstrumentKind `json:"kind"`
	Strike     float64        `json:"strike,omitempty"`
	Expiry     time.Time      `json:"expiry,omitempty"`
	Side       OrderSide      `json:"side"`
	Quantity   int            `json:"quantity"`
	Multiplier float64        `json:"multiplier,omitempty"` // Contract multiplier, 1 when unset
	LimitPrice float64        `json:"limit_price,omitempty"`
	FillPrice  float64        `json:"fill_price,omitempty"`
}

// ContractMultiplier returns the leg multiplier, defaulting to 1.
func (l Leg) ContractMultiplier() float64 {
	if l.Multiplier <= 0 {
		return 1
	}
	return l.Multiplier
}

// Inverse returns the leg that closes this one, unpriced.
func (l Leg) Inverse() Leg {
	inv := l
	inv.Side = l.Side.Opposite()
	inv.LimitPrice = 0
	inv.FillPrice = 0
	return inv
}

// SignedQuantity returns the quantity signed by side.
func (l Leg) SignedQuantity() int {
	if l.Side == OrderSideSell {
		return -l.Quantity
	}
	return l.Quantity
}

// CashFlow returns the premium received (positive) or paid (negative) for the leg at its fill price.
func (l Leg) CashFlow() float64 {
	return -l.Side.Sign() * l.FillPrice * float64(l.Quantity) * l.ContractMultiplier()
}

// Position represents one open trade, single- or multi-leg. A Position only
// exists when every one of its legs is filled.
type Position struct {
	ID                  string    `json:"id"`
	StrategyID          string    `json:"strategy_id"`
	Underlying          string    `json:"underlying"`
	Group               string    `json:"group"`
	Legs                []Leg     `json:"legs"`
	DirectionalExposure float64   `json:"directional_exposure"`
	BuyingPower         float64   `json:"buying_power"`
	EntryTime           time.Time `json:"entry_time"`
	UnrealizedPnL       float64   `json:"unrealized_pnl"`
}

// EntryCredit returns the net premium collected at entry. Debit trades are negative.
func (p *Position) EntryCredit() float64 {
	var total float64
	for _, l := range p.Legs {
		total += l.CashFlow()
	}
	return total
}

// NearestExpiry returns the earliest expiry across legs, zero if none carry one.
func (p *Position) NearestExpiry() time.Time {
	var nearest time.Time
	for _, l := range p.Legs {
		if l.Expiry.IsZero() {
			continue
		}
		if nearest.IsZero() || l.Expiry.Before(nearest) {
			nearest = l.Expiry
		}
	}
	return nearest
}

// DaysToExpiry returns whole calendar days to the nearest expiry, or -1 when no leg expires.
func (p *Position) DaysToExpiry(now time.Time) int {
	exp := p.NearestExpiry()
	if exp.IsZero() {
		return -1
	}
	days := exp.Sub(now).Hours() / 24
	if days < 0 {
		return 0
	}
	return int(math.Floor(days))
}

// HasUnboundedRisk reports whether the position carries naked short exposure:
// a short future or stock leg, or short options of a kind whose contracts
// outnumber the long options of that kind expiring no earlier than the
// latest short.
func (p *Position) HasUnboundedRisk() bool {
	shortQty := make(map[InstrumentKind]int)
	latestShort := make(map[InstrumentKind]time.Time)
	for _, l := range p.Legs {
		if l.Side != OrderSideSell {
			continue
		}
		if l.Kind == KindFuture || l.Kind == KindStock {
			return true
		}
		shortQty[l.Kind] += l.Quantity
		if l.Expiry.After(latestShort[l.Kind]) {
			latestShort[l.Kind] = l.Expiry
		}
	}

	for kind, qty := range shortQty {
		covered := 0
		for _, l := range p.Legs {
			if l.Side != OrderSideBuy || l.Kind != kind {
				continue
			}
			if !l.Expiry.IsZero() && l.Expiry.Before(latestShort[kind]) {
				continue
			}
			covered += l.Quantity
		}
		if covered < qty {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the position.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	c.Legs = append([]Leg(nil), p.Legs...)
	return &c
}
