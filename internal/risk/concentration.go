package risk

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"options-riskcore/internal/config"
	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
)

// AllocationKind classifies an allocation request.
type AllocationKind string

const (
	AllocOpen   AllocationKind = "open"
	AllocAdjust AllocationKind = "adjust"
	AllocClose  AllocationKind = "close"
)

// AllocationRequest asks the limiter for room to change a position.
// Exposure is the signed change in directional exposure the trade would cause.
type AllocationRequest struct {
	StrategyID string
	Underlying string
	Kind       AllocationKind
	Exposure   float64
}

// Reservation is an approved, not yet confirmed allocation.
type Reservation struct {
	Token      string         `json:"token"`
	StrategyID string         `json:"strategy_id"`
	Underlying string         `json:"underlying"`
	Group      string         `json:"group"`
	Kind       AllocationKind `json:"kind"`
	Exposure   float64        `json:"exposure"`
	Reducing   bool           `json:"reducing"`
	CreatedAt  time.Time      `json:"created_at"`

	// applied is true when counters were moved at approval time.
	applied bool
}

// Ledger is the serialisable limiter state.
type Ledger struct {
	GroupCounts map[string]int     `json:"group_counts"`
	Exposure    map[string]float64 `json:"exposure"`
	Ceiling     float64            `json:"ceiling"`
	Tier        string             `json:"tier"`
	EventActive bool               `json:"event_active"`
}

type eventWindow struct {
	name       string
	start, end time.Time
}

// Limiter enforces correlation-group caps and per-underlying exposure
// ceilings across every strategy. Opening approvals move the counters
// immediately; reducing approvals move them on Confirm.
type Limiter struct {
	mu     sync.Mutex
	logger zerolog.Logger

	groupOf     map[string]string
	caps        map[string]int
	defaultCap  int
	tiers       []config.ExposureTier
	eventFactor float64
	events      []eventWindow

	counts       map[string]int
	exposure     map[string]float64
	reservations map[string]*Reservation

	ceiling     float64
	tier        string
	eventActive bool
	now         func() time.Time
}

// NewLimiter builds a limiter from the concentration configuration.
func NewLimiter(cfg config.ConcentrationConfig, logger zerolog.Logger) (*Limiter, error) {
	l := &Limiter{
		logger:       logger.With().Str("component", "limiter").Logger(),
		groupOf:      make(map[string]string),
		caps:         make(map[string]int),
		defaultCap:   cfg.DefaultGroupCap,
		eventFactor:  cfg.EventCeilingFactor,
		counts:       make(map[string]int),
		exposure:     make(map[string]float64),
		reservations: make(map[string]*Reservation),
		now:          time.Now,
	}

	for group, members := range cfg.Groups {
		g := strings.ToLower(group)
		for _, u := range members {
			u = strings.ToUpper(u)
			if prev, ok := l.groupOf[u]; ok && prev != g {
				return nil, apperrors.NewValidationError("concentration.groups", u,
					fmt.Sprintf("underlying belongs to both %s and %s", prev, g))
			}
			l.groupOf[u] = g
		}
	}
	for group, cap := range cfg.GroupCaps {
		l.caps[strings.ToLower(group)] = cap
	}

	l.tiers = append([]config.ExposureTier(nil), cfg.ExposureTiers...)
	sort.Slice(l.tiers, func(i, j int) bool { return l.tiers[i].MinEquity < l.tiers[j].MinEquity })
	if len(l.tiers) == 0 {
		return nil, apperrors.NewValidationError("concentration.exposure_tiers", 0, "at least one tier is required")
	}

	for _, w := range cfg.Events {
		start, end, err := w.Bounds()
		if err != nil {
			return nil, apperrors.NewValidationError("concentration.events", w.Name, err.Error())
		}
		l.events = append(l.events, eventWindow{name: w.Name, start: start, end: end})
	}

	l.ceiling = l.tiers[0].MaxExposure
	l.tier = l.tiers[0].Name
	return l, nil
}

// Refresh selects the exposure tier for equity and applies any active event window.
func (l *Limiter) Refresh(equity float64, now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	tier := l.tiers[0]
	for _, t := range l.tiers {
		if equity >= t.MinEquity {
			tier = t
		}
	}

	active := ""
	for _, w := range l.events {
		if !now.Before(w.start) && now.Before(w.end) {
			active = w.name
			break
		}
	}

	ceiling := tier.MaxExposure
	if active != "" {
		ceiling *= l.eventFactor
	}

	if active != "" && !l.eventActive {
		l.logger.Info().Str("event", active).Float64("ceiling", ceiling).Msg("Event window active, exposure ceilings reduced")
	}

	l.ceiling = ceiling
	l.tier = tier.Name
	l.eventActive = active != ""
}

// GroupOf returns the correlation group of an underlying.
func (l *Limiter) GroupOf(underlying string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.groupOf[strings.ToUpper(underlying)]
	return g, ok
}

// Cap returns the open-position cap for a group.
func (l *Limiter) Cap(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.capLocked(group)
}

func (l *Limiter) capLocked(group string) int {
	if c, ok := l.caps[group]; ok {
		return c
	}
	return l.defaultCap
}

// Request evaluates an allocation request. Approved opening and
// risk-increasing adjustment requests reserve capacity immediately and must
// be completed with Confirm or rolled back with Release.
func (l *Limiter) Request(req AllocationRequest) (*Reservation, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := strings.ToUpper(req.Underlying)
	group, known := l.groupOf[u]
	before := l.exposure[u]
	after := before + req.Exposure

	res := &Reservation{
		Token:      uuid.NewString(),
		StrategyID: req.StrategyID,
		Underlying: u,
		Group:      group,
		Kind:       req.Kind,
		Exposure:   req.Exposure,
		CreatedAt:  l.now(),
	}

	res.Reducing = req.Kind == AllocClose ||
		(req.Kind == AllocAdjust && math.Abs(after) <= math.Abs(before)+epsilon)

	if res.Reducing {
		l.reservations[res.Token] = res
		return res, nil
	}

	if !known {
		return nil, apperrors.NewDenialError(req.StrategyID, u, "underlying has no correlation group", apperrors.ErrUnknownGroup)
	}

	if req.Kind == AllocOpen {
		if l.counts[group] >= l.capLocked(group) {
			return nil, apperrors.NewDenialError(req.StrategyID, u, "group at capacity", apperrors.ErrGroupAtCapacity)
		}
	}

	if l.breachesLocked(before, after) {
		return nil, apperrors.NewDenialError(req.StrategyID, u,
			fmt.Sprintf("exposure %.2f beyond ceiling %.2f", after, l.ceiling), apperrors.ErrExposureCeiling)
	}

	if req.Kind == AllocOpen {
		l.counts[group]++
	}
	l.exposure[u] = after
	res.applied = true
	l.reservations[res.Token] = res
	return res, nil
}

// breachesLocked is true when the aggregate exposure after the change exceeds
// the ceiling and grew in magnitude.
func (l *Limiter) breachesLocked(before, after float64) bool {
	return math.Abs(after) > l.ceiling+epsilon && math.Abs(after) > math.Abs(before)+epsilon
}

// ContractsWithin returns how many contracts of perContract exposure the
// reservation's underlying can absorb without breaching the ceiling, counting
// the reservation's current exposure as released. It returns max when the
// exposure is zero or shrinks the aggregate.
func (l *Limiter) ContractsWithin(token string, perContract float64, max int) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[token]
	if !ok || perContract == 0 {
		return max
	}

	base := l.exposure[res.Underlying]
	if res.applied {
		base -= res.Exposure
	}

	n := max
	for n > 0 && l.breachesLocked(base, base+perContract*float64(n)) {
		n--
	}
	return n
}

// Amend replaces the exposure carried by a reservation, typically after
// sizing. Growing a reservation past the ceiling is denied and leaves it
// unchanged.
func (l *Limiter) Amend(token string, exposure float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[token]
	if !ok {
		return apperrors.ErrReservationNotFound
	}
	if !res.applied {
		res.Exposure = exposure
		return nil
	}

	before := l.exposure[res.Underlying] - res.Exposure
	after := before + exposure
	if l.breachesLocked(before, after) {
		return apperrors.NewDenialError(res.StrategyID, res.Underlying,
			fmt.Sprintf("exposure %.2f beyond ceiling %.2f", after, l.ceiling), apperrors.ErrExposureCeiling)
	}
	l.exposure[res.Underlying] = after
	res.Exposure = exposure
	return nil
}

// Confirm completes a reservation after a successful execution.
func (l *Limiter) Confirm(token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[token]
	if !ok {
		return apperrors.ErrReservationNotFound
	}
	delete(l.reservations, token)

	if res.applied {
		return nil
	}
	l.exposure[res.Underlying] += res.Exposure
	if res.Kind == AllocClose && res.Group != "" && l.counts[res.Group] > 0 {
		l.counts[res.Group]--
	}
	l.cleanLocked(res.Underlying)
	return nil
}

// Release rolls back a reservation after a denial or failed execution.
func (l *Limiter) Release(token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[token]
	if !ok {
		return apperrors.ErrReservationNotFound
	}
	delete(l.reservations, token)

	if !res.applied {
		return nil
	}
	l.exposure[res.Underlying] -= res.Exposure
	if res.Kind == AllocOpen && l.counts[res.Group] > 0 {
		l.counts[res.Group]--
	}
	l.cleanLocked(res.Underlying)
	return nil
}

// RecordClose removes a closed position from the ledger without a
// reservation. Used when a close bypasses approval.
func (l *Limiter) RecordClose(p *models.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	u := strings.ToUpper(p.Underlying)
	l.exposure[u] -= p.DirectionalExposure
	group := p.Group
	if group == "" {
		group = l.groupOf[u]
	}
	if group != "" && l.counts[group] > 0 {
		l.counts[group]--
	}
	l.cleanLocked(u)
}

// Rebuild recomputes counters from the open positions and drops all
// outstanding reservations.
func (l *Limiter) Rebuild(positions []*models.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.counts = make(map[string]int)
	l.exposure = make(map[string]float64)
	l.reservations = make(map[string]*Reservation)

	for _, p := range positions {
		u := strings.ToUpper(p.Underlying)
		group := p.Group
		if group == "" {
			group = l.groupOf[u]
		}
		if group != "" {
			l.counts[group]++
		}
		l.exposure[u] += p.DirectionalExposure
	}
}

func (l *Limiter) cleanLocked(u string) {
	if math.Abs(l.exposure[u]) < epsilon {
		delete(l.exposure, u)
	}
}

// GroupCount returns the live open-position count of a group.
func (l *Limiter) GroupCount(group string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[group]
}

// Exposure returns the aggregate signed exposure of an underlying.
func (l *Limiter) Exposure(underlying string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.exposure[strings.ToUpper(underlying)]
}

// Ceiling returns the active per-underlying exposure ceiling.
func (l *Limiter) Ceiling() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ceiling
}

// Pending returns the number of outstanding reservations.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.reservations)
}

// Ledger returns a copy of the limiter state.
func (l *Limiter) Ledger() Ledger {
	l.mu.Lock()
	defer l.mu.Unlock()

	counts := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		counts[k] = v
	}
	exposure := make(map[string]float64, len(l.exposure))
	for k, v := range l.exposure {
		exposure[k] = v
	}
	return Ledger{
		GroupCounts: counts,
		Exposure:    exposure,
		Ceiling:     l.ceiling,
		Tier:        l.tier,
		EventActive: l.eventActive,
	}
}
