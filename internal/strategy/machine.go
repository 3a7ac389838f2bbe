// Package strategy implements the per-instance strategy lifecycle and the
// strategy kinds that drive it.
package strategy

import (
	"fmt"
	"sync"
	"time"

	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
)

// State is a strategy instance lifecycle state.
type State string

const (
	StateAwaitingEntry State = "AWAITING_ENTRY"
	StateOpen          State = "OPEN"
	StateManaging      State = "MANAGING"
	StateClosing       State = "CLOSING"
	StateClosed        State = "CLOSED"
	StateOrphaned      State = "ORPHANED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateAwaitingEntry, StateOpen, StateManaging, StateClosing, StateClosed, StateOrphaned}

// transitions lists the legal edges. Orphaned is reachable from every
// non-orphaned state and handled separately.
var transitions = map[State][]State{
	StateAwaitingEntry: {StateOpen},
	StateOpen:          {StateManaging},
	StateManaging:      {StateOpen, StateClosing},
	StateClosing:       {StateClosed},
}

// Gate carries the account conditions a transition is checked against.
type Gate struct {
	Tripped        bool // circuit breaker is tripped
	RiskIncreasing bool // the transition opens or grows risk
}

// Tick is what an instance sees when asked for its next action.
type Tick struct {
	Now     time.Time
	Regime  string
	Quote   float64
	Tripped bool
}

// Instance is one deployed strategy: its lifecycle state and, while open,
// its position.
type Instance struct {
	mu sync.Mutex

	id         string
	underlying string
	strategy   Strategy

	state        State
	position     *models.Position
	attempts     map[ActionType]int
	closeReason  models.CloseReason
	orphanReason string
	updatedAt    time.Time
}

// NewInstance deploys a strategy in AwaitingEntry.
func NewInstance(id, underlying string, s Strategy) *Instance {
	return &Instance{
		id:         id,
		underlying: underlying,
		strategy:   s,
		state:      StateAwaitingEntry,
		attempts:   make(map[ActionType]int),
	}
}

// ID returns the instance ID.
func (i *Instance) ID() string { return i.id }

// Underlying returns the instance's underlying.
func (i *Instance) Underlying() string { return i.underlying }

// Kind returns the strategy kind.
func (i *Instance) Kind() string { return i.strategy.Kind() }

// State returns the current state.
func (i *Instance) State() State {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.state
}

// Position returns a copy of the open position, or nil.
func (i *Instance) Position() *models.Position {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.position.Clone()
}

// CloseReason returns the reason recorded when closing began.
func (i *Instance) CloseReason() models.CloseReason {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.closeReason
}

// Check reports whether the transition to `to` would be accepted.
func (i *Instance) Check(to State, g Gate) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.checkLocked(to, g)
}

func (i *Instance) checkLocked(to State, g Gate) error {
	if to == StateOrphaned {
		if i.state == StateOrphaned {
			return apperrors.NewTransitionError(i.id, string(i.state), string(to), apperrors.ErrInvalidTransition)
		}
		return nil
	}

	allowed := false
	for _, s := range transitions[i.state] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperrors.NewTransitionError(i.id, string(i.state), string(to), apperrors.ErrInvalidTransition)
	}
	if g.Tripped && g.RiskIncreasing {
		return apperrors.NewTransitionError(i.id, string(i.state), string(to), apperrors.ErrTradingHalted)
	}
	return nil
}

// Transition moves the instance to `to` when the edge is legal and the gate allows it.
func (i *Instance) Transition(to State, g Gate, now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.transitionLocked(to, g, now)
}

func (i *Instance) transitionLocked(to State, g Gate, now time.Time) error {
	if err := i.checkLocked(to, g); err != nil {
		return err
	}
	i.state = to
	i.updatedAt = now
	return nil
}

// Opened records a fully filled entry.
func (i *Instance) Opened(p *models.Position, g Gate, now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	g.RiskIncreasing = true
	if err := i.transitionLocked(StateOpen, g, now); err != nil {
		return err
	}
	i.position = p.Clone()
	return nil
}

// Adjusted records a fully filled adjustment and returns to Open.
func (i *Instance) Adjusted(p *models.Position, reducing bool, g Gate, now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	g.RiskIncreasing = !reducing
	if err := i.transitionLocked(StateOpen, g, now); err != nil {
		return err
	}
	i.position = p.Clone()
	return nil
}

// BeginClose moves a managing instance to Closing. Calling it while already
// Closing is a no-op so failed closes can be retried.
func (i *Instance) BeginClose(reason models.CloseReason, now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.state == StateClosing {
		return nil
	}
	if i.state == StateOpen {
		if err := i.transitionLocked(StateManaging, Gate{}, now); err != nil {
			return err
		}
	}
	if err := i.transitionLocked(StateClosing, Gate{}, now); err != nil {
		return err
	}
	i.closeReason = reason
	return nil
}

// Closed records a fully filled close.
func (i *Instance) Closed(now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.transitionLocked(StateClosed, Gate{}, now); err != nil {
		return err
	}
	i.position = nil
	return nil
}

// Orphan takes the instance out of automated management. The position, if
// any, is kept for inspection.
func (i *Instance) Orphan(reason string, now time.Time) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if err := i.transitionLocked(StateOrphaned, Gate{}, now); err != nil {
		return err
	}
	i.orphanReason = reason
	return nil
}

// Mark updates the unrealized P&L and exposure of the open position.
func (i *Instance) Mark(unrealized, exposure float64) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.position == nil {
		return
	}
	i.position.UnrealizedPnL = unrealized
	i.position.DirectionalExposure = exposure
}

// NextKey returns a fresh idempotency key for an action.
func (i *Instance) NextKey(a ActionType) string {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.attempts[a]++
	return fmt.Sprintf("%s/%s/%d", i.id, a, i.attempts[a])
}

// Decide asks the strategy for its next action and normalises it for the
// current state. An Open instance that signals management moves to Managing
// and is asked again.
func (i *Instance) Decide(t Tick) Action {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch i.state {
	case StateClosed, StateOrphaned:
		return Action{Type: ActionNone}
	case StateClosing:
		return Action{Type: ActionClose, Reason: i.closeReason}
	}

	a := i.strategy.Evaluate(i.viewLocked(t))

	if i.state == StateOpen && a.Type != ActionNone {
		if err := i.transitionLocked(StateManaging, Gate{}, t.Now); err != nil {
			return Action{Type: ActionNone}
		}
		if a.Type == ActionManage {
			a = i.strategy.Evaluate(i.viewLocked(t))
		}
	}

	switch i.state {
	case StateAwaitingEntry:
		if a.Type != ActionEnter {
			return Action{Type: ActionNone}
		}
	case StateManaging:
		if a.Type != ActionAdjust && a.Type != ActionClose {
			return Action{Type: ActionNone}
		}
	}
	return a
}

func (i *Instance) viewLocked(t Tick) View {
	return View{
		State:    i.state,
		Position: i.position.Clone(),
		Tick:     t,
	}
}

// Snapshot is the serialisable state of an instance.
type Snapshot struct {
	ID           string             `json:"id"`
	Kind         string             `json:"kind"`
	Underlying   string             `json:"underlying"`
	State        State              `json:"state"`
	Position     *models.Position   `json:"position,omitempty"`
	Attempts     map[ActionType]int `json:"attempts,omitempty"`
	CloseReason  models.CloseReason `json:"close_reason,omitempty"`
	OrphanReason string             `json:"orphan_reason,omitempty"`
	UpdatedAt    time.Time          `json:"updated_at"`
}

// Snapshot returns the serialisable state.
func (i *Instance) Snapshot() Snapshot {
	i.mu.Lock()
	defer i.mu.Unlock()

	attempts := make(map[ActionType]int, len(i.attempts))
	for k, v := range i.attempts {
		attempts[k] = v
	}
	return Snapshot{
		ID:           i.id,
		Kind:         i.strategy.Kind(),
		Underlying:   i.underlying,
		State:        i.state,
		Position:     i.position.Clone(),
		Attempts:     attempts,
		CloseReason:  i.closeReason,
		OrphanReason: i.orphanReason,
		UpdatedAt:    i.updatedAt,
	}
}

// Restore loads saved state directly, without replaying transitions.
func (i *Instance) Restore(s Snapshot) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.state = s.State
	i.position = s.Position.Clone()
	i.attempts = make(map[ActionType]int, len(s.Attempts))
	for k, v := range s.Attempts {
		i.attempts[k] = v
	}
	i.closeReason = s.CloseReason
	i.orphanReason = s.OrphanReason
	i.updatedAt = s.UpdatedAt
}
