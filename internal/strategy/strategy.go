package strategy

import (
	"options-riskcore/internal/models"
	"options-riskcore/internal/risk"
)

// ActionType is what a strategy wants to do this tick.
type ActionType string

const (
	ActionNone   ActionType = "none"
	ActionEnter  ActionType = "enter"
	ActionManage ActionType = "manage"
	ActionAdjust ActionType = "adjust"
	ActionClose  ActionType = "close"
)

// Action is a strategy's desired action.
//
// For ActionEnter, Legs describe one contract unit (Quantity is the ratio)
// and are scaled by the sized contract count. For ActionAdjust, Remove lists
// position legs to close and Legs are the replacements at final quantity.
type Action struct {
	Type                ActionType
	Legs                []models.Leg
	Remove              []int
	Sizing              risk.SizeRequest
	ExposurePerContract float64
	Exposure            float64 // resulting position exposure after an adjustment
	BuyingPower         float64 // resulting position buying power after an adjustment
	Reason              models.CloseReason
}

// View is the read-only state a strategy evaluates.
type View struct {
	State    State
	Position *models.Position
	Tick     Tick
}

// Strategy is a strategy kind. Implementations hold their own parameters and
// must not mutate the view.
type Strategy interface {
	Kind() string
	Evaluate(v View) Action
}
