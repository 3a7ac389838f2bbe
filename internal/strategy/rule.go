package strategy

import (
	"fmt"
	"strings"
	"time"

	"options-riskcore/internal/config"
	apperrors "options-riskcore/internal/errors"
	"options-riskcore/internal/models"
	"options-riskcore/internal/risk"
)

// KindRule is the kind name of the rule strategy.
const KindRule = "rule"

// RuleParams configures a rule strategy.
type RuleParams struct {
	Underlying          string
	Legs                []models.Leg // one contract unit
	Sizing              risk.SizeRequest
	ExposurePerContract float64
	ProfitTarget        float64 // fraction of entry credit (or debit) to take profit at
	StopMultiple        float64 // multiple of entry credit (or debit) to stop out at
	ExitDTE             int     // close at or below this many days to expiry
}

// Rule enters when flat and asks for management when a profit target, stop
// or days-to-expiry threshold is hit. Once managing, it closes.
type Rule struct {
	params RuleParams
}

// NewRule creates a rule strategy.
func NewRule(p RuleParams) *Rule {
	return &Rule{params: p}
}

// Kind returns KindRule.
func (r *Rule) Kind() string { return KindRule }

// Evaluate returns the rule's action for the view.
func (r *Rule) Evaluate(v View) Action {
	switch v.State {
	case StateAwaitingEntry:
		if r.expiresWithinExit(v.Tick.Now) {
			return Action{Type: ActionNone}
		}
		return Action{
			Type:                ActionEnter,
			Legs:                append([]models.Leg(nil), r.params.Legs...),
			Sizing:              r.params.Sizing,
			ExposurePerContract: r.params.ExposurePerContract,
		}

	case StateOpen:
		if reason, ok := r.trigger(v); ok {
			return Action{Type: ActionManage, Reason: reason}
		}

	case StateManaging:
		reason, ok := r.trigger(v)
		if !ok {
			reason = models.CloseReasonStrategy
		}
		return Action{Type: ActionClose, Reason: reason}
	}
	return Action{Type: ActionNone}
}

// trigger reports the first management condition that holds.
func (r *Rule) trigger(v View) (models.CloseReason, bool) {
	p := v.Position
	if p == nil {
		return "", false
	}

	basis := p.EntryCredit()
	if basis < 0 {
		basis = -basis
	}

	if basis > 0 {
		if r.params.ProfitTarget > 0 && p.UnrealizedPnL >= r.params.ProfitTarget*basis {
			return models.CloseReasonProfitTarget, true
		}
		if r.params.StopMultiple > 0 && p.UnrealizedPnL <= -r.params.StopMultiple*basis {
			return models.CloseReasonStop, true
		}
	}

	if r.params.ExitDTE > 0 {
		if dte := p.DaysToExpiry(v.Tick.Now); dte >= 0 && dte <= r.params.ExitDTE {
			return models.CloseReasonDefensiveDTE, true
		}
	}
	return "", false
}

func (r *Rule) expiresWithinExit(now time.Time) bool {
	if r.params.ExitDTE <= 0 {
		return false
	}
	probe := models.Position{Legs: r.params.Legs}
	dte := probe.DaysToExpiry(now)
	return dte >= 0 && dte <= r.params.ExitDTE
}

// RuleFromConfig builds rule parameters from a strategy deployment.
func RuleFromConfig(sc config.StrategyConfig) (RuleParams, error) {
	p := RuleParams{
		Underlying: strings.ToUpper(sc.Underlying),
		Sizing: risk.SizeRequest{
			RiskFraction:       sc.RiskFraction,
			MaxLossPerContract: sc.MaxLossPerContract,
			MarginPerContract:  sc.MarginPerContract,
			MaxContracts:       sc.MaxContracts,
		},
		ExposurePerContract: sc.ExposurePerContract,
		ProfitTarget:        sc.ProfitTarget,
		StopMultiple:        sc.StopMultiple,
		ExitDTE:             sc.ExitDTE,
	}

	for i, lt := range sc.Legs {
		leg := models.Leg{
			Symbol:     lt.Symbol,
			Underlying: p.Underlying,
			Kind:       models.InstrumentKind(strings.ToUpper(lt.Kind)),
			Strike:     lt.Strike,
			Side:       models.OrderSide(strings.ToUpper(lt.Side)),
			Quantity:   lt.Ratio,
			Multiplier: lt.Multiplier,
			LimitPrice: lt.LimitPrice,
		}
		if leg.Quantity == 0 {
			leg.Quantity = 1
		}

		switch leg.Kind {
		case models.KindCall, models.KindPut, models.KindFuture, models.KindStock:
		default:
			return RuleParams{}, apperrors.NewValidationError(fmt.Sprintf("strategies.%s.legs[%d].kind", sc.ID, i), lt.Kind, "unknown instrument kind")
		}
		if leg.Side != models.OrderSideBuy && leg.Side != models.OrderSideSell {
			return RuleParams{}, apperrors.NewValidationError(fmt.Sprintf("strategies.%s.legs[%d].side", sc.ID, i), lt.Side, "must be BUY or SELL")
		}
		if leg.Symbol == "" {
			return RuleParams{}, apperrors.NewValidationError(fmt.Sprintf("strategies.%s.legs[%d].symbol", sc.ID, i), lt.Symbol, "must not be empty")
		}
		if lt.Expiry != "" {
			exp, err := time.Parse("2006-01-02", lt.Expiry)
			if err != nil {
				return RuleParams{}, apperrors.NewValidationError(fmt.Sprintf("strategies.%s.legs[%d].expiry", sc.ID, i), lt.Expiry, "must be YYYY-MM-DD")
			}
			leg.Expiry = exp
		}
		p.Legs = append(p.Legs, leg)
	}
	return p, nil
}

// Build deploys every configured strategy as an instance.
func Build(strategies []config.StrategyConfig) ([]*Instance, error) {
	instances := make([]*Instance, 0, len(strategies))
	for _, sc := range strategies {
		kind := sc.Kind
		if kind == "" {
			kind = KindRule
		}
		if kind != KindRule {
			return nil, apperrors.NewValidationError("strategies."+sc.ID+".kind", sc.Kind, "unknown strategy kind")
		}
		params, err := RuleFromConfig(sc)
		if err != nil {
			return nil, err
		}
		instances = append(instances, NewInstance(sc.ID, params.Underlying, NewRule(params)))
	}
	return instances, nil
}
