package strategy

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"RegimeSentinel/internal/model"
)

// SynthesisInput gathers the latest result of each sub-assessment.
type SynthesisInput struct {
	Regime          model.Regime
	LiquidityHealth model.LiquidityHealth
	Alerts          []model.ProtocolAlert
	Source          model.SourceData
	At              time.Time
}

var one = decimal.NewFromInt(1)

// Synthesize derives a new StrategyParams record from the sub-assessments.
func Synthesize(in SynthesisInput, policy PositionSizingPolicy) (*model.StrategyParams, error) {
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if !in.Regime.Valid() {
		return nil, fmt.Errorf("%w: unknown regime %q", model.ErrPolicyViolation, in.Regime)
	}
	if !in.LiquidityHealth.Valid() {
		return nil, fmt.Errorf("%w: unknown liquidity health %q", model.ErrPolicyViolation, in.LiquidityHealth)
	}

	// A liquidity crisis overrides the market-signal classification by one step.
	regime := in.Regime
	if in.LiquidityHealth == model.LiquidityCritical && regime != model.RegimeStress {
		regime = regime.Escalate()
	}
	mult := regime.Multiplier()

	position := policy.BasePositionBTC.Mul(mult)
	if position.LessThan(policy.MinPositionBTC) {
		position = policy.MinPositionBTC
	}

	leverage := policy.BaseLeverage.Mul(decimal.Min(one, mult))
	if leverage.LessThan(one) {
		leverage = one
	}

	approvedBy := model.ApprovedAuto
	if HasCritical(in.Alerts) {
		approvedBy = model.ApprovedPendingReview
	}

	messages := make([]string, 0, len(in.Alerts))
	for _, a := range in.Alerts {
		messages = append(messages, fmt.Sprintf("[%s] %s", a.Severity, a.Message))
	}

	source, err := json.Marshal(in.Source)
	if err != nil {
		return nil, fmt.Errorf("marshal source data: %w", err)
	}

	params := &model.StrategyParams{
		ID:                   uuid.NewString(),
		Regime:               regime,
		MaxPositionSizeBTC:   position,
		LeverageLimit:        leverage,
		RiskBudgetMultiplier: mult,
		LiquidityHealth:      in.LiquidityHealth,
		ProtocolAlerts:       messages,
		ApprovedBy:           approvedBy,
		SourceData:           source,
		UpdatedAt:            in.At,
	}
	if err := CheckBounds(params); err != nil {
		return nil, err
	}
	return params, nil
}

// ClassifiedRegime recovers the classifier output behind a published regime by undoing
// the one-step liquidity override. liquidityRatio is today's TVL over its 30-day
// average as kept in history. STRESS is returned as is.
func ClassifiedRegime(effective model.Regime, liquidityRatio float64, bands LiquidityBands) model.Regime {
	if effective == model.RegimeStress || effective == model.RegimeRecovery {
		return effective
	}
	if math.Abs(liquidityRatio-1)*100 >= bands.Critical {
		return effective.Relax()
	}
	return effective
}

// CheckBounds enforces the invariants every persisted record must satisfy.
func CheckBounds(p *model.StrategyParams) error {
	switch {
	case p.MaxPositionSizeBTC.IsNegative():
		return fmt.Errorf("%w: max position %s is negative", model.ErrPolicyViolation, p.MaxPositionSizeBTC)
	case p.LeverageLimit.LessThan(one):
		return fmt.Errorf("%w: leverage limit %s is below 1x", model.ErrPolicyViolation, p.LeverageLimit)
	case p.RiskBudgetMultiplier.LessThan(model.MinRiskMultiplier) || p.RiskBudgetMultiplier.GreaterThan(model.MaxRiskMultiplier):
		return fmt.Errorf("%w: multiplier %s outside [%s, %s]", model.ErrPolicyViolation,
			p.RiskBudgetMultiplier, model.MinRiskMultiplier, model.MaxRiskMultiplier)
	case !p.RiskBudgetMultiplier.Equal(p.Regime.Multiplier()):
		return fmt.Errorf("%w: multiplier %s does not match regime %s", model.ErrPolicyViolation, p.RiskBudgetMultiplier, p.Regime)
	}
	return nil
}
