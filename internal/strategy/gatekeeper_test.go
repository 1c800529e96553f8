package strategy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeSentinel/internal/model"
)

func synth(t *testing.T, regime model.Regime, health model.LiquidityHealth, alerts []model.ProtocolAlert) *model.StrategyParams {
	t.Helper()
	p, err := Synthesize(SynthesisInput{Regime: regime, LiquidityHealth: health, Alerts: alerts, At: testAt},
		DefaultPositionSizingPolicy())
	require.NoError(t, err)
	return p
}

func TestDecide(t *testing.T) {
	critical := []model.ProtocolAlert{{Severity: model.SeverityCritical, Message: "hf"}}
	warning := []model.ProtocolAlert{{Severity: model.SeverityWarning, Message: "util"}}

	stable := synth(t, model.RegimeStable, model.LiquidityHealthy, nil)
	tests := []struct {
		name    string
		current *model.StrategyParams
		next    *model.StrategyParams
		want    model.GateState
	}{
		{"first record", nil, synth(t, model.RegimeStable, model.LiquidityHealthy, nil), model.GateRoutineUpdate},
		{"identical", stable, synth(t, model.RegimeStable, model.LiquidityHealthy, nil), model.GateNoChange},
		{"health moved", stable, synth(t, model.RegimeStable, model.LiquidityWatch, nil), model.GateRoutineUpdate},
		{"warning alert added", stable, synth(t, model.RegimeStable, model.LiquidityHealthy, warning), model.GateRoutineUpdate},
		{"escalation", stable, synth(t, model.RegimeFragile, model.LiquidityHealthy, nil), model.GateAlertTransition},
		{"de-escalation", synth(t, model.RegimeFragile, model.LiquidityHealthy, nil), stable, model.GateAlertTransition},
		{"critical alert blocks", stable, synth(t, model.RegimeStress, model.LiquidityHealthy, critical), model.GateBlockedForReview},
		{"critical alert blocks first record", nil, synth(t, model.RegimeStable, model.LiquidityHealthy, critical), model.GateBlockedForReview},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decide(tt.current, tt.next))
		})
	}
}

func TestEffectsOf(t *testing.T) {
	assert.Equal(t, Effects{}, EffectsOf(model.GateNoChange))
	assert.Equal(t, Effects{ReplaceCurrent: true}, EffectsOf(model.GateRoutineUpdate))

	e := EffectsOf(model.GateAlertTransition)
	assert.True(t, e.ReplaceCurrent)
	assert.True(t, e.Notify)

	e = EffectsOf(model.GateBlockedForReview)
	assert.False(t, e.ReplaceCurrent)
	assert.True(t, e.RecordPending)
	assert.Equal(t, model.SeverityCritical, e.Priority)
}

func TestInheritReview(t *testing.T) {
	hf := []model.ProtocolAlert{{Severity: model.SeverityCritical, Message: "aave_v3 WETH: health factor 1.01"}}
	blocked := synth(t, model.RegimeStable, model.LiquidityHealthy, hf)
	approved := *blocked
	approved.ApprovedBy = "telegram:42"

	again := synth(t, model.RegimeStable, model.LiquidityHealthy, hf)
	InheritReview(&approved, again)
	assert.Equal(t, "telegram:42", again.ApprovedBy)
	assert.Equal(t, model.GateNoChange, Decide(&approved, again))

	worse := []model.ProtocolAlert{hf[0], {Severity: model.SeverityCritical, Message: "compound_v3 WBTC: health factor 1.02"}}
	fresh := synth(t, model.RegimeStable, model.LiquidityHealthy, worse)
	InheritReview(&approved, fresh)
	assert.Equal(t, model.ApprovedPendingReview, fresh.ApprovedBy)
	assert.Equal(t, model.GateBlockedForReview, Decide(&approved, fresh))

	// Nothing reviewed when current was published automatically.
	auto := synth(t, model.RegimeStable, model.LiquidityHealthy, nil)
	next := synth(t, model.RegimeStable, model.LiquidityHealthy, hf)
	InheritReview(auto, next)
	assert.Equal(t, model.GateBlockedForReview, Decide(auto, next))
}
