package strategy

import (
	"math"

	"RegimeSentinel/internal/model"
)

// Classify maps a funding/OI snapshot to a regime, applying hysteresis against prev.
// Escalation is immediate. De-escalation only happens once the snapshot no longer
// satisfies prev's entry condition, and then by exactly one step per cycle.
func Classify(snap *model.MetricSnapshot, prev *model.Regime, th Thresholds) (model.Regime, error) {
	if err := snap.Validate(); err != nil {
		return "", err
	}

	raw := classifyRaw(snap, th)
	if prev == nil || !prev.Valid() {
		return raw, nil
	}
	if raw.Severity() >= prev.Severity() {
		return raw, nil
	}
	if matchesEntry(*prev, snap, th) {
		return *prev, nil
	}
	return prev.Relax(), nil
}

// classifyRaw evaluates the threshold ladder, most severe first; first match wins.
func classifyRaw(snap *model.MetricSnapshot, th Thresholds) model.Regime {
	switch {
	case isStress(snap, th):
		return model.RegimeStress
	case isFragile(snap, th):
		return model.RegimeFragile
	case isRecovery(snap, th):
		return model.RegimeRecovery
	case warningCount(snap, th) > 0:
		return model.RegimeTransitional
	default:
		return model.RegimeStable
	}
}

func matchesEntry(r model.Regime, snap *model.MetricSnapshot, th Thresholds) bool {
	switch r {
	case model.RegimeStress:
		return isStress(snap, th)
	case model.RegimeFragile:
		return isFragile(snap, th)
	case model.RegimeRecovery:
		return isRecovery(snap, th)
	default:
		// TRANSITIONAL and STABLE hold only while nothing more specific matches.
		return classifyRaw(snap, th) == r
	}
}

// Deleveraging: heavy liquidations while open interest collapses.
func isStress(snap *model.MetricSnapshot, th Thresholds) bool {
	return snap.TotalLiquidations7d > th.StressLiquidations && snap.OIGrowthPct7d < th.StressOIGrowth
}

// Crowded and unstable funding.
func isFragile(snap *model.MetricSnapshot, th Thresholds) bool {
	return snap.AvgFunding > th.FragileFunding && snap.StdFunding > th.FragileFundingStd
}

func isRecovery(snap *model.MetricSnapshot, th Thresholds) bool {
	return snap.OIGrowthPct7d > th.RecoveryOIGrowth && snap.AvgFunding <= th.RecoveryFundingMax
}

func warningCount(snap *model.MetricSnapshot, th Thresholds) int {
	n := 0
	if math.Abs(snap.AvgFunding) >= th.WarnFunding {
		n++
	}
	if math.Abs(snap.OIGrowthPct7d) >= th.WarnOIGrowth {
		n++
	}
	if snap.TotalLiquidations7d >= th.WarnLiquidations {
		n++
	}
	return n
}
