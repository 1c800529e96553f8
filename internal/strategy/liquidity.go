package strategy

import (
	"math"

	"RegimeSentinel/internal/calculator"
	"RegimeSentinel/internal/model"
)

// AssessLiquidity classifies today's TVL against its 30-day average by deviation magnitude.
// Inflows and drains of the same size map to the same health level.
func AssessLiquidity(snap *model.LiquiditySnapshot, bands LiquidityBands) (model.LiquidityHealth, float64, error) {
	if err := snap.Validate(); err != nil {
		return "", 0, err
	}
	deviation, err := calculator.DeviationPct(snap.TVLToday, snap.TVL30dAvg)
	if err != nil {
		return "", 0, err
	}

	abs := math.Abs(deviation)
	switch {
	case abs < bands.Watch:
		return model.LiquidityHealthy, deviation, nil
	case abs < bands.Degraded:
		return model.LiquidityWatch, deviation, nil
	case abs < bands.Critical:
		return model.LiquidityDegraded, deviation, nil
	default:
		return model.LiquidityCritical, deviation, nil
	}
}
