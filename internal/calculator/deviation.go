package calculator

import (
	"fmt"

	"RegimeSentinel/internal/model"
)

// DeviationPct returns (today - avg30) / avg30 * 100.
func DeviationPct(today, avg30 float64) (float64, error) {
	if avg30 == 0 {
		return 0, fmt.Errorf("%w: 30-day TVL average is zero", model.ErrInsufficientHistory)
	}
	return (today - avg30) / avg30 * 100, nil
}

// LiquidityRatio is today's TVL relative to its 30-day average; 1.0 means no deviation.
func LiquidityRatio(deviationPct float64) float64 {
	return 1 + deviationPct/100
}
