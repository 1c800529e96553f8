package calculator

import (
	"errors"
	"fmt"

	"RegimeSentinel/internal/model"
)

// CalculateSMA computes the simple moving average of the last period values.
func CalculateSMA(values []float64, period int) (float64, error) {
	if period <= 0 {
		return 0, errors.New("period must be positive")
	}
	if len(values) < period {
		return 0, fmt.Errorf("%w: need %d values for SMA, have %d", model.ErrInsufficientHistory, period, len(values))
	}
	sum := 0.0
	for i := len(values) - period; i < len(values); i++ {
		sum += values[i]
	}
	return sum / float64(period), nil
}

// TVLAverages derives today's TVL and its 7- and 30-day averages from a daily series
// ordered oldest first.
func TVLAverages(daily []float64) (today, avg7, avg30 float64, err error) {
	if len(daily) == 0 {
		return 0, 0, 0, fmt.Errorf("%w: empty TVL series", model.ErrInsufficientHistory)
	}
	today = daily[len(daily)-1]
	if avg7, err = CalculateSMA(daily, 7); err != nil {
		return 0, 0, 0, err
	}
	if avg30, err = CalculateSMA(daily, 30); err != nil {
		return 0, 0, 0, err
	}
	return today, avg7, avg30, nil
}
