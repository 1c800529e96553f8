package collector

import (
	"context"
	"fmt"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// BreakerProvider stops calling a failing provider until its cooldown elapses.
type BreakerProvider struct {
	inner Provider
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerProvider trips after three consecutive failures and probes again after a minute.
func NewBreakerProvider(inner Provider, log *zap.Logger) *BreakerProvider {
	if log == nil {
		log = zap.NewNop()
	}
	settings := gobreaker.Settings{
		Name:        inner.Name(),
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("provider breaker state changed",
				zap.String("provider", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}
	return &BreakerProvider{inner: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (b *BreakerProvider) Name() string { return b.inner.Name() }

func (b *BreakerProvider) RunQuery(ctx context.Context, q Query) ([]Row, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.RunQuery(ctx, q)
	})
	if err != nil {
		return nil, fmt.Errorf("%s breaker: %w", b.inner.Name(), err)
	}
	rows, _ := out.([]Row)
	return rows, nil
}

// State exposes the breaker state for status output.
func (b *BreakerProvider) State() gobreaker.State {
	return b.cb.State()
}
