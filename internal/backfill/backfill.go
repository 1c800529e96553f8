package backfill

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"RegimeSentinel/internal/model"
	"RegimeSentinel/internal/strategy"
)

// Source tags history rows written by a backfill so they form their own stream.
const Source = "backfill"

// MetricsAsOf fetches the regime inputs as they were on a past day.
type MetricsAsOf interface {
	FetchMetricsAsOf(ctx context.Context, day time.Time) (*model.MetricSnapshot, error)
}

// HistoryWriter is the slice of the store a backfill needs.
type HistoryWriter interface {
	WriteHistory(ctx context.Context, rec *model.RegimeHistoryRecord) error
}

// Summary counts what a run did.
type Summary struct {
	Written int
	Skipped int
	Last    *model.Regime
}

// Backfiller reconstructs daily regime history, pacing queries to the provider's rate limit.
type Backfiller struct {
	Fetcher    MetricsAsOf
	Store      HistoryWriter
	Thresholds strategy.Thresholds
	Limiter    *rate.Limiter
	log        *zap.Logger
}

// New paces one query per interval. A zero interval disables pacing.
func New(f MetricsAsOf, store HistoryWriter, th strategy.Thresholds, interval time.Duration, log *zap.Logger) *Backfiller {
	if log == nil {
		log = zap.NewNop()
	}
	limit := rate.Inf
	if interval > 0 {
		limit = rate.Every(interval)
	}
	return &Backfiller{
		Fetcher:    f,
		Store:      store,
		Thresholds: th,
		Limiter:    rate.NewLimiter(limit, 1),
		log:        log,
	}
}

// Run classifies each day in [from, to] with hysteresis chained from the previous day.
// Days whose query fails are skipped; re-running a range is a no-op for days already written.
func (b *Backfiller) Run(ctx context.Context, from, to time.Time) (Summary, error) {
	var sum Summary
	from, to = truncateDay(from), truncateDay(to)
	if to.Before(from) {
		return sum, fmt.Errorf("backfill range ends (%s) before it starts (%s)", to.Format(time.DateOnly), from.Format(time.DateOnly))
	}
	if err := b.Thresholds.Validate(); err != nil {
		return sum, err
	}

	var prev *model.Regime
	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		if err := b.Limiter.Wait(ctx); err != nil {
			return sum, err
		}
		log := b.log.With(zap.String("day", day.Format(time.DateOnly)))

		snap, err := b.Fetcher.FetchMetricsAsOf(ctx, day)
		if err != nil {
			if ctx.Err() != nil {
				return sum, ctx.Err()
			}
			log.Warn("backfill day skipped", zap.Error(err))
			sum.Skipped++
			continue
		}

		regime, err := strategy.Classify(snap, prev, b.Thresholds)
		if err != nil {
			log.Warn("backfill day skipped", zap.Error(err))
			sum.Skipped++
			continue
		}

		raw, err := json.Marshal(snap)
		if err != nil {
			return sum, fmt.Errorf("marshal snapshot: %w", err)
		}
		rec := &model.RegimeHistoryRecord{
			Timestamp:      day,
			Source:         Source,
			Regime:         regime,
			OIGrowth:       snap.OIGrowthPct7d,
			FundingAvg:     snap.AvgFunding,
			LiquidityRatio: 1,
			RawData:        raw,
		}
		if err := b.Store.WriteHistory(ctx, rec); err != nil {
			if errors.Is(err, model.ErrNonMonotonicHistory) {
				return sum, fmt.Errorf("backfill must move forward past existing rows: %w", err)
			}
			return sum, fmt.Errorf("write history for %s: %w", day.Format(time.DateOnly), err)
		}
		log.Info("backfilled", zap.String("regime", string(regime)))
		sum.Written++
		prev = &regime
		sum.Last = &regime
	}
	return sum, nil
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
