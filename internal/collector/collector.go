package collector

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"RegimeSentinel/internal/calculator"
	"RegimeSentinel/internal/model"
)

// QueryIDs names the saved analytics query backing each snapshot family.
type QueryIDs struct {
	Regime    string `yaml:"regime"`
	Liquidity string `yaml:"liquidity"`
	Protocol  string `yaml:"protocol"`
}

func DefaultQueryIDs() QueryIDs {
	return QueryIDs{
		Regime:    "6489102",
		Liquidity: "4100002",
		Protocol:  "4100004",
	}
}

var tracer = otel.Tracer("RegimeSentinel/collector")

// Collector maps provider rows into validated snapshots.
type Collector struct {
	Provider Provider
	Queries  QueryIDs
	Now      func() time.Time
	log      *zap.Logger
}

// NewCollector creates a new Collector.
func NewCollector(p Provider, ids QueryIDs, log *zap.Logger) *Collector {
	if log == nil {
		log = zap.NewNop()
	}
	return &Collector{Provider: p, Queries: ids, Now: time.Now, log: log}
}

// FetchMetrics returns the latest funding / open-interest / liquidation snapshot.
func (c *Collector) FetchMetrics(ctx context.Context) (*model.MetricSnapshot, error) {
	return c.fetchMetrics(ctx, nil)
}

// FetchMetricsAsOf runs the regime query parameterized to a past day.
func (c *Collector) FetchMetricsAsOf(ctx context.Context, day time.Time) (*model.MetricSnapshot, error) {
	snap, err := c.fetchMetrics(ctx, map[string]any{"as_of_date": day.Format("2006-01-02")})
	if err != nil {
		return nil, err
	}
	snap.CapturedAt = day
	return snap, nil
}

func (c *Collector) fetchMetrics(ctx context.Context, params map[string]any) (*model.MetricSnapshot, error) {
	rows, err := c.run(ctx, "regime", Query{ID: c.Queries.Regime, Params: params}, true)
	if err != nil {
		return nil, err
	}
	row := rows[0]

	var snap model.MetricSnapshot
	fields := []struct {
		name string
		dst  *float64
	}{
		{"avg_funding", &snap.AvgFunding},
		{"std_funding", &snap.StdFunding},
		{"oi_growth_pct_7d", &snap.OIGrowthPct7d},
		{"total_liquidations_7d", &snap.TotalLiquidations7d},
	}
	for _, f := range fields {
		if *f.dst, err = requireFloat(row, f.name); err != nil {
			return nil, err
		}
	}
	snap.CapturedAt = c.rowTime(row)
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

// FetchLiquidity accepts either one row of precomputed averages or a daily "tvl" series.
func (c *Collector) FetchLiquidity(ctx context.Context) (*model.LiquiditySnapshot, error) {
	rows, err := c.run(ctx, "liquidity", Query{ID: c.Queries.Liquidity}, true)
	if err != nil {
		return nil, err
	}

	var snap model.LiquiditySnapshot
	if _, ok := rows[0]["tvl_today"]; ok {
		row := rows[0]
		if snap.TVLToday, err = requireFloat(row, "tvl_today"); err != nil {
			return nil, err
		}
		if snap.TVL30dAvg, err = requireFloat(row, "tvl_30d_avg"); err != nil {
			return nil, err
		}
		if v, ok, err := optionalFloat(row, "tvl_7d_avg"); err != nil {
			return nil, err
		} else if ok {
			snap.TVL7dAvg = v
		}
		snap.CapturedAt = c.rowTime(row)
	} else {
		series, last, err := c.tvlSeries(rows)
		if err != nil {
			return nil, err
		}
		if snap.TVLToday, snap.TVL7dAvg, snap.TVL30dAvg, err = calculator.TVLAverages(series); err != nil {
			return nil, err
		}
		snap.CapturedAt = last
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Collector) tvlSeries(rows []Row) ([]float64, time.Time, error) {
	type point struct {
		at  time.Time
		tvl float64
	}
	points := make([]point, 0, len(rows))
	for _, row := range rows {
		v, err := requireFloat(row, "tvl")
		if err != nil {
			return nil, time.Time{}, err
		}
		points = append(points, point{at: c.rowTime(row), tvl: v})
	}
	sort.SliceStable(points, func(i, j int) bool { return points[i].at.Before(points[j].at) })

	series := make([]float64, len(points))
	for i, p := range points {
		series[i] = p.tvl
	}
	return series, points[len(points)-1].at, nil
}

// FetchProtocols returns one reading per protocol/asset row. No rows is a quiet scan,
// not an error.
func (c *Collector) FetchProtocols(ctx context.Context) ([]model.ProtocolReading, error) {
	rows, err := c.run(ctx, "protocol", Query{ID: c.Queries.Protocol}, false)
	if err != nil {
		return nil, err
	}
	out := make([]model.ProtocolReading, 0, len(rows))
	for i, row := range rows {
		r := model.ProtocolReading{
			Protocol:   stringField(row, "protocol"),
			Asset:      stringField(row, "asset"),
			CapturedAt: c.rowTime(row),
		}
		if r.Protocol == "" {
			return nil, fmt.Errorf("%w: protocol row %d has no protocol name", model.ErrInvalidSnapshot, i)
		}
		if r.UtilizationRatio, err = requireFloat(row, "utilization_ratio"); err != nil {
			return nil, fmt.Errorf("%s/%s: %w", r.Protocol, r.Asset, err)
		}
		for _, key := range []string{"avg_health_factor", "health_factor"} {
			v, ok, err := optionalFloat(row, key)
			if err != nil {
				return nil, fmt.Errorf("%s/%s: %w", r.Protocol, r.Asset, err)
			}
			if ok {
				r.HealthFactor = v
				break
			}
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

// run executes a query inside a span. requireRows rejects an empty result.
func (c *Collector) run(ctx context.Context, family string, q Query, requireRows bool) ([]Row, error) {
	ctx, span := tracer.Start(ctx, "collector."+family)
	defer span.End()
	span.SetAttributes(
		attribute.String("provider", c.Provider.Name()),
		attribute.String("query_id", q.ID),
	)

	start := c.Now()
	rows, err := c.Provider.RunQuery(ctx, q)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s query %s: %v", model.ErrCollaboratorUnavailable, family, q.ID, err)
	}
	span.SetAttributes(attribute.Int("rows", len(rows)))
	c.log.Debug("query completed",
		zap.String("family", family),
		zap.String("provider", c.Provider.Name()),
		zap.Int("rows", len(rows)),
		zap.Duration("elapsed", c.Now().Sub(start)))

	if requireRows && len(rows) == 0 {
		return nil, fmt.Errorf("%w: %s query %s returned no rows", model.ErrInsufficientHistory, family, q.ID)
	}
	return rows, nil
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.000 UTC",
	"2006-01-02 15:04:05 UTC",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// rowTime reads the row's own timestamp column, falling back to the collector clock.
func (c *Collector) rowTime(row Row) time.Time {
	for _, key := range []string{"timestamp", "day", "date"} {
		s := stringField(row, key)
		if s == "" {
			continue
		}
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, s); err == nil {
				return t.UTC()
			}
		}
	}
	return c.Now().UTC()
}

func requireFloat(row Row, key string) (float64, error) {
	v, ok, err := optionalFloat(row, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("%w: missing field %s", model.ErrInvalidSnapshot, key)
	}
	return v, nil
}

func optionalFloat(row Row, key string) (float64, bool, error) {
	raw, ok := row[key]
	if !ok || raw == nil {
		return 0, false, nil
	}
	v, err := toFloat(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: field %s: %v", model.ErrInvalidSnapshot, key, err)
	}
	return v, true, nil
}

// toFloat accepts JSON numbers and numeric strings.
func toFloat(v any) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(strings.TrimSpace(n), 64)
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}

func stringField(row Row, key string) string {
	switch s := row[key].(type) {
	case string:
		return s
	case nil:
		return ""
	default:
		return fmt.Sprint(s)
	}
}
