package collector

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeSentinel/internal/model"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestCollector(m *MockProvider) *Collector {
	c := NewCollector(m, DefaultQueryIDs(), nil)
	c.Now = func() time.Time { return fixedNow }
	return c
}

func TestFetchMetrics_NumbersAndStrings(t *testing.T) {
	m := NewMockProvider()
	m.Set("6489102", Row{
		"avg_funding":           "0.05",
		"std_funding":           json.Number("0.02"),
		"oi_growth_pct_7d":      5,
		"total_liquidations_7d": 15_000_000.0,
		"day":                   "2026-02-28 00:00:00.000 UTC",
	})

	snap, err := newTestCollector(m).FetchMetrics(context.Background())
	require.NoError(t, err)
	assert.InDelta(t, 0.05, snap.AvgFunding, 1e-12)
	assert.InDelta(t, 0.02, snap.StdFunding, 1e-12)
	assert.InDelta(t, 5, snap.OIGrowthPct7d, 1e-12)
	assert.InDelta(t, 15e6, snap.TotalLiquidations7d, 1e-6)
	assert.Equal(t, time.Date(2026, 2, 28, 0, 0, 0, 0, time.UTC), snap.CapturedAt)
}

func TestFetchMetrics_BadRows(t *testing.T) {
	tests := []struct {
		name string
		row  Row
	}{
		{"missing field", Row{"avg_funding": 0.01, "std_funding": 0.01, "oi_growth_pct_7d": 1}},
		{"non numeric", Row{"avg_funding": "n/a", "std_funding": 0.01, "oi_growth_pct_7d": 1, "total_liquidations_7d": 1}},
		{"negative std", Row{"avg_funding": 0.01, "std_funding": -0.01, "oi_growth_pct_7d": 1, "total_liquidations_7d": 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMockProvider()
			m.Set("6489102", tt.row)
			_, err := newTestCollector(m).FetchMetrics(context.Background())
			assert.True(t, errors.Is(err, model.ErrInvalidSnapshot), "got %v", err)
		})
	}
}

func TestFetchMetrics_ProviderFailure(t *testing.T) {
	m := NewMockProvider()
	m.Err = errors.New("timeout")
	_, err := newTestCollector(m).FetchMetrics(context.Background())
	assert.True(t, errors.Is(err, model.ErrCollaboratorUnavailable))
}

func TestFetchMetrics_EmptyResult(t *testing.T) {
	m := NewMockProvider()
	m.Set("6489102")
	_, err := newTestCollector(m).FetchMetrics(context.Background())
	assert.True(t, errors.Is(err, model.ErrInsufficientHistory))
}

func TestFetchMetricsAsOf_PassesDate(t *testing.T) {
	m := NewMockProvider()
	m.Set("6489102", Row{"avg_funding": 0.01, "std_funding": 0.01, "oi_growth_pct_7d": 1, "total_liquidations_7d": 1})
	day := time.Date(2025, 11, 3, 0, 0, 0, 0, time.UTC)

	snap, err := newTestCollector(m).FetchMetricsAsOf(context.Background(), day)
	require.NoError(t, err)
	assert.Equal(t, day, snap.CapturedAt)
	require.Len(t, m.Calls, 1)
	assert.Equal(t, "2025-11-03", m.Calls[0].Params["as_of_date"])
}

func TestFetchLiquidity_Precomputed(t *testing.T) {
	m := NewMockProvider()
	m.Set("4100002", Row{"tvl_today": 90.0, "tvl_7d_avg": 95.0, "tvl_30d_avg": 100.0})

	snap, err := newTestCollector(m).FetchLiquidity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 90.0, snap.TVLToday)
	assert.Equal(t, 95.0, snap.TVL7dAvg)
	assert.Equal(t, 100.0, snap.TVL30dAvg)
	assert.Equal(t, fixedNow, snap.CapturedAt)
}

func TestFetchLiquidity_DailySeries(t *testing.T) {
	m := NewMockProvider()
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rows := make([]Row, 0, 30)
	// Newest first, as analytics queries usually order by day desc.
	for i := 29; i >= 0; i-- {
		rows = append(rows, Row{"day": start.AddDate(0, 0, i).Format("2006-01-02"), "tvl": float64(100 + i)})
	}
	m.Set("4100002", rows...)

	snap, err := newTestCollector(m).FetchLiquidity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 129.0, snap.TVLToday)
	assert.InDelta(t, 126.0, snap.TVL7dAvg, 1e-9)
	assert.InDelta(t, 114.5, snap.TVL30dAvg, 1e-9)
	assert.Equal(t, start.AddDate(0, 0, 29), snap.CapturedAt)
}

func TestFetchLiquidity_ShortSeries(t *testing.T) {
	m := NewMockProvider()
	m.Set("4100002", Row{"day": "2026-01-01", "tvl": 1.0}, Row{"day": "2026-01-02", "tvl": 2.0})
	_, err := newTestCollector(m).FetchLiquidity(context.Background())
	assert.True(t, errors.Is(err, model.ErrInsufficientHistory))
}

func TestFetchProtocols(t *testing.T) {
	m := NewMockProvider()
	m.Set("4100004",
		Row{"protocol": "aave_v3", "asset": "USDC", "utilization_ratio": "0.92", "avg_health_factor": 1.4},
		Row{"protocol": "morpho", "asset": "WBTC", "utilization_ratio": 0.5, "health_factor": nil},
	)

	readings, err := newTestCollector(m).FetchProtocols(context.Background())
	require.NoError(t, err)
	require.Len(t, readings, 2)
	assert.Equal(t, "aave_v3", readings[0].Protocol)
	assert.InDelta(t, 0.92, readings[0].UtilizationRatio, 1e-12)
	assert.InDelta(t, 1.4, readings[0].HealthFactor, 1e-12)
	assert.Zero(t, readings[1].HealthFactor, "unreported health factor stays zero")
}

func TestFetchProtocols_EmptyScan(t *testing.T) {
	m := NewMockProvider()
	m.Set("4100004")
	m.Set("4100002")
	c := newTestCollector(m)

	readings, err := c.FetchProtocols(context.Background())
	require.NoError(t, err)
	assert.Empty(t, readings)

	_, err = c.FetchLiquidity(context.Background())
	assert.True(t, errors.Is(err, model.ErrInsufficientHistory), "liquidity still needs rows")
}

func TestFetchProtocols_OutOfRange(t *testing.T) {
	m := NewMockProvider()
	m.Set("4100004", Row{"protocol": "aave_v3", "asset": "USDC", "utilization_ratio": 1.3})
	_, err := newTestCollector(m).FetchProtocols(context.Background())
	assert.True(t, errors.Is(err, model.ErrInvalidSnapshot))
}

func TestDemoProvider_FeedsCollector(t *testing.T) {
	c := newTestCollector(DemoProvider(DefaultQueryIDs()))
	ctx := context.Background()

	_, err := c.FetchMetrics(ctx)
	require.NoError(t, err)
	_, err = c.FetchLiquidity(ctx)
	require.NoError(t, err)
	readings, err := c.FetchProtocols(ctx)
	require.NoError(t, err)
	assert.Len(t, readings, 2)
}
