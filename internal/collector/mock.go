package collector

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider returns controllable fixed rows per query id for development and testing.
type MockProvider struct {
	mu    sync.Mutex
	Rows  map[string][]Row
	Err   error
	Calls []Query
}

func NewMockProvider() *MockProvider {
	return &MockProvider{Rows: make(map[string][]Row)}
}

func (m *MockProvider) Name() string { return "mock" }

func (m *MockProvider) Set(queryID string, rows ...Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Rows[queryID] = rows
}

func (m *MockProvider) RunQuery(_ context.Context, q Query) ([]Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, q)
	if m.Err != nil {
		return nil, m.Err
	}
	rows, ok := m.Rows[q.ID]
	if !ok {
		return nil, fmt.Errorf("mock: no rows for query %q", q.ID)
	}
	return rows, nil
}

// DemoProvider returns a mock loaded with a calm market, healthy liquidity and one busy pool.
func DemoProvider(ids QueryIDs) *MockProvider {
	m := NewMockProvider()
	m.Set(ids.Regime, Row{
		"avg_funding":           0.012,
		"std_funding":           0.008,
		"oi_growth_pct_7d":      3.5,
		"total_liquidations_7d": 12_500_000.0,
	})
	m.Set(ids.Liquidity, Row{
		"tvl_today":   1_020_000_000.0,
		"tvl_7d_avg":  1_005_000_000.0,
		"tvl_30d_avg": 1_000_000_000.0,
	})
	m.Set(ids.Protocol,
		Row{"protocol": "aave_v3", "asset": "USDC", "utilization_ratio": 0.83, "avg_health_factor": 1.8},
		Row{"protocol": "compound_v3", "asset": "WETH", "utilization_ratio": 0.41, "avg_health_factor": 2.1},
	)
	return m
}
