package recorder

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeSentinel/internal/model"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := NewSQLiteStore(filepath.Join(t.TempDir(), "regime.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { sq.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func params(id string, regime model.Regime, approvedBy string, at time.Time) *model.StrategyParams {
	return &model.StrategyParams{
		ID:                   id,
		Regime:               regime,
		MaxPositionSizeBTC:   decimal.RequireFromString("0.4"),
		LeverageLimit:        decimal.RequireFromString("2"),
		RiskBudgetMultiplier: regime.Multiplier(),
		LiquidityHealth:      model.LiquidityHealthy,
		ProtocolAlerts:       []string{"[WARNING] aave_v3 USDC: utilization 85.0%"},
		ApprovedBy:           approvedBy,
		SourceData:           json.RawMessage(`{"metrics":{"avg_funding":0.01}}`),
		UpdatedAt:            at,
	}
}

func TestStore_HistoryIdempotentAndMonotonic(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			latest, err := s.LatestHistory(ctx, "")
			require.NoError(t, err)
			assert.Nil(t, latest)

			rec := &model.RegimeHistoryRecord{
				Timestamp: base.Add(6 * time.Hour), Source: "regime", Regime: model.RegimeStable,
				OIGrowth: 3, FundingAvg: 0.01, LiquidityRatio: 1.02, RawData: json.RawMessage(`{}`),
			}
			require.NoError(t, s.WriteHistory(ctx, rec))
			require.NoError(t, s.WriteHistory(ctx, rec), "retry with the same key is a no-op")

			older := *rec
			older.Timestamp = base
			assert.True(t, errors.Is(s.WriteHistory(ctx, &older), model.ErrNonMonotonicHistory))

			// Another source is its own stream.
			backfill := older
			backfill.Source = "backfill"
			require.NoError(t, s.WriteHistory(ctx, &backfill))

			latest, err = s.LatestHistory(ctx, "")
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, "regime", latest.Source)
			assert.Equal(t, model.RegimeStable, latest.Regime)
			assert.True(t, rec.Timestamp.Equal(latest.Timestamp))
			assert.InDelta(t, 1.02, latest.LiquidityRatio, 1e-9)

			latest, err = s.LatestHistory(ctx, "backfill")
			require.NoError(t, err)
			require.NotNil(t, latest)
			assert.Equal(t, "backfill", latest.Source)
			assert.True(t, base.Equal(latest.Timestamp))

			latest, err = s.LatestHistory(ctx, "liquidity")
			require.NoError(t, err)
			assert.Nil(t, latest)
		})
	}
}

func TestStore_CurrentParams(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			cur, err := s.ReadCurrentParams(ctx)
			require.NoError(t, err)
			assert.Nil(t, cur)

			first := params("p-1", model.RegimeStable, model.ApprovedAuto, base)
			second := params("p-2", model.RegimeFragile, model.ApprovedAuto, base.Add(time.Hour))
			require.NoError(t, s.WriteCurrentParams(ctx, first))
			require.NoError(t, s.WriteCurrentParams(ctx, second))
			require.NoError(t, s.WriteCurrentParams(ctx, second), "duplicate id is a no-op")

			cur, err = s.ReadCurrentParams(ctx)
			require.NoError(t, err)
			require.NotNil(t, cur)
			assert.Equal(t, "p-2", cur.ID)
			assert.Equal(t, model.RegimeFragile, cur.Regime)
			assert.True(t, cur.RiskBudgetMultiplier.Equal(decimal.RequireFromString("0.5")))
			assert.True(t, cur.MaxPositionSizeBTC.Equal(decimal.RequireFromString("0.4")))
			assert.Equal(t, second.ProtocolAlerts, cur.ProtocolAlerts)
			assert.JSONEq(t, string(second.SourceData), string(cur.SourceData))
			assert.True(t, second.UpdatedAt.Equal(cur.UpdatedAt))
		})
	}
}

func TestStore_PendingDoesNotReplaceCurrentUntilApproved(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.WriteCurrentParams(ctx, params("p-1", model.RegimeStable, model.ApprovedAuto, base)))

			blocked := params("p-2", model.RegimeStress, model.ApprovedPendingReview, base.Add(time.Hour))
			require.NoError(t, s.WritePendingParams(ctx, blocked))

			cur, err := s.ReadCurrentParams(ctx)
			require.NoError(t, err)
			assert.Equal(t, "p-1", cur.ID)

			pending, err := s.ListPendingParams(ctx)
			require.NoError(t, err)
			require.Len(t, pending, 1)
			assert.Equal(t, "p-2", pending[0].ID)

			approvedAt := base.Add(2 * time.Hour)
			approved, err := s.ApprovePending(ctx, "p-2", "ops:alice", approvedAt)
			require.NoError(t, err)
			assert.Equal(t, "ops:alice", approved.ApprovedBy)

			cur, err = s.ReadCurrentParams(ctx)
			require.NoError(t, err)
			assert.Equal(t, "p-2", cur.ID)
			assert.Equal(t, model.RegimeStress, cur.Regime)
			assert.Equal(t, "ops:alice", cur.ApprovedBy)
			assert.True(t, approvedAt.Equal(cur.UpdatedAt))

			pending, err = s.ListPendingParams(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)

			_, err = s.ApprovePending(ctx, "p-2", "ops:alice", approvedAt)
			assert.True(t, errors.Is(err, model.ErrNotFound))
			_, err = s.ApprovePending(ctx, "missing", "ops:alice", approvedAt)
			assert.True(t, errors.Is(err, model.ErrNotFound))
		})
	}
}

func TestStore_ProtocolAlertLog(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			alert := &model.ProtocolAlert{
				Protocol: "aave_v3", Asset: "WETH", Type: model.AlertLowHealthFactor,
				Severity: model.SeverityCritical, HealthFactor: 1.0, Message: "aave_v3 WETH: health factor 1.00",
				Timestamp: base,
			}
			require.NoError(t, s.WriteProtocolAlert(ctx, alert))
			require.NoError(t, s.WriteProtocolAlert(ctx, alert))
		})
	}
}

func TestStore_WriteCycleIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			hist := &model.RegimeHistoryRecord{Timestamp: base.Add(time.Hour), Source: "protocol", Regime: model.RegimeStable, LiquidityRatio: 1}
			alert := model.ProtocolAlert{
				Protocol: "aave_v3", Asset: "WETH", Type: model.AlertLowHealthFactor,
				Severity: model.SeverityCritical, HealthFactor: 1.01, Timestamp: base.Add(time.Hour),
			}
			require.NoError(t, s.WriteCycle(ctx, &CycleWrite{
				History: hist,
				Current: params("p-1", model.RegimeStable, model.ApprovedAuto, base),
			}))

			// A rejected history row leaves params and alerts unwritten too.
			stale := *hist
			stale.Timestamp = base
			err := s.WriteCycle(ctx, &CycleWrite{
				History: &stale,
				Current: params("p-2", model.RegimeFragile, model.ApprovedAuto, base.Add(2*time.Hour)),
				Pending: params("p-3", model.RegimeStress, model.ApprovedPendingReview, base.Add(2*time.Hour)),
				Alerts:  []model.ProtocolAlert{alert},
			})
			assert.True(t, errors.Is(err, model.ErrNonMonotonicHistory))

			cur, err := s.ReadCurrentParams(ctx)
			require.NoError(t, err)
			assert.Equal(t, "p-1", cur.ID)
			pending, err := s.ListPendingParams(ctx)
			require.NoError(t, err)
			assert.Empty(t, pending)

			// Replaying the committed cycle is a no-op.
			require.NoError(t, s.WriteCycle(ctx, &CycleWrite{
				History: hist,
				Current: params("p-1", model.RegimeStable, model.ApprovedAuto, base),
			}))
			latest, err := s.LatestHistory(ctx, "protocol")
			require.NoError(t, err)
			assert.True(t, hist.Timestamp.Equal(latest.Timestamp))
		})
	}
	mem := NewMemoryStore()
	require.NoError(t, mem.WriteCycle(ctx, &CycleWrite{Alerts: []model.ProtocolAlert{{Protocol: "morpho"}}}))
	assert.Len(t, mem.Alerts(), 1)
	assert.Empty(t, mem.History())
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "regime.db")

	s, err := NewSQLiteStore(path, nil)
	require.NoError(t, err)
	require.NoError(t, s.WriteCurrentParams(ctx, params("p-1", model.RegimeRecovery, model.ApprovedAuto, base)))
	require.NoError(t, s.Close())

	s, err = NewSQLiteStore(path, nil)
	require.NoError(t, err)
	defer s.Close()
	cur, err := s.ReadCurrentParams(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, model.RegimeRecovery, cur.Regime)
}
