package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"RegimeSentinel/internal/collector"
	"RegimeSentinel/internal/model"
	"RegimeSentinel/internal/recorder"
	"RegimeSentinel/internal/state"
	"RegimeSentinel/internal/strategy"
)

type fakeFetcher struct {
	metrics   *model.MetricSnapshot
	liquidity *model.LiquiditySnapshot
	protocols []model.ProtocolReading
	err       error
}

func (f *fakeFetcher) FetchMetrics(context.Context) (*model.MetricSnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	m := *f.metrics
	return &m, nil
}

func (f *fakeFetcher) FetchLiquidity(context.Context) (*model.LiquiditySnapshot, error) {
	if f.err != nil {
		return nil, f.err
	}
	l := *f.liquidity
	return &l, nil
}

func (f *fakeFetcher) FetchProtocols(context.Context) ([]model.ProtocolReading, error) {
	if f.err != nil {
		return nil, f.err
	}
	return append([]model.ProtocolReading(nil), f.protocols...), nil
}

type sentMessage struct {
	text     string
	severity model.AlertSeverity
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (n *recordingNotifier) Notify(_ context.Context, msg string, severity model.AlertSeverity) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentMessage{msg, severity})
	return nil
}

func (n *recordingNotifier) last() sentMessage {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return sentMessage{}
	}
	return n.sent[len(n.sent)-1]
}

var calm = &model.MetricSnapshot{AvgFunding: 0.01, StdFunding: 0.004, OIGrowthPct7d: 2, TotalLiquidations7d: 8_000_000}

type harness struct {
	runner  *Runner
	fetcher *fakeFetcher
	store   *recorder.MemoryStore
	notes   *recordingNotifier
	clock   time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st, err := state.NewManager("", nil)
	require.NoError(t, err)
	h := &harness{
		fetcher: &fakeFetcher{
			metrics:   calm,
			liquidity: &model.LiquiditySnapshot{TVLToday: 102, TVL7dAvg: 101, TVL30dAvg: 100},
		},
		store: recorder.NewMemoryStore(),
		notes: &recordingNotifier{},
		clock: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	h.runner = NewRunner(h.fetcher, h.store, st, h.notes, nil, strategy.DefaultConfig(), nil)
	h.runner.Now = func() time.Time {
		h.clock = h.clock.Add(time.Hour)
		return h.clock
	}
	return h
}

func TestRunner_FirstCyclePublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	res, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)
	assert.Equal(t, model.GateRoutineUpdate, res.State)
	assert.Equal(t, model.LiquidityWatch, res.Params.LiquidityHealth, "no liquidity assessment yet")
	require.Len(t, res.Warnings, 1)

	cur, err := h.store.ReadCurrentParams(ctx)
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.Equal(t, res.Params.ID, cur.ID)
	assert.Len(t, h.store.History(), 1)
	assert.Empty(t, h.notes.sent, "routine updates are silent")

	// Liquidity refresh reuses the regime classified earlier.
	res, err = h.runner.RunCycle(ctx, FamilyLiquidity)
	require.NoError(t, err)
	assert.Equal(t, model.RegimeStable, res.Params.Regime)
	assert.Equal(t, model.LiquidityHealthy, res.Params.LiquidityHealth)
	assert.Equal(t, model.GateRoutineUpdate, res.State)
	assert.Equal(t, 2, h.store.PublishedCount())

	history := h.store.History()
	require.Len(t, history, 2)
	assert.Equal(t, "liquidity", history[1].Source)
	assert.InDelta(t, 1.02, history[1].LiquidityRatio, 1e-9)
}

func TestRunner_UnchangedInputsDoNotRepublish(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)
	_, err = h.runner.RunCycle(ctx, FamilyLiquidity)
	require.NoError(t, err)
	published := h.store.PublishedCount()

	res, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)
	assert.Equal(t, model.GateNoChange, res.State)
	assert.Equal(t, published, h.store.PublishedCount())
	assert.Len(t, h.store.History(), 3, "history is written every cycle")
}

func TestRunner_TransitionNotifies(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)

	h.fetcher.metrics = &model.MetricSnapshot{AvgFunding: 0.01, StdFunding: 0.01, OIGrowthPct7d: -20, TotalLiquidations7d: 150_000_000}
	res, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)
	assert.Equal(t, model.GateAlertTransition, res.State)
	assert.Equal(t, model.RegimeStress, res.Params.Regime)

	msg := h.notes.last()
	assert.Equal(t, model.SeverityWarning, msg.severity)
	assert.Contains(t, msg.text, "Regime transition")
	assert.Contains(t, msg.text, "STRESS")

	cur, err := h.store.ReadCurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.RegimeStress, cur.Regime)
}

func TestRunner_CriticalProtocolBlocksUntilApproved(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	first, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)

	h.fetcher.protocols = []model.ProtocolReading{
		{Protocol: "aave_v3", Asset: "WETH", UtilizationRatio: 0.5, HealthFactor: 1.01},
	}
	res, err := h.runner.RunCycle(ctx, FamilyProtocol)
	require.NoError(t, err)
	assert.Equal(t, model.GateBlockedForReview, res.State)

	cur, err := h.store.ReadCurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, first.Params.ID, cur.ID, "blocked record must not replace current")
	assert.Len(t, h.store.Alerts(), 1)

	var blocked, digest bool
	for _, m := range h.notes.sent {
		blocked = blocked || (strings.Contains(m.text, "blocked pending review") && m.severity == model.SeverityCritical)
		digest = digest || strings.Contains(m.text, "Protocol health")
	}
	assert.True(t, blocked)
	assert.True(t, digest)

	pending, err := h.runner.Pending(ctx)
	require.NoError(t, err)
	assert.Contains(t, pending, res.Params.ID)

	approved, err := h.runner.Approve(ctx, res.Params.ID, "telegram:42")
	require.NoError(t, err)
	assert.Equal(t, "telegram:42", approved.ApprovedBy)

	cur, err = h.store.ReadCurrentParams(ctx)
	require.NoError(t, err)
	assert.Equal(t, res.Params.ID, cur.ID)

	_, err = h.runner.Approve(ctx, res.Params.ID, "telegram:42")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	// The approved alerts are not news: identical inputs neither block nor page again.
	sent := len(h.notes.sent)
	res, err = h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)
	assert.Equal(t, model.GateNoChange, res.State)
	assert.Equal(t, "telegram:42", res.Params.ApprovedBy)
	assert.Len(t, h.notes.sent, sent)
	pending, err = h.runner.Pending(ctx)
	require.NoError(t, err)
	assert.Contains(t, pending, "No records pending review")

	// A quiet scan clears the reviewed alerts and publishes automatically.
	h.fetcher.protocols = nil
	res, err = h.runner.RunCycle(ctx, FamilyProtocol)
	require.NoError(t, err)
	assert.Equal(t, model.GateRoutineUpdate, res.State)
	assert.Equal(t, model.ApprovedAuto, res.Params.ApprovedBy)
	assert.Empty(t, res.Params.ProtocolAlerts)
}

func TestRunner_EmptyProtocolScanPublishes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := collector.DefaultQueryIDs()
	provider := collector.DemoProvider(ids)
	provider.Set(ids.Protocol)
	h.runner.Fetcher = collector.NewCollector(provider, ids, nil)

	_, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)

	res, err := h.runner.RunCycle(ctx, FamilyProtocol)
	require.NoError(t, err)
	assert.Empty(t, res.NewAlerts)
	assert.Empty(t, res.Params.ProtocolAlerts)
	assert.Equal(t, model.ApprovedAuto, res.Params.ApprovedBy)
	assert.False(t, res.Assessments.ProtocolAt.IsZero(), "an empty scan still counts as a scan")
	assert.Empty(t, h.store.Alerts())
}

type failingStore struct {
	*recorder.MemoryStore
}

func (failingStore) WriteCycle(context.Context, *recorder.CycleWrite) error {
	return errors.New("connection reset")
}

func TestRunner_StoreFailureCommitsNothing(t *testing.T) {
	h := newHarness(t)
	h.runner.Store = failingStore{h.store}

	_, err := h.runner.RunCycle(context.Background(), FamilyRegime)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCollaboratorUnavailable))
	assert.Empty(t, h.store.History())
	assert.Zero(t, h.store.PublishedCount())
	assert.Nil(t, h.runner.State.Get().Regime, "state must not advance when the write fails")
}

func TestRunner_FetchFailureWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.fetcher.err = model.ErrCollaboratorUnavailable

	_, err := h.runner.RunCycle(context.Background(), FamilyRegime)
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrCollaboratorUnavailable))
	assert.Empty(t, h.store.History())
	assert.Zero(t, h.store.PublishedCount())
	assert.Contains(t, h.notes.last().text, "regime cycle failed")
	assert.Nil(t, h.runner.State.Get().Regime, "state must not advance on failure")
}

func TestRunner_LiquidityWithoutRegimeFails(t *testing.T) {
	h := newHarness(t)
	_, err := h.runner.RunCycle(context.Background(), FamilyLiquidity)
	assert.True(t, errors.Is(err, model.ErrInsufficientHistory))
	assert.Empty(t, h.store.History())
}

func TestRunner_ShortLiquidityHistoryKeepsPrevious(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)

	h.fetcher.liquidity = &model.LiquiditySnapshot{TVLToday: 100, TVL30dAvg: 0}
	res, err := h.runner.RunCycle(ctx, FamilyLiquidity)
	require.NoError(t, err)
	assert.Equal(t, model.LiquidityWatch, res.Params.LiquidityHealth)
	assert.NotEmpty(t, res.Warnings)
}

func TestRunner_SeedsPreviousRegimeFromHistory(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.store.WriteHistory(ctx, &model.RegimeHistoryRecord{
		Timestamp: h.clock, Source: "regime", Regime: model.RegimeFragile, LiquidityRatio: 1,
	}))
	// Newer rows of other streams do not seed the classifier.
	require.NoError(t, h.store.WriteHistory(ctx, &model.RegimeHistoryRecord{
		Timestamp: h.clock.Add(time.Minute), Source: "liquidity", Regime: model.RegimeStable, LiquidityRatio: 1,
	}))

	// Calm metrics alone would classify STABLE; a seeded FRAGILE relaxes one step.
	res, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)
	assert.Equal(t, model.RegimeTransitional, res.Params.Regime)
}

func TestRunner_SeedUndoesLiquidityOverride(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	// FRAGILE was published because TVL had drained 50%; the classifier said TRANSITIONAL.
	require.NoError(t, h.store.WriteHistory(ctx, &model.RegimeHistoryRecord{
		Timestamp: h.clock, Source: "regime", Regime: model.RegimeFragile, LiquidityRatio: 0.5,
	}))

	res, err := h.runner.RunCycle(ctx, FamilyRegime)
	require.NoError(t, err)
	assert.Equal(t, model.RegimeStable, res.Params.Regime)
}

func TestRunner_DryRunWritesNothing(t *testing.T) {
	h := newHarness(t)
	h.runner.DryRun = true

	res, err := h.runner.RunCycle(context.Background(), FamilyRegime)
	require.NoError(t, err)
	assert.Equal(t, model.GateRoutineUpdate, res.State)
	assert.Empty(t, h.store.History())
	assert.Zero(t, h.store.PublishedCount())
	assert.Nil(t, h.runner.State.Get().Regime)
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("Protocol")
	require.NoError(t, err)
	assert.Equal(t, FamilyProtocol, f)
	_, err = ParseFamily("leverage")
	assert.Error(t, err)
}
