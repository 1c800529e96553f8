package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"RegimeSentinel/internal/metrics"
	"RegimeSentinel/internal/model"
	"RegimeSentinel/internal/notifier"
	"RegimeSentinel/internal/recorder"
	"RegimeSentinel/internal/state"
	"RegimeSentinel/internal/strategy"
	"RegimeSentinel/internal/tracing"
)

// Family names a snapshot family; each refreshes on its own cadence.
type Family string

const (
	FamilyRegime    Family = "regime"
	FamilyLiquidity Family = "liquidity"
	FamilyProtocol  Family = "protocol"
)

var Families = []Family{FamilyRegime, FamilyLiquidity, FamilyProtocol}

func ParseFamily(s string) (Family, error) {
	for _, f := range Families {
		if string(f) == strings.ToLower(s) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown family %q, want regime, liquidity or protocol", s)
}

// Fetcher produces validated snapshots. *collector.Collector implements it.
type Fetcher interface {
	FetchMetrics(ctx context.Context) (*model.MetricSnapshot, error)
	FetchLiquidity(ctx context.Context) (*model.LiquiditySnapshot, error)
	FetchProtocols(ctx context.Context) ([]model.ProtocolReading, error)
}

// Runner executes one cycle at a time: fetch, synthesize, gate, persist, notify.
type Runner struct {
	Fetcher  Fetcher
	Store    recorder.Store
	State    *state.Manager
	Notifier notifier.Notifier
	Metrics  *metrics.Recorder
	Config   strategy.Config
	DryRun   bool
	Now      func() time.Time

	mu  sync.Mutex
	log *zap.Logger
}

func NewRunner(f Fetcher, store recorder.Store, st *state.Manager, n notifier.Notifier, m *metrics.Recorder, cfg strategy.Config, log *zap.Logger) *Runner {
	if log == nil {
		log = zap.NewNop()
	}
	if n == nil {
		n = notifier.LogNotifier{Log: log}
	}
	if m == nil {
		m = metrics.New(nil)
	}
	return &Runner{
		Fetcher:  f,
		Store:    store,
		State:    st,
		Notifier: n,
		Metrics:  m,
		Config:   cfg,
		Now:      time.Now,
		log:      log,
	}
}

// RunCycle refreshes one family and publishes the result according to the gate.
// Nothing is written when any step before persistence fails.
func (r *Runner) RunCycle(ctx context.Context, family Family) (*strategy.CycleResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	ctx, span := tracing.Tracer().Start(ctx, "cycle."+string(family))
	defer span.End()
	log := r.log.With(zap.String("family", string(family)))

	res, err := r.runCycle(ctx, family, log)
	outcome := "ok"
	switch {
	case err != nil:
		outcome = "error"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error("cycle failed", zap.Error(err))
		r.notify(ctx, notifier.FormatCycleError(string(family), err), errorSeverity(err))
	case r.DryRun:
		outcome = "dry_run"
	}
	if res != nil {
		span.SetAttributes(
			attribute.String("regime", string(res.Params.Regime)),
			attribute.String("gate", string(res.State)),
		)
	}
	r.Metrics.RecordCycle(string(family), outcome, time.Since(start))
	return res, err
}

func (r *Runner) runCycle(ctx context.Context, family Family, log *zap.Logger) (*strategy.CycleResult, error) {
	in := strategy.CycleInput{Source: string(family), At: r.Now().UTC()}

	if err := r.fetch(ctx, family, &in, log); err != nil {
		return nil, err
	}

	current, err := r.Store.ReadCurrentParams(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: read current params: %v", model.ErrCollaboratorUnavailable, err)
	}
	in.Current = current

	prev, err := r.previous(ctx, log)
	if err != nil {
		return nil, err
	}
	in.Previous = prev

	res, err := strategy.RunCycle(in, r.Config)
	if err != nil {
		return nil, err
	}
	for _, w := range res.Warnings {
		log.Warn("cycle warning", zap.Error(w))
	}
	r.Metrics.RecordGate(res.State)
	log.Info("cycle evaluated",
		zap.String("regime", string(res.Params.Regime)),
		zap.String("liquidity", string(res.Params.LiquidityHealth)),
		zap.String("multiplier", res.Params.RiskBudgetMultiplier.String()),
		zap.String("gate", string(res.State)),
		zap.String("params_id", res.Params.ID))

	if r.DryRun {
		log.Info("dry run, skipping writes",
			zap.Bool("would_replace_current", res.Effects.ReplaceCurrent),
			zap.Bool("would_record_pending", res.Effects.RecordPending),
			zap.Int("would_log_alerts", len(res.NewAlerts)))
		return res, nil
	}

	if err := r.persist(ctx, res); err != nil {
		return nil, err
	}
	if err := r.State.Commit(res.Assessments); err != nil {
		log.Error("assessment state not saved", zap.Error(err))
	}
	if res.Effects.ReplaceCurrent {
		r.Metrics.RecordPublished(res.Params)
	}

	r.announce(ctx, family, current, res)
	return res, nil
}

func (r *Runner) fetch(ctx context.Context, family Family, in *strategy.CycleInput, log *zap.Logger) error {
	var err error
	switch family {
	case FamilyRegime:
		in.Metrics, err = r.Fetcher.FetchMetrics(ctx)
	case FamilyLiquidity:
		in.Liquidity, err = r.Fetcher.FetchLiquidity(ctx)
		if errors.Is(err, model.ErrInsufficientHistory) {
			log.Warn("liquidity history too short, keeping previous assessment", zap.Error(err))
			return nil
		}
	case FamilyProtocol:
		in.Protocols, err = r.Fetcher.FetchProtocols(ctx)
		in.ProtocolsRefreshed = err == nil
	default:
		return fmt.Errorf("unknown family %q", family)
	}
	if err != nil {
		return fmt.Errorf("fetch %s: %w", family, err)
	}
	return nil
}

// previous returns the stored assessments, seeding the regime from the newest regime
// cycle in history after a fresh start so hysteresis survives a lost state file.
func (r *Runner) previous(ctx context.Context, log *zap.Logger) (model.Assessments, error) {
	prev := r.State.Get()
	if prev.Regime != nil {
		return prev, nil
	}
	latest, err := r.Store.LatestHistory(ctx, string(FamilyRegime))
	if err != nil {
		return prev, fmt.Errorf("%w: read latest history: %v", model.ErrCollaboratorUnavailable, err)
	}
	if latest == nil {
		return prev, nil
	}
	seed := strategy.ClassifiedRegime(latest.Regime, latest.LiquidityRatio, r.Config.Liquidity)
	if r.State.SeedRegime(seed) {
		log.Info("previous regime seeded from history",
			zap.String("regime", string(seed)),
			zap.String("recorded", string(latest.Regime)),
			zap.Time("at", latest.Timestamp))
		prev = r.State.Get()
	}
	return prev, nil
}

func (r *Runner) persist(ctx context.Context, res *strategy.CycleResult) error {
	hist := res.History
	w := &recorder.CycleWrite{History: &hist, Alerts: res.NewAlerts}
	if res.Effects.ReplaceCurrent {
		w.Current = res.Params
	}
	if res.Effects.RecordPending {
		w.Pending = res.Params
	}
	if err := r.Store.WriteCycle(ctx, w); err != nil {
		if errors.Is(err, model.ErrNonMonotonicHistory) {
			return err
		}
		return fmt.Errorf("%w: write cycle: %v", model.ErrCollaboratorUnavailable, err)
	}
	return nil
}

func (r *Runner) announce(ctx context.Context, family Family, current *model.StrategyParams, res *strategy.CycleResult) {
	switch res.State {
	case model.GateAlertTransition:
		r.notify(ctx, notifier.FormatTransition(current, res.Params, res.Assessments.LastMetrics), res.Effects.Priority)
	case model.GateBlockedForReview:
		r.notify(ctx, notifier.FormatBlocked(res.Params), res.Effects.Priority)
	}
	if family == FamilyProtocol && len(res.NewAlerts) > 0 {
		severity := model.SeverityWarning
		if strategy.HasCritical(res.NewAlerts) {
			severity = model.SeverityCritical
		}
		r.notify(ctx, notifier.FormatProtocolDigest(res.NewAlerts, res.Params.UpdatedAt), severity)
	}
}

// Approve promotes a pending record on an operator's behalf.
func (r *Runner) Approve(ctx context.Context, id, operator string) (*model.StrategyParams, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if operator == "" {
		return nil, fmt.Errorf("operator identity required")
	}
	p, err := r.Store.ApprovePending(ctx, id, operator, r.Now().UTC())
	if err != nil {
		return nil, err
	}
	r.Metrics.RecordPublished(p)
	r.log.Info("pending params approved", zap.String("params_id", id), zap.String("operator", operator))
	r.notify(ctx, fmt.Sprintf("✅ <b>Approved</b> %s by %s\n\n%s", id, operator, notifier.FormatParams(p)), model.SeverityInfo)
	return p, nil
}

// Status renders the authoritative record and assessment ages.
func (r *Runner) Status(ctx context.Context) (string, error) {
	current, err := r.Store.ReadCurrentParams(ctx)
	if err != nil {
		return "", err
	}
	return notifier.FormatParams(current) + "\n" + notifier.FormatAssessmentAges(r.State.Get(), r.Now()), nil
}

func (r *Runner) Pending(ctx context.Context) (string, error) {
	list, err := r.Store.ListPendingParams(ctx)
	if err != nil {
		return "", err
	}
	return notifier.FormatPending(list), nil
}

func (r *Runner) notify(ctx context.Context, msg string, severity model.AlertSeverity) {
	if err := r.Notifier.Notify(ctx, msg, severity); err != nil {
		r.log.Error("send notification", zap.Error(err))
	}
}

func errorSeverity(err error) model.AlertSeverity {
	if errors.Is(err, model.ErrPolicyViolation) {
		return model.SeverityCritical
	}
	return model.SeverityWarning
}
