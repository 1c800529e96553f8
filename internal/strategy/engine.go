package strategy

import (
	"errors"
	"fmt"
	"time"

	"RegimeSentinel/internal/calculator"
	"RegimeSentinel/internal/model"
)

// Config bundles every policy knob of a cycle.
type Config struct {
	Thresholds Thresholds
	Liquidity  LiquidityBands
	Protocol   ProtocolThresholds
	Sizing     PositionSizingPolicy
}

func DefaultConfig() Config {
	return Config{
		Thresholds: DefaultThresholds(),
		Liquidity:  DefaultLiquidityBands(),
		Protocol:   DefaultProtocolThresholds(),
		Sizing:     DefaultPositionSizingPolicy(),
	}
}

func (c Config) Validate() error {
	if err := c.Thresholds.Validate(); err != nil {
		return err
	}
	if err := c.Liquidity.Validate(); err != nil {
		return err
	}
	if err := c.Protocol.Validate(); err != nil {
		return err
	}
	return c.Sizing.Validate()
}

// CycleInput carries whichever snapshots were refreshed this cycle. Families left nil
// fall back to the previous successful assessment.
type CycleInput struct {
	Source             string
	At                 time.Time
	Metrics            *model.MetricSnapshot
	Liquidity          *model.LiquiditySnapshot
	Protocols          []model.ProtocolReading
	ProtocolsRefreshed bool
	Previous           model.Assessments
	Current            *model.StrategyParams
}

// CycleResult is everything a caller needs to persist and notify.
type CycleResult struct {
	Params      *model.StrategyParams
	State       model.GateState
	Effects     Effects
	History     model.RegimeHistoryRecord
	Assessments model.Assessments
	NewAlerts   []model.ProtocolAlert
	Warnings    []error
}

// RunCycle turns (previous assessments, authoritative record, new snapshots) into a new
// record and a gate decision. It performs no I/O.
func RunCycle(in CycleInput, cfg Config) (*CycleResult, error) {
	next := in.Previous.Clone()
	res := &CycleResult{}

	if in.Metrics != nil {
		prev := next.Regime
		if prev == nil && in.Current != nil {
			r := in.Current.Regime
			prev = &r
		}
		regime, err := Classify(in.Metrics, prev, cfg.Thresholds)
		if err != nil {
			return nil, fmt.Errorf("classify regime: %w", err)
		}
		snap := *in.Metrics
		next.Regime = &regime
		next.LastMetrics = &snap
		next.RegimeAt = in.At
	}

	if in.Liquidity != nil {
		health, deviation, err := AssessLiquidity(in.Liquidity, cfg.Liquidity)
		switch {
		case errors.Is(err, model.ErrInsufficientHistory):
			res.Warnings = append(res.Warnings, fmt.Errorf("liquidity assessment skipped: %w", err))
		case err != nil:
			return nil, fmt.Errorf("assess liquidity: %w", err)
		default:
			snap := *in.Liquidity
			next.Liquidity = &health
			next.DeviationPct = deviation
			next.LastLiquidity = &snap
			next.LiquidityAt = in.At
		}
	}

	if in.ProtocolsRefreshed {
		for i := range in.Protocols {
			if err := in.Protocols[i].Validate(); err != nil {
				return nil, fmt.Errorf("scan protocols: %w", err)
			}
		}
		alerts := ScanProtocols(in.Protocols, cfg.Protocol)
		next.Alerts = alerts
		next.LastProtocols = append([]model.ProtocolReading(nil), in.Protocols...)
		next.ProtocolAt = in.At
		res.NewAlerts = alerts
	}

	if next.Regime == nil {
		return nil, fmt.Errorf("%w: no regime classification available yet", model.ErrInsufficientHistory)
	}
	health := model.LiquidityWatch
	if next.Liquidity != nil {
		health = *next.Liquidity
	} else {
		res.Warnings = append(res.Warnings, fmt.Errorf("%w: no liquidity assessment, assuming %s", model.ErrInsufficientHistory, health))
	}

	params, err := Synthesize(SynthesisInput{
		Regime:          *next.Regime,
		LiquidityHealth: health,
		Alerts:          next.Alerts,
		Source: model.SourceData{
			Metrics:   next.LastMetrics,
			Liquidity: next.LastLiquidity,
			Protocols: next.LastProtocols,
		},
		At: in.At,
	}, cfg.Sizing)
	if err != nil {
		return nil, fmt.Errorf("synthesize params: %w", err)
	}

	InheritReview(in.Current, params)
	res.Params = params
	res.State = Decide(in.Current, params)
	res.Effects = EffectsOf(res.State)
	res.History = historyRecord(in, next, params)
	next.UpdatedAt = in.At
	res.Assessments = next
	return res, nil
}

func historyRecord(in CycleInput, a model.Assessments, p *model.StrategyParams) model.RegimeHistoryRecord {
	rec := model.RegimeHistoryRecord{
		Timestamp:      in.At,
		Source:         in.Source,
		Regime:         p.Regime,
		LiquidityRatio: 1,
		RawData:        p.SourceData,
	}
	if a.LastMetrics != nil {
		rec.OIGrowth = a.LastMetrics.OIGrowthPct7d
		rec.FundingAvg = a.LastMetrics.AvgFunding
	}
	if a.Liquidity != nil {
		rec.LiquidityRatio = calculator.LiquidityRatio(a.DeviationPct)
	}
	return rec
}
