package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"RegimeSentinel/internal/model"
)

// Thresholds drives the regime ladder. Every boundary is policy, loaded from config.
type Thresholds struct {
	StressLiquidations float64 `yaml:"stress_liquidations"`
	StressOIGrowth     float64 `yaml:"stress_oi_growth"`
	FragileFunding     float64 `yaml:"fragile_funding"`
	FragileFundingStd  float64 `yaml:"fragile_funding_std"`
	RecoveryOIGrowth   float64 `yaml:"recovery_oi_growth"`
	RecoveryFundingMax float64 `yaml:"recovery_funding_max"`
	WarnFunding        float64 `yaml:"warn_funding"`
	WarnOIGrowth       float64 `yaml:"warn_oi_growth"`
	WarnLiquidations   float64 `yaml:"warn_liquidations"`
}

// DefaultThresholds returns the production ladder.
func DefaultThresholds() Thresholds {
	return Thresholds{
		StressLiquidations: 100_000_000,
		StressOIGrowth:     -15,
		FragileFunding:     0.10,
		FragileFundingStd:  0.03,
		RecoveryOIGrowth:   15,
		RecoveryFundingMax: 0.005,
		WarnFunding:        0.06,
		WarnOIGrowth:       10,
		WarnLiquidations:   30_000_000,
	}
}

func (t Thresholds) Validate() error {
	for name, v := range map[string]float64{
		"stress_liquidations":  t.StressLiquidations,
		"stress_oi_growth":     t.StressOIGrowth,
		"fragile_funding":      t.FragileFunding,
		"fragile_funding_std":  t.FragileFundingStd,
		"recovery_oi_growth":   t.RecoveryOIGrowth,
		"recovery_funding_max": t.RecoveryFundingMax,
		"warn_funding":         t.WarnFunding,
		"warn_oi_growth":       t.WarnOIGrowth,
		"warn_liquidations":    t.WarnLiquidations,
	} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("thresholds.%s must be finite", name)
		}
	}
	if t.StressOIGrowth >= 0 {
		return fmt.Errorf("thresholds.stress_oi_growth must be negative")
	}
	if t.RecoveryOIGrowth <= 0 {
		return fmt.Errorf("thresholds.recovery_oi_growth must be positive")
	}
	if t.WarnLiquidations > t.StressLiquidations {
		return fmt.Errorf("thresholds.warn_liquidations must not exceed stress_liquidations")
	}
	if t.WarnFunding > t.FragileFunding {
		return fmt.Errorf("thresholds.warn_funding must not exceed fragile_funding")
	}
	return nil
}

// LiquidityBands are the |deviation| percent boundaries of each health level.
type LiquidityBands struct {
	Watch    float64 `yaml:"watch"`
	Degraded float64 `yaml:"degraded"`
	Critical float64 `yaml:"critical"`
}

func DefaultLiquidityBands() LiquidityBands {
	return LiquidityBands{Watch: 10, Degraded: 25, Critical: 40}
}

func (b LiquidityBands) Validate() error {
	if !(b.Watch > 0 && b.Watch < b.Degraded && b.Degraded < b.Critical) {
		return fmt.Errorf("liquidity bands must satisfy 0 < watch < degraded < critical, got %.1f/%.1f/%.1f",
			b.Watch, b.Degraded, b.Critical)
	}
	return nil
}

// ProtocolThresholds configures the protocol health scan.
type ProtocolThresholds struct {
	UtilizationWarn  float64 `yaml:"utilization_warn"`
	UtilizationCrit  float64 `yaml:"utilization_crit"`
	HealthFactorWarn float64 `yaml:"health_factor_warn"`
	HealthFactorCrit float64 `yaml:"health_factor_crit"`
}

func DefaultProtocolThresholds() ProtocolThresholds {
	return ProtocolThresholds{
		UtilizationWarn:  0.80,
		UtilizationCrit:  0.90,
		HealthFactorWarn: 1.30,
		HealthFactorCrit: 1.05,
	}
}

func (p ProtocolThresholds) Validate() error {
	if p.UtilizationWarn > p.UtilizationCrit {
		return fmt.Errorf("protocol utilization_warn %.2f exceeds utilization_crit %.2f", p.UtilizationWarn, p.UtilizationCrit)
	}
	if p.HealthFactorWarn < p.HealthFactorCrit {
		return fmt.Errorf("protocol health_factor_warn %.2f is below health_factor_crit %.2f", p.HealthFactorWarn, p.HealthFactorCrit)
	}
	return nil
}

// PositionSizingPolicy turns a risk multiplier into position and leverage caps.
type PositionSizingPolicy struct {
	BasePositionBTC decimal.Decimal
	MinPositionBTC  decimal.Decimal
	BaseLeverage    decimal.Decimal
}

func DefaultPositionSizingPolicy() PositionSizingPolicy {
	return PositionSizingPolicy{
		BasePositionBTC: decimal.RequireFromString("0.5"),
		MinPositionBTC:  decimal.RequireFromString("0.05"),
		BaseLeverage:    decimal.RequireFromString("2.5"),
	}
}

func (p PositionSizingPolicy) Validate() error {
	if p.BasePositionBTC.IsNegative() {
		return fmt.Errorf("%w: base position %s is negative", model.ErrPolicyViolation, p.BasePositionBTC)
	}
	if p.MinPositionBTC.IsNegative() {
		return fmt.Errorf("%w: min position %s is negative", model.ErrPolicyViolation, p.MinPositionBTC)
	}
	if p.MinPositionBTC.GreaterThan(p.BasePositionBTC) {
		return fmt.Errorf("%w: min position %s exceeds base position %s", model.ErrPolicyViolation, p.MinPositionBTC, p.BasePositionBTC)
	}
	if p.BaseLeverage.LessThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: base leverage %s is below 1x", model.ErrPolicyViolation, p.BaseLeverage)
	}
	return nil
}
