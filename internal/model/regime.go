package model

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Regime is the discrete market-risk label.
type Regime string

const (
	RegimeRecovery     Regime = "RECOVERY"
	RegimeStable       Regime = "STABLE"
	RegimeTransitional Regime = "TRANSITIONAL"
	RegimeFragile      Regime = "FRAGILE"
	RegimeStress       Regime = "STRESS"
)

// regimeLadder is ordered from least to most severe.
var regimeLadder = []Regime{
	RegimeRecovery,
	RegimeStable,
	RegimeTransitional,
	RegimeFragile,
	RegimeStress,
}

var regimeMultipliers = map[Regime]decimal.Decimal{
	RegimeStable:       decimal.RequireFromString("1.0"),
	RegimeRecovery:     decimal.RequireFromString("1.2"),
	RegimeTransitional: decimal.RequireFromString("0.8"),
	RegimeFragile:      decimal.RequireFromString("0.5"),
	RegimeStress:       decimal.RequireFromString("0.3"),
}

var (
	MinRiskMultiplier = decimal.RequireFromString("0.3")
	MaxRiskMultiplier = decimal.RequireFromString("1.2")
)

// ParseRegime converts a stored label back into a Regime.
func ParseRegime(s string) (Regime, error) {
	r := Regime(strings.ToUpper(strings.TrimSpace(s)))
	if !r.Valid() {
		return "", fmt.Errorf("unknown regime %q", s)
	}
	return r, nil
}

func (r Regime) Valid() bool {
	_, ok := regimeMultipliers[r]
	return ok
}

// Multiplier returns the fixed risk budget multiplier of the regime.
func (r Regime) Multiplier() decimal.Decimal {
	return regimeMultipliers[r]
}

// Severity ranks the regime: 0 is calmest, 4 is STRESS. Unknown regimes return -1.
func (r Regime) Severity() int {
	for i, v := range regimeLadder {
		if v == r {
			return i
		}
	}
	return -1
}

// Escalate returns the next more conservative regime. STRESS stays STRESS.
func (r Regime) Escalate() Regime {
	i := r.Severity()
	if i < 0 || i == len(regimeLadder)-1 {
		return r
	}
	return regimeLadder[i+1]
}

// Relax returns the next less severe regime. RECOVERY stays RECOVERY.
func (r Regime) Relax() Regime {
	i := r.Severity()
	if i <= 0 {
		return r
	}
	return regimeLadder[i-1]
}

// LiquidityHealth classifies TVL deviation from its 30-day average.
type LiquidityHealth string

const (
	LiquidityHealthy  LiquidityHealth = "HEALTHY"
	LiquidityWatch    LiquidityHealth = "WATCH"
	LiquidityDegraded LiquidityHealth = "DEGRADED"
	LiquidityCritical LiquidityHealth = "CRITICAL"
)

func (h LiquidityHealth) Valid() bool {
	switch h {
	case LiquidityHealthy, LiquidityWatch, LiquidityDegraded, LiquidityCritical:
		return true
	}
	return false
}

// GateState is the terminal state of one cycle.
type GateState string

const (
	GateNoChange         GateState = "NO_CHANGE"
	GateRoutineUpdate    GateState = "ROUTINE_UPDATE"
	GateAlertTransition  GateState = "ALERT_TRANSITION"
	GateBlockedForReview GateState = "BLOCKED_PENDING_REVIEW"
)
