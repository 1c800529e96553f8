package model

import "time"

// Assessments holds the most recent successful result of each sub-assessment.
// Families refresh on different cadences, so each carries its own timestamp.
type Assessments struct {
	Regime        *Regime            `json:"regime,omitempty"`
	RegimeAt      time.Time          `json:"regime_at"`
	LastMetrics   *MetricSnapshot    `json:"last_metrics,omitempty"`
	Liquidity     *LiquidityHealth   `json:"liquidity,omitempty"`
	DeviationPct  float64            `json:"deviation_pct"`
	LiquidityAt   time.Time          `json:"liquidity_at"`
	LastLiquidity *LiquiditySnapshot `json:"last_liquidity,omitempty"`
	Alerts        []ProtocolAlert    `json:"alerts"`
	LastProtocols []ProtocolReading  `json:"last_protocols,omitempty"`
	ProtocolAt    time.Time          `json:"protocol_at"`
	UpdatedAt     time.Time          `json:"updated_at"`
}

// Clone returns a deep copy so callers can mutate without touching shared state.
func (a Assessments) Clone() Assessments {
	out := a
	if a.Regime != nil {
		r := *a.Regime
		out.Regime = &r
	}
	if a.LastMetrics != nil {
		m := *a.LastMetrics
		out.LastMetrics = &m
	}
	if a.Liquidity != nil {
		h := *a.Liquidity
		out.Liquidity = &h
	}
	if a.LastLiquidity != nil {
		l := *a.LastLiquidity
		out.LastLiquidity = &l
	}
	out.Alerts = append([]ProtocolAlert(nil), a.Alerts...)
	out.LastProtocols = append([]ProtocolReading(nil), a.LastProtocols...)
	return out
}
