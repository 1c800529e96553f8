package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// AlertType identifies which protocol health check fired.
type AlertType string

const (
	AlertHighUtilization AlertType = "HIGH_UTILIZATION"
	AlertLowHealthFactor AlertType = "LOW_HEALTH_FACTOR"
)

// AlertSeverity is shared by protocol alerts and notifications.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "INFO"
	SeverityWarning  AlertSeverity = "WARNING"
	SeverityCritical AlertSeverity = "CRITICAL"
)

// ProtocolAlert is emitted by a protocol scan and never mutated afterwards.
type ProtocolAlert struct {
	Protocol         string        `json:"protocol"`
	Asset            string        `json:"asset"`
	Type             AlertType     `json:"alert_type"`
	Severity         AlertSeverity `json:"severity"`
	UtilizationRatio float64       `json:"utilization_ratio"`
	HealthFactor     float64       `json:"health_factor"`
	Message          string        `json:"message"`
	Timestamp        time.Time     `json:"timestamp"`
}

const (
	ApprovedAuto          = "AUTO"
	ApprovedPendingReview = "PENDING_REVIEW"
)

// StrategyParams is the synthesized parameter record read by the trading system.
// Every cycle produces a new record; the authoritative one has the latest UpdatedAt.
type StrategyParams struct {
	ID                   string          `json:"id"`
	Regime               Regime          `json:"regime"`
	MaxPositionSizeBTC   decimal.Decimal `json:"max_position_size_btc"`
	LeverageLimit        decimal.Decimal `json:"leverage_limit"`
	RiskBudgetMultiplier decimal.Decimal `json:"risk_budget_multiplier"`
	LiquidityHealth      LiquidityHealth `json:"liquidity_health"`
	ProtocolAlerts       []string        `json:"protocol_alerts"`
	ApprovedBy           string          `json:"approved_by"`
	SourceData           json.RawMessage `json:"source_data,omitempty"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// PendingReview reports whether the record needs operator approval.
func (p *StrategyParams) PendingReview() bool {
	return p.ApprovedBy == ApprovedPendingReview
}

// SourceData is the audit payload captured verbatim into StrategyParams.SourceData.
type SourceData struct {
	Metrics   *MetricSnapshot    `json:"metrics,omitempty"`
	Liquidity *LiquiditySnapshot `json:"liquidity,omitempty"`
	Protocols []ProtocolReading  `json:"protocols,omitempty"`
}

// RegimeHistoryRecord is one append-only row per classification cycle.
// (Timestamp, Source) is the idempotency key.
type RegimeHistoryRecord struct {
	Timestamp      time.Time       `json:"timestamp"`
	Source         string          `json:"source"`
	Regime         Regime          `json:"regime"`
	OIGrowth       float64         `json:"oi_growth"`
	FundingAvg     float64         `json:"funding_avg"`
	LiquidityRatio float64         `json:"liquidity_ratio"`
	RawData        json.RawMessage `json:"raw_data,omitempty"`
}
