package model

import (
	"fmt"
	"math"
	"time"
)

// MetricSnapshot is one batch of funding / open-interest / liquidation analytics.
type MetricSnapshot struct {
	AvgFunding          float64   `json:"avg_funding"`
	StdFunding          float64   `json:"std_funding"`
	OIGrowthPct7d       float64   `json:"oi_growth_pct_7d"`
	TotalLiquidations7d float64   `json:"total_liquidations_7d"`
	CapturedAt          time.Time `json:"captured_at"`
}

// Validate reports ErrInvalidSnapshot for non-finite or out-of-domain fields.
func (s *MetricSnapshot) Validate() error {
	if err := requireFinite(map[string]float64{
		"avg_funding":           s.AvgFunding,
		"std_funding":           s.StdFunding,
		"oi_growth_pct_7d":      s.OIGrowthPct7d,
		"total_liquidations_7d": s.TotalLiquidations7d,
	}); err != nil {
		return err
	}
	if s.StdFunding < 0 {
		return fmt.Errorf("%w: std_funding %.6f is negative", ErrInvalidSnapshot, s.StdFunding)
	}
	if s.TotalLiquidations7d < 0 {
		return fmt.Errorf("%w: total_liquidations_7d %.2f is negative", ErrInvalidSnapshot, s.TotalLiquidations7d)
	}
	return nil
}

// LiquiditySnapshot holds pool TVL today and its rolling averages.
type LiquiditySnapshot struct {
	TVLToday   float64   `json:"tvl_today"`
	TVL7dAvg   float64   `json:"tvl_7d_avg"`
	TVL30dAvg  float64   `json:"tvl_30d_avg"`
	CapturedAt time.Time `json:"captured_at"`
}

// Validate reports ErrInvalidSnapshot for non-finite or negative TVL values.
func (s *LiquiditySnapshot) Validate() error {
	fields := map[string]float64{
		"tvl_today":   s.TVLToday,
		"tvl_7d_avg":  s.TVL7dAvg,
		"tvl_30d_avg": s.TVL30dAvg,
	}
	if err := requireFinite(fields); err != nil {
		return err
	}
	for name, v := range fields {
		if v < 0 {
			return fmt.Errorf("%w: %s %.2f is negative", ErrInvalidSnapshot, name, v)
		}
	}
	return nil
}

// ProtocolReading is a single lending-pool utilization / health-factor observation.
// A HealthFactor of 0 means the protocol does not publish one.
type ProtocolReading struct {
	Protocol         string    `json:"protocol"`
	Asset            string    `json:"asset"`
	UtilizationRatio float64   `json:"utilization_ratio"`
	HealthFactor     float64   `json:"health_factor"`
	CapturedAt       time.Time `json:"captured_at"`
}

// Validate reports ErrInvalidSnapshot for readings outside their declared ranges.
func (r *ProtocolReading) Validate() error {
	if err := requireFinite(map[string]float64{
		"utilization_ratio": r.UtilizationRatio,
		"health_factor":     r.HealthFactor,
	}); err != nil {
		return fmt.Errorf("%s/%s: %w", r.Protocol, r.Asset, err)
	}
	if r.UtilizationRatio < 0 || r.UtilizationRatio > 1 {
		return fmt.Errorf("%w: %s/%s utilization %.4f outside [0,1]", ErrInvalidSnapshot, r.Protocol, r.Asset, r.UtilizationRatio)
	}
	if r.HealthFactor < 0 {
		return fmt.Errorf("%w: %s/%s health factor %.4f is negative", ErrInvalidSnapshot, r.Protocol, r.Asset, r.HealthFactor)
	}
	return nil
}

func requireFinite(fields map[string]float64) error {
	for name, v := range fields {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", ErrInvalidSnapshot, name)
		}
	}
	return nil
}
