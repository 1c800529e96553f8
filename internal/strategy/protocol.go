package strategy

import (
	"fmt"

	"RegimeSentinel/internal/model"
)

// ScanProtocols emits utilization and health-factor alerts for each reading.
// Both checks run independently and output keeps the input order.
func ScanProtocols(readings []model.ProtocolReading, th ProtocolThresholds) []model.ProtocolAlert {
	alerts := make([]model.ProtocolAlert, 0, len(readings))
	for _, r := range readings {
		if sev, ok := utilizationSeverity(r.UtilizationRatio, th); ok {
			alerts = append(alerts, model.ProtocolAlert{
				Protocol:         r.Protocol,
				Asset:            r.Asset,
				Type:             model.AlertHighUtilization,
				Severity:         sev,
				UtilizationRatio: r.UtilizationRatio,
				HealthFactor:     r.HealthFactor,
				Message:          fmt.Sprintf("%s %s: utilization %.1f%%", r.Protocol, r.Asset, r.UtilizationRatio*100),
				Timestamp:        r.CapturedAt,
			})
		}
		if sev, ok := healthFactorSeverity(r.HealthFactor, th); ok {
			alerts = append(alerts, model.ProtocolAlert{
				Protocol:         r.Protocol,
				Asset:            r.Asset,
				Type:             model.AlertLowHealthFactor,
				Severity:         sev,
				UtilizationRatio: r.UtilizationRatio,
				HealthFactor:     r.HealthFactor,
				Message:          fmt.Sprintf("%s %s: health factor %.2f", r.Protocol, r.Asset, r.HealthFactor),
				Timestamp:        r.CapturedAt,
			})
		}
	}
	return alerts
}

func utilizationSeverity(u float64, th ProtocolThresholds) (model.AlertSeverity, bool) {
	switch {
	case u >= th.UtilizationCrit:
		return model.SeverityCritical, true
	case u >= th.UtilizationWarn:
		return model.SeverityWarning, true
	}
	return "", false
}

// A zero health factor means none is published.
func healthFactorSeverity(hf float64, th ProtocolThresholds) (model.AlertSeverity, bool) {
	switch {
	case hf == 0:
		return "", false
	case hf <= th.HealthFactorCrit:
		return model.SeverityCritical, true
	case hf <= th.HealthFactorWarn:
		return model.SeverityWarning, true
	}
	return "", false
}

// HasCritical reports whether any alert is CRITICAL.
func HasCritical(alerts []model.ProtocolAlert) bool {
	for _, a := range alerts {
		if a.Severity == model.SeverityCritical {
			return true
		}
	}
	return false
}
