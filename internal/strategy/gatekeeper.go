package strategy

import (
	"slices"
	"strings"

	"RegimeSentinel/internal/model"
)

// Effects lists what the caller must do with a gated record.
type Effects struct {
	ReplaceCurrent bool
	RecordPending  bool
	Notify         bool
	Priority       model.AlertSeverity
}

// Decide compares the next record against the authoritative one.
// A nil current means nothing has been published yet.
func Decide(current, next *model.StrategyParams) model.GateState {
	switch {
	case next.PendingReview() && !criticalsReviewed(current, next):
		return model.GateBlockedForReview
	case current == nil:
		return model.GateRoutineUpdate
	case current.Regime != next.Regime:
		return model.GateAlertTransition
	case paramsDiffer(current, next):
		return model.GateRoutineUpdate
	default:
		return model.GateNoChange
	}
}

// EffectsOf maps a gate state to its persistence and notification effects.
func EffectsOf(state model.GateState) Effects {
	switch state {
	case model.GateRoutineUpdate:
		return Effects{ReplaceCurrent: true}
	case model.GateAlertTransition:
		return Effects{ReplaceCurrent: true, Notify: true, Priority: model.SeverityWarning}
	case model.GateBlockedForReview:
		return Effects{RecordPending: true, Notify: true, Priority: model.SeverityCritical}
	default:
		return Effects{}
	}
}

func paramsDiffer(a, b *model.StrategyParams) bool {
	return !a.MaxPositionSizeBTC.Equal(b.MaxPositionSizeBTC) ||
		!a.LeverageLimit.Equal(b.LeverageLimit) ||
		!a.RiskBudgetMultiplier.Equal(b.RiskBudgetMultiplier) ||
		a.LiquidityHealth != b.LiquidityHealth ||
		!slices.Equal(a.ProtocolAlerts, b.ProtocolAlerts)
}

// InheritReview stamps next with current's approver when every CRITICAL alert it
// carries was already part of the approved current record.
func InheritReview(current, next *model.StrategyParams) {
	if next.PendingReview() && criticalsReviewed(current, next) {
		next.ApprovedBy = current.ApprovedBy
	}
}

func criticalsReviewed(current, next *model.StrategyParams) bool {
	if current == nil || current.PendingReview() || current.ApprovedBy == model.ApprovedAuto {
		return false
	}
	prefix := "[" + string(model.SeverityCritical) + "]"
	for _, msg := range next.ProtocolAlerts {
		if strings.HasPrefix(msg, prefix) && !slices.Contains(current.ProtocolAlerts, msg) {
			return false
		}
	}
	return true
}
