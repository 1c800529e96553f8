package recorder

import (
	"context"
	"time"

	"RegimeSentinel/internal/model"
)

// Store is the durable side of a cycle: regime history, the authoritative
// parameter record, blocked records awaiting review and the protocol alert log.
type Store interface {
	// WriteHistory appends a history row. A duplicate (timestamp, source) is a no-op.
	WriteHistory(ctx context.Context, rec *model.RegimeHistoryRecord) error
	// LatestHistory returns the newest row of source, or of any source when source is empty.
	LatestHistory(ctx context.Context, source string) (*model.RegimeHistoryRecord, error)

	// ReadCurrentParams returns nil, nil when nothing has been published.
	ReadCurrentParams(ctx context.Context) (*model.StrategyParams, error)
	WriteCurrentParams(ctx context.Context, p *model.StrategyParams) error

	WritePendingParams(ctx context.Context, p *model.StrategyParams) error
	ListPendingParams(ctx context.Context) ([]*model.StrategyParams, error)
	// ApprovePending promotes a pending record to current under the operator's name.
	ApprovePending(ctx context.Context, id, operator string, at time.Time) (*model.StrategyParams, error)

	WriteProtocolAlert(ctx context.Context, alert *model.ProtocolAlert) error

	// WriteCycle applies a cycle's writes all together or not at all.
	WriteCycle(ctx context.Context, w *CycleWrite) error

	Close() error
}

// CycleWrite is everything one cycle persists. Nil fields are skipped.
type CycleWrite struct {
	History *model.RegimeHistoryRecord
	Current *model.StrategyParams
	Pending *model.StrategyParams
	Alerts  []model.ProtocolAlert
}

// promote copies a pending record into a new authoritative one.
func promote(p *model.StrategyParams, operator string, at time.Time) *model.StrategyParams {
	out := *p
	out.ApprovedBy = operator
	out.UpdatedAt = at
	out.ProtocolAlerts = append([]string(nil), p.ProtocolAlerts...)
	return &out
}
