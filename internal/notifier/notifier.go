package notifier

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"RegimeSentinel/internal/model"
)

// Notifier delivers a human-readable message to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, message string, severity model.AlertSeverity) error
}

// Multi fans a message out to every channel and joins their errors.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, message string, severity model.AlertSeverity) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, message, severity); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogNotifier writes messages to the log instead of a channel. Used for dry runs
// and when no channel is configured.
type LogNotifier struct {
	Log *zap.Logger
}

func (l LogNotifier) Notify(_ context.Context, message string, severity model.AlertSeverity) error {
	log := l.Log
	if log == nil {
		log = zap.NewNop()
	}
	log.Info("notification", zap.String("severity", string(severity)), zap.String("message", message))
	return nil
}
