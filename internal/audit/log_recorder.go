package audit

import (
	"context"

	"go.uber.org/zap"

	"trust-service/internal/models"
)

// LogRecorder writes events to the structured log.
type LogRecorder struct {
	logger *zap.Logger
}

func NewLogRecorder(logger *zap.Logger) *LogRecorder {
	return &LogRecorder{logger: logger.Named("audit")}
}

func (r *LogRecorder) Record(_ context.Context, e models.AuditEvent) error {
	r.logger.Info("audit",
		zap.String("event_id", e.EventID),
		zap.String("event_type", string(e.EventType)),
		zap.String("account_id", e.AccountID),
		zap.String("actor", e.Actor),
		zap.String("reason", e.Reason),
		zap.Any("details", e.Details),
		zap.Time("event_time", e.EventTime))
	return nil
}
