// Package oplog writes booking operation events to a zap logger.
package oplog

import (
	"context"

	"github.com/MarkoPoloResearchLab/tutorbook/pkg/booking"
	"go.uber.org/zap"
)

// Logger implements booking.OperationLogger on top of zap.
type Logger struct {
	logger *zap.Logger
}

// New wraps logger. A nil logger discards every entry.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("booking")}
}

// LogOperation emits entry at info level, or warn when it carries an error.
func (adapter *Logger) LogOperation(ctx context.Context, entry booking.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if entry.BookingID != "" {
		fields = append(fields, zap.String("booking_id", entry.BookingID))
	}
	if entry.UserID != "" {
		fields = append(fields, zap.String("user_id", entry.UserID))
	}
	if entry.Amount != 0 {
		fields = append(fields, zap.Int64("amount_cents", entry.Amount.Int64()))
	}
	if entry.Detail != "" {
		fields = append(fields, zap.String("detail", entry.Detail))
	}
	if entry.Error != nil {
		adapter.logger.Warn("booking operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	adapter.logger.Info("booking operation", fields...)
}

var _ booking.OperationLogger = (*Logger)(nil)
