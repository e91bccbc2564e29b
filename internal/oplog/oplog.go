package oplog

import (
	"context"

	"github.com/aiennonprofit/pumpkin-voting/pkg/voting"
	"go.uber.org/zap"
)

const logMessage = "voting operation"

// Logger writes voting operation logs through zap.
type Logger struct {
	logger *zap.Logger
}

var _ voting.OperationLogger = (*Logger)(nil)

// New returns a zap-backed operation logger. A nil logger discards everything.
func New(logger *zap.Logger) *Logger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Logger{logger: logger.Named("voting")}
}

// LogOperation logs successes at info, rejections at warn and failures at error.
func (operationLogger *Logger) LogOperation(_ context.Context, entry voting.OperationLog) {
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
		zap.Int("attempts", entry.Attempts),
	}
	if !entry.ActorID.IsZero() {
		fields = append(fields, zap.String("actor_id", entry.ActorID.String()))
	}
	if !entry.EntryID.IsZero() {
		fields = append(fields, zap.String("entry_id", entry.EntryID.String()))
	}
	if !entry.PreviousEntryID.IsZero() {
		fields = append(fields, zap.String("previous_entry_id", entry.PreviousEntryID.String()))
	}
	if entry.Error != nil {
		fields = append(fields, zap.Error(entry.Error))
		if path := voting.ErrorPath(entry.Error); path != "" {
			fields = append(fields, zap.String("error_code", path))
		}
	}

	switch entry.Status {
	case voting.OperationStatusOK:
		operationLogger.logger.Info(logMessage, fields...)
	case voting.OperationStatusRejected:
		operationLogger.logger.Warn(logMessage, fields...)
	default:
		operationLogger.logger.Error(logMessage, fields...)
	}
}
