package marketplace

import (
	"context"

	"go.uber.org/zap"
)

// OperationLogger records domain-level events emitted by state-changing operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing operation.
type OperationLog struct {
	Operation        string
	StudentID        StudentID
	CourseID         CourseID
	PaymentReference PaymentReference
	Amount           Amount
	Status           string
	Error            error
}

// Normalize fills Status from Error when unset.
func (entry OperationLog) Normalize() OperationLog {
	if entry.Status == "" {
		if entry.Error != nil {
			entry.Status = operationStatusError
		} else {
			entry.Status = operationStatusOK
		}
	}
	return entry
}

// ZapOperationLogger writes operation logs through zap.
type ZapOperationLogger struct {
	logger *zap.Logger
}

// NewZapOperationLogger wires an OperationLogger backed by zap. A nil logger discards entries.
func NewZapOperationLogger(logger *zap.Logger) *ZapOperationLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapOperationLogger{logger: logger}
}

// LogOperation implements OperationLogger.
func (operationLogger *ZapOperationLogger) LogOperation(_ context.Context, entry OperationLog) {
	entry = entry.Normalize()
	fields := []zap.Field{
		zap.String("operation", entry.Operation),
		zap.String("status", entry.Status),
	}
	if !entry.StudentID.IsZero() {
		fields = append(fields, zap.String("student_id", entry.StudentID.String()))
	}
	if !entry.CourseID.IsZero() {
		fields = append(fields, zap.String("course_id", entry.CourseID.String()))
	}
	if !entry.PaymentReference.IsZero() {
		fields = append(fields, zap.String("payment_reference", entry.PaymentReference.String()))
	}
	if !entry.Amount.IsZero() {
		fields = append(fields, zap.String("amount", entry.Amount.String()))
	}
	if entry.Error != nil {
		operationLogger.logger.Warn("operation failed", append(fields, zap.Error(entry.Error))...)
		return
	}
	operationLogger.logger.Info("operation completed", fields...)
}
