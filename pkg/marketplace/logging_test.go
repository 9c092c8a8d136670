package marketplace

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestOperationLogNormalizeStatus(test *testing.T) {
	test.Parallel()
	okEntry := OperationLog{Operation: OperationEnroll}.Normalize()
	if okEntry.Status != operationStatusOK {
		test.Fatalf("expected ok status, got %q", okEntry.Status)
	}
	errorEntry := OperationLog{Operation: OperationEnroll, Error: errors.New("boom")}.Normalize()
	if errorEntry.Status != operationStatusError {
		test.Fatalf("expected error status, got %q", errorEntry.Status)
	}
	explicit := OperationLog{Operation: OperationEnroll, Status: "custom"}.Normalize()
	if explicit.Status != "custom" {
		test.Fatalf("expected explicit status to survive, got %q", explicit.Status)
	}
}

func TestZapOperationLoggerWritesFields(test *testing.T) {
	test.Parallel()
	core, recorded := observer.New(zapcore.InfoLevel)
	operationLogger := NewZapOperationLogger(zap.New(core))
	courseID := mustCourseID(test, "course-1")
	studentID := mustStudentID(test, "student-1")

	operationLogger.LogOperation(context.Background(), OperationLog{
		Operation: OperationEnroll,
		CourseID:  courseID,
		StudentID: studentID,
		Amount:    MustParseAmount("0.1"),
	})
	operationLogger.LogOperation(context.Background(), OperationLog{
		Operation: OperationPay,
		Error:     ErrPaymentTimeout,
	})

	entries := recorded.All()
	if len(entries) != 2 {
		test.Fatalf("expected two log entries, got %d", len(entries))
	}
	first := entries[0].ContextMap()
	if first["course_id"] != "course-1" || first["student_id"] != "student-1" || first["amount"] != "0.1" {
		test.Fatalf("unexpected fields: %+v", first)
	}
	if entries[1].Level != zapcore.WarnLevel {
		test.Fatalf("expected warn level for failures, got %s", entries[1].Level)
	}
}

func TestNewZapOperationLoggerNil(test *testing.T) {
	test.Parallel()
	operationLogger := NewZapOperationLogger(nil)
	operationLogger.LogOperation(context.Background(), OperationLog{Operation: OperationRefresh})
}
