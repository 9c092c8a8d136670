package enrollment

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"go.uber.org/zap"
)

// Pending lists the persisted payments of the store's student that are still
// waiting for an enrollment, oldest first. Unreadable entries are skipped.
func (coordinator *Coordinator) Pending(ctx context.Context) ([]marketplace.PendingPayment, error) {
	studentID := coordinator.courses.StudentID()
	if studentID.IsZero() {
		return nil, nil
	}
	entries, err := coordinator.cache.List(ctx, marketplace.PendingPaymentPrefix(studentID))
	if err != nil {
		return nil, wrapEnrollmentError(errorSubjectPending, errorCodeLoad, err)
	}
	pendingPayments := make([]marketplace.PendingPayment, 0, len(entries))
	for key, raw := range entries {
		var pending marketplace.PendingPayment
		if err := json.Unmarshal(raw, &pending); err != nil {
			coordinator.logger.Warn("skipping unreadable pending payment", zap.String("key", key), zap.Error(err))
			continue
		}
		if pending.TransactionReference.IsZero() || pending.CourseID.IsZero() {
			coordinator.logger.Warn("skipping incomplete pending payment", zap.String("key", key))
			continue
		}
		pendingPayments = append(pendingPayments, pending)
	}
	sort.Slice(pendingPayments, func(left, right int) bool {
		if pendingPayments[left].ConfirmedAt.Equal(pendingPayments[right].ConfirmedAt) {
			return pendingPayments[left].CourseID.String() < pendingPayments[right].CourseID.String()
		}
		return pendingPayments[left].ConfirmedAt.Before(pendingPayments[right].ConfirmedAt)
	})
	return pendingPayments, nil
}

func (coordinator *Coordinator) loadPending(ctx context.Context, courseID marketplace.CourseID, studentID marketplace.StudentID) (marketplace.PendingPayment, bool, error) {
	raw, found, err := coordinator.cache.Get(ctx, marketplace.PendingPaymentKey(courseID, studentID))
	if err != nil {
		return marketplace.PendingPayment{}, false, wrapEnrollmentError(errorSubjectPending, errorCodeLoad, err)
	}
	if !found {
		return marketplace.PendingPayment{}, false, nil
	}
	var pending marketplace.PendingPayment
	if err := json.Unmarshal(raw, &pending); err != nil {
		return marketplace.PendingPayment{}, false, wrapEnrollmentError(errorSubjectPending, errorCodeLoad, fmt.Errorf("%w: %v", marketplace.ErrCorruptCache, err))
	}
	if pending.TransactionReference.IsZero() {
		return marketplace.PendingPayment{}, false, nil
	}
	return pending, true, nil
}

// savePending writes through even when ctx is done: a confirmed payment must
// not be forgotten because the caller went away.
func (coordinator *Coordinator) savePending(ctx context.Context, pending marketplace.PendingPayment) {
	raw, err := json.Marshal(pending)
	if err != nil {
		coordinator.logger.Error("pending payment encode failed", zap.String("transaction", pending.TransactionReference.String()), zap.Error(err))
		return
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := coordinator.cache.Put(writeCtx, marketplace.PendingPaymentKey(pending.CourseID, pending.StudentID), raw); err != nil {
		coordinator.logger.Error("pending payment write failed",
			zap.String("course_id", pending.CourseID.String()),
			zap.String("transaction", pending.TransactionReference.String()),
			zap.Error(err))
	}
}

func (coordinator *Coordinator) deletePending(ctx context.Context, pending marketplace.PendingPayment) {
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := coordinator.cache.Delete(writeCtx, marketplace.PendingPaymentKey(pending.CourseID, pending.StudentID)); err != nil {
		coordinator.logger.Warn("pending payment delete failed", zap.String("course_id", pending.CourseID.String()), zap.Error(err))
	}
}
