// Package enrollment runs the payment-gated enrollment workflow: validate the
// course, collect payment through the wallet when the course is priced, then
// record the enrollment with the backend.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/store/memstore"
	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
)

const (
	// DefaultRetryBudget is the number of enrollment retries after a confirmed payment.
	DefaultRetryBudget uint64 = 5
	// DefaultRetryBase is the first retry delay; later delays double.
	DefaultRetryBase = 500 * time.Millisecond

	maxRetryDelay     = 30 * time.Second
	retryJitterPct    = 10
	persistTimeout    = 5 * time.Second
	pairKeyDelimiter  = "|"
	errorOperationRun = "enrollment"

	errorSubjectAttempt = "attempt"
	errorSubjectPending = "pending_payment"
	errorCodeValidate   = "validate"
	errorCodeLock       = "lock"
	errorCodeConfig     = "config"
	errorCodeLoad       = "load"
)

// CourseSource is the part of the course store the coordinator drives.
type CourseSource interface {
	StudentID() marketplace.StudentID
	Course(courseID marketplace.CourseID) (marketplace.Course, bool)
	FetchCourse(ctx context.Context, courseID marketplace.CourseID) (marketplace.Course, error)
	Enrollment(courseID marketplace.CourseID) (marketplace.EnrollmentRecord, bool)
	Enroll(ctx context.Context, courseID marketplace.CourseID, reference marketplace.PaymentReference) (marketplace.EnrollmentRecord, error)
}

// Wallet is the part of the wallet adapter the coordinator drives.
type Wallet interface {
	Session() (wallet.Session, bool)
	Connect(ctx context.Context) (wallet.Session, error)
	RefreshBalance(ctx context.Context) (wallet.Session, error)
	Pay(ctx context.Context, amount marketplace.Amount, recipient string) (wallet.PaymentReceipt, error)
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRecipient sets the address priced enrollments are paid to.
func WithRecipient(address string) Option {
	return func(coordinator *Coordinator) {
		coordinator.recipient = strings.TrimSpace(address)
	}
}

// WithRetryBudget bounds enrollment retries after a confirmed payment.
func WithRetryBudget(retries uint64) Option {
	return func(coordinator *Coordinator) {
		coordinator.retryBudget = retries
	}
}

// WithRetryBase sets the first retry delay.
func WithRetryBase(base time.Duration) Option {
	return func(coordinator *Coordinator) {
		if base > 0 {
			coordinator.retryBase = base
		}
	}
}

// WithCache persists pending payments. Without it they live in memory only.
func WithCache(cache marketplace.CacheStore) Option {
	return func(coordinator *Coordinator) {
		if cache != nil {
			coordinator.cache = cache
		}
	}
}

// WithObserver registers an observer for state transitions.
func WithObserver(observer Observer) Option {
	return func(coordinator *Coordinator) {
		if observer != nil {
			coordinator.observers = append(coordinator.observers, observer)
		}
	}
}

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(coordinator *Coordinator) {
		if logger != nil {
			coordinator.logger = logger
		}
	}
}

// WithOperationLogger wires an operation logger.
func WithOperationLogger(operationLogger marketplace.OperationLogger) Option {
	return func(coordinator *Coordinator) {
		coordinator.operationLogger = operationLogger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(coordinator *Coordinator) {
		if now != nil {
			coordinator.nowFn = now
		}
	}
}

// Coordinator runs enrollment attempts. At most one attempt per
// (course, student) pair is in flight at any time.
type Coordinator struct {
	courses         CourseSource
	wallet          Wallet
	confirmer       Confirmer
	cache           marketplace.CacheStore
	recipient       string
	retryBudget     uint64
	retryBase       time.Duration
	observers       []Observer
	logger          *zap.Logger
	operationLogger marketplace.OperationLogger
	nowFn           func() time.Time

	mu       sync.Mutex
	inFlight map[string]struct{}
}

// New builds a Coordinator. walletAdapter and confirmer may be nil, in which
// case priced courses fail at the wallet or are cancelled at confirmation.
func New(courses CourseSource, walletAdapter Wallet, confirmer Confirmer, options ...Option) (*Coordinator, error) {
	if courses == nil {
		return nil, wrapEnrollmentError(errorSubjectAttempt, errorCodeConfig, fmt.Errorf("%w: course source is required", marketplace.ErrInvalidConfig))
	}
	coordinator := &Coordinator{
		courses:     courses,
		wallet:      walletAdapter,
		confirmer:   confirmer,
		retryBudget: DefaultRetryBudget,
		retryBase:   DefaultRetryBase,
		logger:      zap.NewNop(),
		nowFn:       func() time.Time { return time.Now().UTC() },
		inFlight:    make(map[string]struct{}),
	}
	for _, option := range options {
		if option != nil {
			option(coordinator)
		}
	}
	if coordinator.cache == nil {
		coordinator.cache = memstore.New()
	}
	return coordinator, nil
}

// Enroll runs one attempt for courseID on behalf of the store's student.
// A concurrent attempt for the same course fails immediately with
// ErrEnrollmentInProgress. Terminal failures are returned as *FailureError.
func (coordinator *Coordinator) Enroll(ctx context.Context, courseID marketplace.CourseID) (Outcome, error) {
	studentID := coordinator.courses.StudentID()
	if studentID.IsZero() {
		return Outcome{State: StateFailValidation, CourseID: courseID}, &FailureError{
			State: StateFailValidation,
			Err:   wrapEnrollmentError(errorSubjectAttempt, errorCodeValidate, fmt.Errorf("%w: enrollment requires a signed-in student", marketplace.ErrInvalidStudentID)),
		}
	}
	release, acquired := coordinator.acquire(courseID, studentID)
	if !acquired {
		return Outcome{State: StateIdle, CourseID: courseID}, wrapEnrollmentError(errorSubjectAttempt, errorCodeLock, fmt.Errorf("%w: %s", marketplace.ErrEnrollmentInProgress, courseID))
	}
	defer release()

	run := coordinator.newAttempt(ctx, courseID, studentID)
	outcome, err := run.enroll()
	coordinator.finishAttempt(ctx, marketplace.OperationEnrollmentAttempt, studentID, outcome, err)
	return outcome, err
}

// ResumePending re-drives every persisted payment of the store's student
// that has no recorded enrollment yet. Pairs with an attempt in flight are
// skipped with ErrEnrollmentInProgress.
func (coordinator *Coordinator) ResumePending(ctx context.Context) ([]Outcome, error) {
	pendingPayments, err := coordinator.Pending(ctx)
	if err != nil {
		return nil, err
	}
	outcomes := make([]Outcome, 0, len(pendingPayments))
	var failures []error
	for _, pending := range pendingPayments {
		release, acquired := coordinator.acquire(pending.CourseID, pending.StudentID)
		if !acquired {
			failures = append(failures, wrapEnrollmentError(errorSubjectPending, errorCodeLock, fmt.Errorf("%w: %s", marketplace.ErrEnrollmentInProgress, pending.CourseID)))
			continue
		}
		run := coordinator.newAttempt(ctx, pending.CourseID, pending.StudentID)
		run.outcome.TransactionReference = pending.TransactionReference
		run.outcome.FundsSpent = true
		run.outcome.Attempts = pending.Attempts
		outcome, runErr := run.enrollPaid(pending)
		release()
		coordinator.finishAttempt(ctx, marketplace.OperationResumePending, pending.StudentID, outcome, runErr)
		outcomes = append(outcomes, outcome)
		if runErr != nil {
			failures = append(failures, runErr)
		}
	}
	return outcomes, errors.Join(failures...)
}

func (coordinator *Coordinator) finishAttempt(ctx context.Context, operation string, studentID marketplace.StudentID, outcome Outcome, err error) {
	fields := []zap.Field{
		zap.String("course_id", outcome.CourseID.String()),
		zap.String("state", outcome.State.String()),
		zap.Bool("funds_spent", outcome.FundsSpent),
		zap.Int("attempts", outcome.Attempts),
	}
	switch {
	case outcome.State == StateFailEnrollmentNeedsManualReconciliation:
		coordinator.logger.Error("payment confirmed but enrollment not recorded", append(fields, zap.String("transaction", outcome.TransactionReference.String()), zap.Error(err))...)
	case err != nil:
		coordinator.logger.Warn("enrollment attempt failed", append(fields, zap.Error(err))...)
	default:
		coordinator.logger.Info("enrollment attempt finished", fields...)
	}
	if coordinator.operationLogger == nil {
		return
	}
	coordinator.operationLogger.LogOperation(ctx, marketplace.OperationLog{
		Operation:        operation,
		StudentID:        studentID,
		CourseID:         outcome.CourseID,
		PaymentReference: outcome.TransactionReference,
		Error:            err,
	})
}

func (coordinator *Coordinator) acquire(courseID marketplace.CourseID, studentID marketplace.StudentID) (func(), bool) {
	key := courseID.String() + pairKeyDelimiter + studentID.String()
	coordinator.mu.Lock()
	defer coordinator.mu.Unlock()
	if _, busy := coordinator.inFlight[key]; busy {
		return nil, false
	}
	coordinator.inFlight[key] = struct{}{}
	return func() {
		coordinator.mu.Lock()
		delete(coordinator.inFlight, key)
		coordinator.mu.Unlock()
	}, true
}

func (coordinator *Coordinator) newBackoff() retry.Backoff {
	backoff := retry.NewExponential(coordinator.retryBase)
	backoff = retry.WithJitterPercent(retryJitterPct, backoff)
	backoff = retry.WithCappedDuration(maxRetryDelay, backoff)
	return retry.WithMaxRetries(coordinator.retryBudget, backoff)
}

// attempt is the state of one run through the machine.
type attempt struct {
	coordinator *Coordinator
	ctx         context.Context
	studentID   marketplace.StudentID
	state       State
	outcome     Outcome
}

func (coordinator *Coordinator) newAttempt(ctx context.Context, courseID marketplace.CourseID, studentID marketplace.StudentID) *attempt {
	return &attempt{
		coordinator: coordinator,
		ctx:         ctx,
		studentID:   studentID,
		state:       StateIdle,
		outcome:     Outcome{State: StateIdle, CourseID: courseID},
	}
}

// moveTo records the transition. Observers are not told about transitions
// once the caller's context is done.
func (run *attempt) moveTo(next State) {
	previous := run.state
	run.state = next
	run.outcome.State = next
	if run.ctx.Err() != nil {
		return
	}
	transition := Transition{
		From:      previous,
		To:        next,
		CourseID:  run.outcome.CourseID,
		StudentID: run.studentID,
		At:        run.coordinator.nowFn(),
	}
	for _, observer := range run.coordinator.observers {
		observer.OnTransition(transition)
	}
}

func (run *attempt) fail(state State, err error) (Outcome, error) {
	run.moveTo(state)
	return run.outcome, &FailureError{
		State:                state,
		FundsSpent:           run.outcome.FundsSpent,
		TransactionReference: run.outcome.TransactionReference,
		Err:                  err,
	}
}

func (run *attempt) finish(state State) (Outcome, error) {
	run.moveTo(state)
	return run.outcome, nil
}

func (run *attempt) enroll() (Outcome, error) {
	coordinator := run.coordinator
	courseID := run.outcome.CourseID

	run.moveTo(StateValidatingCourse)
	course, err := coordinator.resolveCourse(run.ctx, courseID)
	if err != nil {
		return run.fail(StateFailValidation, err)
	}
	if !course.Enrollable() {
		return run.fail(StateFailValidation, fmt.Errorf("%w: %s is %s", marketplace.ErrCourseNotEnrollable, courseID, course.Status))
	}

	run.moveTo(StateCheckingPrice)
	if course.Free() {
		return run.enrollOnce(StateFailEnrollment)
	}
	if record, enrolled := coordinator.courses.Enrollment(courseID); enrolled && record.StudentID == run.studentID {
		run.outcome.TransactionReference = record.PaymentReference
		return run.enrollOnce(StateFailEnrollment)
	}
	pending, found, err := coordinator.loadPending(run.ctx, courseID, run.studentID)
	if err != nil {
		coordinator.logger.Warn("pending payment lookup failed", zap.String("course_id", courseID.String()), zap.Error(err))
	}
	if found {
		coordinator.logger.Info("resuming confirmed payment", zap.String("course_id", courseID.String()), zap.String("transaction", pending.TransactionReference.String()))
		run.outcome.TransactionReference = pending.TransactionReference
		run.outcome.FundsSpent = true
		run.outcome.Attempts = pending.Attempts
		return run.enrollPaid(pending)
	}
	if coordinator.recipient == "" {
		return run.fail(StateFailValidation, wrapEnrollmentError(errorSubjectAttempt, errorCodeConfig, fmt.Errorf("%w: no payment recipient configured", marketplace.ErrInvalidConfig)))
	}
	return run.pay(course)
}

func (run *attempt) pay(course marketplace.Course) (Outcome, error) {
	coordinator := run.coordinator

	run.moveTo(StateEnsuringWallet)
	if coordinator.wallet == nil {
		run.moveTo(StateConnectingWallet)
		return run.fail(StateFailWallet, marketplace.ErrWalletUnavailable)
	}
	if _, connected := coordinator.wallet.Session(); !connected {
		run.moveTo(StateConnectingWallet)
		if _, err := coordinator.wallet.Connect(run.ctx); err != nil {
			return run.fail(StateFailWallet, err)
		}
	}

	run.moveTo(StateCheckingBalance)
	session, err := coordinator.wallet.RefreshBalance(run.ctx)
	if err != nil {
		return run.fail(StateFailWallet, err)
	}
	if session.Balance.LessThan(course.Price) {
		return run.fail(StateFailInsufficientFunds, fmt.Errorf("%w: balance %s below price %s", marketplace.ErrInsufficientFunds, session.Balance, course.Price))
	}

	run.moveTo(StateAwaitingUserConfirmation)
	quote := Quote{
		CourseID:      course.ID,
		CourseTitle:   course.Title,
		Amount:        course.Price,
		Recipient:     coordinator.recipient,
		WalletAddress: session.Address,
		Balance:       session.Balance,
		NetworkID:     session.NetworkID,
	}
	confirmed := false
	if coordinator.confirmer != nil {
		confirmed, err = coordinator.confirmer.Confirm(run.ctx, quote)
		if err != nil {
			return run.fail(StateCancelled, err)
		}
	}
	if !confirmed {
		return run.finish(StateCancelled)
	}

	run.moveTo(StatePaying)
	receipt, err := coordinator.wallet.Pay(run.ctx, course.Price, coordinator.recipient)
	if err != nil {
		var paymentErr *wallet.PaymentError
		if errors.As(err, &paymentErr) && paymentErr.Submitted {
			run.outcome.TransactionReference = paymentErr.Reference
		}
		if errors.Is(err, marketplace.ErrInsufficientFunds) {
			return run.fail(StateFailInsufficientFunds, err)
		}
		return run.fail(StateFailPayment, err)
	}

	run.outcome.TransactionReference = receipt.Reference
	run.outcome.FundsSpent = true
	now := coordinator.nowFn()
	pending := marketplace.PendingPayment{
		CourseID:             course.ID,
		StudentID:            run.studentID,
		TransactionReference: receipt.Reference,
		Amount:               receipt.Amount,
		Recipient:            receipt.Recipient,
		State:                marketplace.PendingAwaitingEnrollment,
		ConfirmedAt:          receipt.ConfirmedAt,
		UpdatedAt:            now,
	}
	coordinator.savePending(run.ctx, pending)
	return run.enrollPaid(pending)
}

// enrollOnce records an enrollment that spends nothing new. A failure is final.
func (run *attempt) enrollOnce(failState State) (Outcome, error) {
	run.moveTo(StateEnrolling)
	run.outcome.Attempts++
	record, err := run.coordinator.courses.Enroll(run.ctx, run.outcome.CourseID, run.outcome.TransactionReference)
	if err != nil {
		return run.fail(failState, err)
	}
	run.outcome.Record = record
	return run.finish(StateEnrolled)
}

// enrollPaid records the enrollment of a confirmed payment, retrying with the
// same transaction reference until the retry budget is spent. The pending
// payment is kept up to date so a restart can pick it up.
func (run *attempt) enrollPaid(pending marketplace.PendingPayment) (Outcome, error) {
	coordinator := run.coordinator
	courseID := run.outcome.CourseID
	reference := pending.TransactionReference
	backoff := coordinator.newBackoff()

	for {
		run.moveTo(StateEnrolling)
		run.outcome.Attempts++
		record, err := coordinator.courses.Enroll(run.ctx, courseID, reference)
		if err == nil {
			run.outcome.Record = record
			coordinator.deletePending(run.ctx, pending)
			return run.finish(StateEnrolled)
		}

		pending.Attempts = run.outcome.Attempts
		pending.LastError = err.Error()
		pending.UpdatedAt = coordinator.nowFn()
		if ctxErr := run.ctx.Err(); ctxErr != nil {
			return run.interrupted(pending, ctxErr)
		}
		delay, exhausted := backoff.Next()
		if exhausted {
			pending.State = marketplace.PendingNeedsManualReconciliation
			coordinator.savePending(run.ctx, pending)
			return run.fail(StateFailEnrollmentNeedsManualReconciliation, fmt.Errorf("%w: %d attempts for transaction %s: %w", marketplace.ErrEnrollmentNeedsManualReconciliation, run.outcome.Attempts, reference, err))
		}

		run.moveTo(StateEnrollmentPendingRetry)
		coordinator.savePending(run.ctx, pending)
		coordinator.logger.Warn("enrollment after payment failed, retrying",
			zap.String("course_id", courseID.String()),
			zap.String("transaction", reference.String()),
			zap.Int("attempt", run.outcome.Attempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := sleep(run.ctx, delay); err != nil {
			return run.interrupted(pending, err)
		}
	}
}

// interrupted stops a paid attempt whose caller went away. The pending
// payment stays persisted for ResumePending.
func (run *attempt) interrupted(pending marketplace.PendingPayment, cause error) (Outcome, error) {
	run.coordinator.savePending(run.ctx, pending)
	run.state = StateEnrollmentPendingRetry
	run.outcome.State = StateEnrollmentPendingRetry
	return run.outcome, &FailureError{
		State:                StateEnrollmentPendingRetry,
		FundsSpent:           true,
		TransactionReference: pending.TransactionReference,
		Err:                  fmt.Errorf("enrollment interrupted, payment kept pending: %w", cause),
	}
}

func (coordinator *Coordinator) resolveCourse(ctx context.Context, courseID marketplace.CourseID) (marketplace.Course, error) {
	if course, ok := coordinator.courses.Course(courseID); ok {
		return course, nil
	}
	course, err := coordinator.courses.FetchCourse(ctx, courseID)
	if err != nil {
		return marketplace.Course{}, wrapEnrollmentError(errorSubjectAttempt, errorCodeLoad, err)
	}
	return course, nil
}

func sleep(ctx context.Context, delay time.Duration) error {
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func wrapEnrollmentError(subject string, code string, err error) error {
	return marketplace.WrapError(errorOperationRun, subject, code, err)
}
