package enrollment

import (
	"context"
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

// State is a step of an enrollment attempt.
type State string

const (
	StateIdle                                    State = "idle"
	StateValidatingCourse                        State = "validating_course"
	StateCheckingPrice                           State = "checking_price"
	StateEnsuringWallet                          State = "ensuring_wallet"
	StateConnectingWallet                        State = "connecting_wallet"
	StateCheckingBalance                         State = "checking_balance"
	StateAwaitingUserConfirmation                State = "awaiting_user_confirmation"
	StatePaying                                  State = "paying"
	StateEnrolling                               State = "enrolling"
	StateEnrollmentPendingRetry                  State = "enrollment_pending_retry"
	StateEnrolled                                State = "enrolled"
	StateCancelled                               State = "cancelled"
	StateFailValidation                          State = "fail_validation"
	StateFailWallet                              State = "fail_wallet"
	StateFailInsufficientFunds                   State = "fail_insufficient_funds"
	StateFailPayment                             State = "fail_payment"
	StateFailEnrollment                          State = "fail_enrollment"
	StateFailEnrollmentNeedsManualReconciliation State = "fail_enrollment_needs_manual_reconciliation"
)

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	switch s {
	case StateEnrolled, StateCancelled, StateFailValidation, StateFailWallet,
		StateFailInsufficientFunds, StateFailPayment, StateFailEnrollment,
		StateFailEnrollmentNeedsManualReconciliation:
		return true
	default:
		return false
	}
}

// Failed reports whether s is a terminal failure.
func (s State) Failed() bool {
	return s.Terminal() && s != StateEnrolled && s != StateCancelled
}

func (s State) String() string {
	return string(s)
}

// Transition is delivered to observers on every state change.
type Transition struct {
	From      State
	To        State
	CourseID  marketplace.CourseID
	StudentID marketplace.StudentID
	At        time.Time
}

// Observer receives transitions of every attempt run by a Coordinator.
type Observer interface {
	OnTransition(transition Transition)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(transition Transition)

// OnTransition implements Observer.
func (fn ObserverFunc) OnTransition(transition Transition) {
	fn(transition)
}

// Quote is what the student is asked to approve before funds move.
type Quote struct {
	CourseID      marketplace.CourseID
	CourseTitle   string
	Amount        marketplace.Amount
	Recipient     string
	WalletAddress string
	Balance       marketplace.Amount
	NetworkID     string
}

// Confirmer asks the student for an explicit go or no-go. It may block
// for as long as the student takes; ctx bounds the wait.
type Confirmer interface {
	Confirm(ctx context.Context, quote Quote) (bool, error)
}

// ConfirmerFunc adapts a function to Confirmer.
type ConfirmerFunc func(ctx context.Context, quote Quote) (bool, error)

// Confirm implements Confirmer.
func (fn ConfirmerFunc) Confirm(ctx context.Context, quote Quote) (bool, error) {
	return fn(ctx, quote)
}

// Outcome summarizes a finished attempt.
type Outcome struct {
	State                State
	CourseID             marketplace.CourseID
	Record               marketplace.EnrollmentRecord
	TransactionReference marketplace.PaymentReference
	FundsSpent           bool
	Attempts             int
}

// FailureError describes a terminal failure: the step that failed and
// whether the student's funds were already spent.
type FailureError struct {
	State                State
	FundsSpent           bool
	TransactionReference marketplace.PaymentReference
	Err                  error
}

func (failure *FailureError) Error() string {
	if failure.FundsSpent {
		return fmt.Sprintf("enrollment %s (payment %s confirmed): %v", failure.State, failure.TransactionReference.String(), failure.Err)
	}
	return fmt.Sprintf("enrollment %s: %v", failure.State, failure.Err)
}

func (failure *FailureError) Unwrap() error {
	return failure.Err
}
