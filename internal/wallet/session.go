package wallet

import (
	"fmt"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

// ErrNoSession reports that no account is connected.
var ErrNoSession = fmt.Errorf("%w: no wallet session", marketplace.ErrWalletUnavailable)

// Session is a read-only snapshot of the connected wallet.
type Session struct {
	Address      string
	Balance      marketplace.Amount
	BalanceKnown bool
	NetworkID    string
	ConnectedAt  time.Time
}

// ChangeEvent is delivered to account/network change handlers after the
// adapter has already invalidated its own session.
type ChangeEvent struct {
	Kind      EventKind
	Session   Session
	Connected bool
}

// PaymentReceipt describes a confirmed native-currency payment.
type PaymentReceipt struct {
	Reference   marketplace.PaymentReference
	From        string
	Recipient   string
	Amount      marketplace.Amount
	BlockNumber uint64
	ConfirmedAt time.Time
}

// PaymentError is a failed payment. Submitted is true when the provider accepted
// the transaction before the failure, in which case Reference is set.
type PaymentError struct {
	Reference marketplace.PaymentReference
	Submitted bool
	Err       error
}

func (paymentError *PaymentError) Error() string {
	if paymentError.Submitted {
		return fmt.Sprintf("payment %s: %v", paymentError.Reference.String(), paymentError.Err)
	}
	return fmt.Sprintf("payment: %v", paymentError.Err)
}

func (paymentError *PaymentError) Unwrap() error {
	return paymentError.Err
}
