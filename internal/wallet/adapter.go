package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"go.uber.org/zap"
)

const (
	defaultPaymentTimeout = 2 * time.Minute

	errorOperationWallet = "wallet"
	errorSubjectSession  = "session"
	errorSubjectPayment  = "payment"
	errorCodeConnect     = "connect"
	errorCodeBalance     = "balance"
	errorCodeSubmit      = "submit"
	errorCodeConfirm     = "confirm"
	errorCodeInvalid     = "invalid"
)

// Option configures an Adapter.
type Option func(*Adapter)

// WithPaymentTimeout bounds submission plus confirmation of a payment.
func WithPaymentTimeout(timeout time.Duration) Option {
	return func(adapter *Adapter) {
		if timeout > 0 {
			adapter.paymentTimeout = timeout
		}
	}
}

// WithLogger wires a zap logger.
func WithLogger(logger *zap.Logger) Option {
	return func(adapter *Adapter) {
		if logger != nil {
			adapter.logger = logger
		}
	}
}

// WithOperationLogger wires a logger that receives connect and pay operations.
func WithOperationLogger(operationLogger marketplace.OperationLogger) Option {
	return func(adapter *Adapter) {
		adapter.operationLogger = operationLogger
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(adapter *Adapter) {
		if now != nil {
			adapter.nowFn = now
		}
	}
}

// Adapter is the stateful façade over an injected Provider. It exclusively owns
// the wallet session; callers only receive copies.
type Adapter struct {
	provider        Provider
	paymentTimeout  time.Duration
	logger          *zap.Logger
	operationLogger marketplace.OperationLogger
	nowFn           func() time.Time

	mu                  sync.Mutex
	session             *Session
	handlers            map[int]func(ChangeEvent)
	nextHandlerID       int
	unsubscribeProvider func()
}

// NewAdapter wires an Adapter. A nil provider is valid: every operation then
// reports marketplace.ErrWalletUnavailable.
func NewAdapter(provider Provider, options ...Option) *Adapter {
	adapter := &Adapter{
		provider:       provider,
		paymentTimeout: defaultPaymentTimeout,
		logger:         zap.NewNop(),
		nowFn:          func() time.Time { return time.Now().UTC() },
		handlers:       make(map[int]func(ChangeEvent)),
	}
	for _, option := range options {
		if option != nil {
			option(adapter)
		}
	}
	if provider != nil {
		adapter.unsubscribeProvider = provider.Subscribe(adapter.handleProviderEvent)
	}
	return adapter
}

// Available reports whether a provider was injected.
func (adapter *Adapter) Available() bool {
	return adapter.provider != nil
}

// Connect requests account access and establishes a session.
func (adapter *Adapter) Connect(ctx context.Context) (Session, error) {
	session, err := adapter.connect(ctx)
	adapter.logOperation(ctx, marketplace.OperationLog{
		Operation: marketplace.OperationConnect,
		Error:     err,
	})
	if err != nil {
		return Session{}, err
	}
	adapter.logger.Info("wallet connected", zap.String("address", session.Address), zap.String("network_id", session.NetworkID))
	return session, nil
}

func (adapter *Adapter) connect(ctx context.Context) (Session, error) {
	if adapter.provider == nil {
		return Session{}, wrapWalletError(errorSubjectSession, errorCodeConnect, marketplace.ErrWalletUnavailable)
	}
	accounts, err := adapter.provider.RequestAccounts(ctx)
	if err != nil {
		if isUserRejection(err) {
			return Session{}, wrapWalletError(errorSubjectSession, errorCodeConnect, fmt.Errorf("%w: %v", marketplace.ErrUserRejected, err))
		}
		return Session{}, wrapWalletError(errorSubjectSession, errorCodeConnect, fmt.Errorf("%w: %v", marketplace.ErrWalletUnavailable, err))
	}
	address := firstAccount(accounts)
	if address == "" {
		adapter.invalidate()
		return Session{}, wrapWalletError(errorSubjectSession, errorCodeConnect, fmt.Errorf("%w: no authorized account", marketplace.ErrUserRejected))
	}
	session, err := adapter.deriveSession(ctx, address)
	if err != nil {
		return Session{}, err
	}
	session.ConnectedAt = adapter.nowFn()
	adapter.mu.Lock()
	adapter.session = &session
	adapter.mu.Unlock()
	return session, nil
}

// CurrentAddress reads the provider's authorized account without prompting.
func (adapter *Adapter) CurrentAddress(ctx context.Context) (string, bool) {
	if adapter.provider == nil {
		return "", false
	}
	accounts, err := adapter.provider.Accounts(ctx)
	if err != nil {
		adapter.logger.Debug("wallet accounts read failed", zap.Error(err))
		return "", false
	}
	address := firstAccount(accounts)
	return address, address != ""
}

// Session returns a copy of the current session.
func (adapter *Adapter) Session() (Session, bool) {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.session == nil {
		return Session{}, false
	}
	return *adapter.session, true
}

// RefreshBalance re-derives the session from the provider without prompting.
// A switched account replaces the session; a missing account clears it.
func (adapter *Adapter) RefreshBalance(ctx context.Context) (Session, error) {
	if adapter.provider == nil {
		return Session{}, wrapWalletError(errorSubjectSession, errorCodeBalance, marketplace.ErrWalletUnavailable)
	}
	accounts, err := adapter.provider.Accounts(ctx)
	if err != nil {
		return Session{}, wrapWalletError(errorSubjectSession, errorCodeBalance, fmt.Errorf("%w: %v", marketplace.ErrWalletUnavailable, err))
	}
	address := firstAccount(accounts)
	if address == "" {
		adapter.invalidate()
		return Session{}, wrapWalletError(errorSubjectSession, errorCodeBalance, ErrNoSession)
	}
	session, err := adapter.deriveSession(ctx, address)
	if err != nil {
		return Session{}, err
	}
	adapter.mu.Lock()
	if adapter.session != nil && strings.EqualFold(adapter.session.Address, address) {
		session.ConnectedAt = adapter.session.ConnectedAt
	} else {
		if adapter.session != nil {
			adapter.logger.Info("wallet account switched", zap.String("previous", adapter.session.Address), zap.String("current", address))
		}
		session.ConnectedAt = adapter.nowFn()
	}
	adapter.session = &session
	adapter.mu.Unlock()
	return session, nil
}

func (adapter *Adapter) deriveSession(ctx context.Context, address string) (Session, error) {
	networkID, err := adapter.provider.ChainID(ctx)
	if err != nil {
		return Session{}, wrapWalletError(errorSubjectSession, errorCodeBalance, fmt.Errorf("%w: %v", marketplace.ErrWalletUnavailable, err))
	}
	balance, err := adapter.provider.Balance(ctx, address)
	if err != nil {
		return Session{}, wrapWalletError(errorSubjectSession, errorCodeBalance, fmt.Errorf("%w: %v", marketplace.ErrWalletUnavailable, err))
	}
	return Session{
		Address:      address,
		Balance:      balance,
		BalanceKnown: true,
		NetworkID:    networkID,
	}, nil
}

// Pay submits a native-currency transfer and blocks until it is confirmed or
// the payment timeout elapses.
func (adapter *Adapter) Pay(ctx context.Context, amount marketplace.Amount, recipient string) (PaymentReceipt, error) {
	receipt, err := adapter.pay(ctx, amount, recipient)
	adapter.logOperation(ctx, marketplace.OperationLog{
		Operation:        marketplace.OperationPay,
		PaymentReference: referenceOf(receipt, err),
		Amount:           amount,
		Error:            err,
	})
	return receipt, err
}

func (adapter *Adapter) pay(ctx context.Context, amount marketplace.Amount, recipient string) (PaymentReceipt, error) {
	if adapter.provider == nil {
		return PaymentReceipt{}, &PaymentError{Err: marketplace.ErrWalletUnavailable}
	}
	if amount.IsZero() {
		return PaymentReceipt{}, &PaymentError{Err: fmt.Errorf("%w: payment amount must be positive", marketplace.ErrInvalidAmount)}
	}
	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return PaymentReceipt{}, &PaymentError{Err: fmt.Errorf("%w: recipient is required", marketplace.ErrValidation)}
	}
	session, ok := adapter.Session()
	if !ok {
		return PaymentReceipt{}, &PaymentError{Err: ErrNoSession}
	}
	if session.BalanceKnown && session.Balance.LessThan(amount) {
		return PaymentReceipt{}, &PaymentError{Err: fmt.Errorf("%w: balance %s below %s", marketplace.ErrInsufficientFunds, session.Balance, amount)}
	}

	payCtx, cancel := context.WithTimeout(ctx, adapter.paymentTimeout)
	defer cancel()

	transactionHash, err := adapter.provider.SendTransaction(payCtx, Transfer{
		From:    session.Address,
		To:      recipient,
		Amount:  amount,
		ChainID: session.NetworkID,
	})
	if err != nil {
		return PaymentReceipt{}, &PaymentError{Err: classifyPaymentFailure(ctx, payCtx, errorCodeSubmit, err)}
	}
	reference, err := marketplace.NewPaymentReference(transactionHash)
	if err != nil {
		return PaymentReceipt{}, &PaymentError{Err: wrapWalletError(errorSubjectPayment, errorCodeSubmit, fmt.Errorf("%w: empty transaction hash", marketplace.ErrPaymentFailed))}
	}
	adapter.logger.Info("payment submitted", zap.String("transaction", transactionHash), zap.String("amount", amount.String()))

	confirmation, err := adapter.provider.WaitForConfirmation(payCtx, transactionHash)
	if err != nil {
		return PaymentReceipt{}, &PaymentError{Reference: reference, Submitted: true, Err: classifyPaymentFailure(ctx, payCtx, errorCodeConfirm, err)}
	}
	if confirmation.Status != ReceiptSuccess {
		return PaymentReceipt{}, &PaymentError{Reference: reference, Submitted: true, Err: wrapWalletError(errorSubjectPayment, errorCodeConfirm, fmt.Errorf("%w: transaction %s", marketplace.ErrPaymentFailed, confirmation.Status))}
	}

	adapter.debit(session.Address, amount)
	return PaymentReceipt{
		Reference:   reference,
		From:        session.Address,
		Recipient:   recipient,
		Amount:      amount,
		BlockNumber: confirmation.BlockNumber,
		ConfirmedAt: adapter.nowFn(),
	}, nil
}

// OnAccountOrNetworkChange registers handler for provider account, chain and
// disconnect events. The session is invalidated before handler runs.
func (adapter *Adapter) OnAccountOrNetworkChange(handler func(ChangeEvent)) (unsubscribe func()) {
	if handler == nil {
		return func() {}
	}
	adapter.mu.Lock()
	handlerID := adapter.nextHandlerID
	adapter.nextHandlerID++
	adapter.handlers[handlerID] = handler
	adapter.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			adapter.mu.Lock()
			delete(adapter.handlers, handlerID)
			adapter.mu.Unlock()
		})
	}
}

// Close detaches from the provider's event stream.
func (adapter *Adapter) Close() {
	adapter.mu.Lock()
	unsubscribe := adapter.unsubscribeProvider
	adapter.unsubscribeProvider = nil
	adapter.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
}

func (adapter *Adapter) handleProviderEvent(event ProviderEvent) {
	adapter.mu.Lock()
	switch event.Kind {
	case EventDisconnect:
		adapter.session = nil
	case EventAccountsChanged:
		address := firstAccount(event.Accounts)
		switch {
		case address == "":
			adapter.session = nil
		case adapter.session == nil:
		case !strings.EqualFold(adapter.session.Address, address):
			adapter.session = &Session{
				Address:     address,
				NetworkID:   adapter.session.NetworkID,
				ConnectedAt: adapter.nowFn(),
			}
		default:
			adapter.session.Balance = marketplace.ZeroAmount
			adapter.session.BalanceKnown = false
		}
	case EventChainChanged:
		if adapter.session != nil {
			adapter.session.NetworkID = event.ChainID
			adapter.session.Balance = marketplace.ZeroAmount
			adapter.session.BalanceKnown = false
		}
	}
	change := ChangeEvent{Kind: event.Kind}
	if adapter.session != nil {
		change.Session = *adapter.session
		change.Connected = true
	}
	handlers := make([]func(ChangeEvent), 0, len(adapter.handlers))
	for _, handler := range adapter.handlers {
		handlers = append(handlers, handler)
	}
	adapter.mu.Unlock()

	adapter.logger.Info("wallet provider event", zap.String("kind", string(event.Kind)), zap.Bool("connected", change.Connected))
	for _, handler := range handlers {
		handler(change)
	}
}

func (adapter *Adapter) invalidate() {
	adapter.mu.Lock()
	adapter.session = nil
	adapter.mu.Unlock()
}

func (adapter *Adapter) debit(address string, amount marketplace.Amount) {
	adapter.mu.Lock()
	defer adapter.mu.Unlock()
	if adapter.session == nil || !adapter.session.BalanceKnown || !strings.EqualFold(adapter.session.Address, address) {
		return
	}
	adapter.session.Balance = adapter.session.Balance.Sub(amount)
}

func (adapter *Adapter) logOperation(ctx context.Context, entry marketplace.OperationLog) {
	if adapter.operationLogger == nil {
		return
	}
	adapter.operationLogger.LogOperation(ctx, entry)
}

func classifyPaymentFailure(parent context.Context, payCtx context.Context, code string, err error) error {
	switch {
	case isUserRejection(err):
		return wrapWalletError(errorSubjectPayment, code, fmt.Errorf("%w: %v", marketplace.ErrUserRejected, err))
	case parent.Err() == nil && (errors.Is(payCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded)):
		return wrapWalletError(errorSubjectPayment, code, fmt.Errorf("%w: %v", marketplace.ErrPaymentTimeout, err))
	default:
		return wrapWalletError(errorSubjectPayment, code, fmt.Errorf("%w: %v", marketplace.ErrPaymentFailed, err))
	}
}

func referenceOf(receipt PaymentReceipt, err error) marketplace.PaymentReference {
	if err == nil {
		return receipt.Reference
	}
	var paymentError *PaymentError
	if errors.As(err, &paymentError) {
		return paymentError.Reference
	}
	return marketplace.PaymentReference{}
}

func firstAccount(accounts []string) string {
	for _, account := range accounts {
		if trimmed := strings.TrimSpace(account); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func wrapWalletError(subject string, code string, err error) error {
	return marketplace.WrapError(errorOperationWallet, subject, code, err)
}
