// Package devwallet provides an in-memory wallet provider for local
// development and tests.
package devwallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/google/uuid"
)

const (
	// DefaultChainID is the network id reported when none is configured.
	DefaultChainID = "0x539"

	MethodRequestAccounts     = "request_accounts"
	MethodAccounts            = "accounts"
	MethodChainID             = "chain_id"
	MethodBalance             = "balance"
	MethodSendTransaction     = "send_transaction"
	MethodWaitForConfirmation = "wait_for_confirmation"
)

// ErrUnknownTransaction is returned when confirming a hash the provider never issued.
var ErrUnknownTransaction = errors.New("unknown transaction")

// Option configures a Provider.
type Option func(*Provider)

// WithAccount adds a funded account. The first account added is the active one.
func WithAccount(address string, balance marketplace.Amount) Option {
	return func(provider *Provider) {
		address = strings.TrimSpace(address)
		if address == "" {
			return
		}
		provider.accounts = append(provider.accounts, address)
		provider.balances[address] = balance
	}
}

// WithChainID sets the reported network id.
func WithChainID(chainID string) Option {
	return func(provider *Provider) {
		if strings.TrimSpace(chainID) != "" {
			provider.chainID = chainID
		}
	}
}

// WithAuthorized pre-authorizes the active account so Accounts reports it
// without a connect prompt.
func WithAuthorized() Option {
	return func(provider *Provider) {
		provider.authorized = true
	}
}

// WithConnectApproval decides connect prompts.
func WithConnectApproval(approve func(ctx context.Context) bool) Option {
	return func(provider *Provider) {
		if approve != nil {
			provider.connectApproval = approve
		}
	}
}

// WithSignApproval decides signing prompts.
func WithSignApproval(approve func(ctx context.Context, transfer wallet.Transfer) bool) Option {
	return func(provider *Provider) {
		if approve != nil {
			provider.signApproval = approve
		}
	}
}

// WithConfirmationDelay delays every confirmation.
func WithConfirmationDelay(delay time.Duration) Option {
	return func(provider *Provider) {
		if delay > 0 {
			provider.confirmationDelay = delay
		}
	}
}

// Provider is a wallet.Provider that keeps balances in memory. Transfers move
// value between known accounts; unknown recipients are credited on first use.
type Provider struct {
	mu                sync.Mutex
	accounts          []string
	balances          map[string]marketplace.Amount
	authorized        bool
	chainID           string
	connectApproval   func(ctx context.Context) bool
	signApproval      func(ctx context.Context, transfer wallet.Transfer) bool
	confirmationDelay time.Duration
	receipts          map[string]wallet.Receipt
	blockNumber       uint64
	failNextSend      error
	failNextConfirm   error
	revertNext        bool
	calls             map[string]int
	transfers         []wallet.Transfer
	subscribers       map[int]func(wallet.ProviderEvent)
	nextSubscriberID  int
}

// New builds a Provider.
func New(options ...Option) *Provider {
	provider := &Provider{
		balances:        make(map[string]marketplace.Amount),
		chainID:         DefaultChainID,
		connectApproval: func(context.Context) bool { return true },
		signApproval:    func(context.Context, wallet.Transfer) bool { return true },
		receipts:        make(map[string]wallet.Receipt),
		calls:           make(map[string]int),
		subscribers:     make(map[int]func(wallet.ProviderEvent)),
	}
	for _, option := range options {
		if option != nil {
			option(provider)
		}
	}
	return provider
}

// RequestAccounts implements wallet.Provider.
func (provider *Provider) RequestAccounts(ctx context.Context) ([]string, error) {
	provider.record(MethodRequestAccounts)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !provider.connectApproval(ctx) {
		return nil, &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: "user rejected the request"}
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if len(provider.accounts) == 0 {
		return []string{}, nil
	}
	provider.authorized = true
	return []string{provider.accounts[0]}, nil
}

// Accounts implements wallet.Provider.
func (provider *Provider) Accounts(ctx context.Context) ([]string, error) {
	provider.record(MethodAccounts)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if !provider.authorized || len(provider.accounts) == 0 {
		return []string{}, nil
	}
	return []string{provider.accounts[0]}, nil
}

// ChainID implements wallet.Provider.
func (provider *Provider) ChainID(ctx context.Context) (string, error) {
	provider.record(MethodChainID)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return provider.chainID, nil
}

// Balance implements wallet.Provider.
func (provider *Provider) Balance(ctx context.Context, address string) (marketplace.Amount, error) {
	provider.record(MethodBalance)
	if err := ctx.Err(); err != nil {
		return marketplace.ZeroAmount, err
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	balance, ok := provider.balances[address]
	if !ok {
		return marketplace.ZeroAmount, nil
	}
	return balance, nil
}

// SendTransaction implements wallet.Provider.
func (provider *Provider) SendTransaction(ctx context.Context, transfer wallet.Transfer) (string, error) {
	provider.record(MethodSendTransaction)
	if err := ctx.Err(); err != nil {
		return "", err
	}
	provider.mu.Lock()
	if failure := provider.failNextSend; failure != nil {
		provider.failNextSend = nil
		provider.mu.Unlock()
		return "", failure
	}
	if !provider.authorized || len(provider.accounts) == 0 || !strings.EqualFold(provider.accounts[0], transfer.From) {
		provider.mu.Unlock()
		return "", &wallet.ProviderError{Code: wallet.CodeUnauthorized, Message: "account not authorized"}
	}
	provider.mu.Unlock()

	if !provider.signApproval(ctx, transfer) {
		return "", &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: "user denied transaction signature"}
	}

	provider.mu.Lock()
	defer provider.mu.Unlock()
	balance := provider.balances[transfer.From]
	if balance.LessThan(transfer.Amount) {
		return "", &wallet.ProviderError{Code: wallet.CodeInsufficientFunds, Message: "insufficient funds for transfer"}
	}
	hash := "0x" + strings.ReplaceAll(uuid.NewString(), "-", "")
	status := wallet.ReceiptSuccess
	if provider.revertNext {
		provider.revertNext = false
		status = wallet.ReceiptReverted
	} else {
		provider.balances[transfer.From] = balance.Sub(transfer.Amount)
		provider.balances[transfer.To] = provider.balances[transfer.To].Add(transfer.Amount)
	}
	provider.blockNumber++
	provider.receipts[hash] = wallet.Receipt{TransactionHash: hash, Status: status, BlockNumber: provider.blockNumber}
	provider.transfers = append(provider.transfers, transfer)
	return hash, nil
}

// WaitForConfirmation implements wallet.Provider.
func (provider *Provider) WaitForConfirmation(ctx context.Context, transactionHash string) (wallet.Receipt, error) {
	provider.record(MethodWaitForConfirmation)
	provider.mu.Lock()
	delay := provider.confirmationDelay
	provider.mu.Unlock()
	if delay > 0 {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return wallet.Receipt{}, ctx.Err()
		case <-timer.C:
		}
	} else if err := ctx.Err(); err != nil {
		return wallet.Receipt{}, err
	}
	provider.mu.Lock()
	defer provider.mu.Unlock()
	if failure := provider.failNextConfirm; failure != nil {
		provider.failNextConfirm = nil
		return wallet.Receipt{}, failure
	}
	receipt, ok := provider.receipts[transactionHash]
	if !ok {
		return wallet.Receipt{}, fmt.Errorf("%w: %s", ErrUnknownTransaction, transactionHash)
	}
	return receipt, nil
}

// Subscribe implements wallet.Provider.
func (provider *Provider) Subscribe(handler func(wallet.ProviderEvent)) func() {
	if handler == nil {
		return func() {}
	}
	provider.mu.Lock()
	subscriberID := provider.nextSubscriberID
	provider.nextSubscriberID++
	provider.subscribers[subscriberID] = handler
	provider.mu.Unlock()
	return func() {
		provider.mu.Lock()
		delete(provider.subscribers, subscriberID)
		provider.mu.Unlock()
	}
}

// SwitchAccount makes address the active account and notifies subscribers.
func (provider *Provider) SwitchAccount(address string) {
	provider.mu.Lock()
	remaining := []string{address}
	for _, account := range provider.accounts {
		if !strings.EqualFold(account, address) {
			remaining = append(remaining, account)
		}
	}
	provider.accounts = remaining
	if _, ok := provider.balances[address]; !ok {
		provider.balances[address] = marketplace.ZeroAmount
	}
	provider.mu.Unlock()
	provider.emit(wallet.ProviderEvent{Kind: wallet.EventAccountsChanged, Accounts: []string{address}})
}

// SwitchChain changes the network id and notifies subscribers.
func (provider *Provider) SwitchChain(chainID string) {
	provider.mu.Lock()
	provider.chainID = chainID
	provider.mu.Unlock()
	provider.emit(wallet.ProviderEvent{Kind: wallet.EventChainChanged, ChainID: chainID})
}

// Disconnect revokes authorization and notifies subscribers.
func (provider *Provider) Disconnect() {
	provider.mu.Lock()
	provider.authorized = false
	provider.mu.Unlock()
	provider.emit(wallet.ProviderEvent{Kind: wallet.EventDisconnect})
}

// FailNextSend makes the next SendTransaction return err.
func (provider *Provider) FailNextSend(err error) {
	provider.mu.Lock()
	provider.failNextSend = err
	provider.mu.Unlock()
}

// FailNextConfirmation makes the next WaitForConfirmation return err.
func (provider *Provider) FailNextConfirmation(err error) {
	provider.mu.Lock()
	provider.failNextConfirm = err
	provider.mu.Unlock()
}

// RevertNext makes the next submitted transaction revert without moving value.
func (provider *Provider) RevertNext() {
	provider.mu.Lock()
	provider.revertNext = true
	provider.mu.Unlock()
}

// SetBalance overrides the balance of address.
func (provider *Provider) SetBalance(address string, balance marketplace.Amount) {
	provider.mu.Lock()
	provider.balances[address] = balance
	provider.mu.Unlock()
}

// BalanceOf returns the balance of address without counting a provider call.
func (provider *Provider) BalanceOf(address string) marketplace.Amount {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return provider.balances[address]
}

// Calls returns how many times method was invoked.
func (provider *Provider) Calls(method string) int {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return provider.calls[method]
}

// Transfers returns the submitted transfers in order.
func (provider *Provider) Transfers() []wallet.Transfer {
	provider.mu.Lock()
	defer provider.mu.Unlock()
	return append([]wallet.Transfer(nil), provider.transfers...)
}

func (provider *Provider) record(method string) {
	provider.mu.Lock()
	provider.calls[method]++
	provider.mu.Unlock()
}

func (provider *Provider) emit(event wallet.ProviderEvent) {
	provider.mu.Lock()
	handlers := make([]func(wallet.ProviderEvent), 0, len(provider.subscribers))
	for _, handler := range provider.subscribers {
		handlers = append(handlers, handler)
	}
	provider.mu.Unlock()
	for _, handler := range handlers {
		handler(event)
	}
}
