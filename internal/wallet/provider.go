package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
)

// Provider error codes follow the EIP-1193 convention used by browser wallets.
const (
	CodeUserRejected      = 4001
	CodeUnauthorized      = 4100
	CodeUnsupported       = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeInsufficientFunds = -32000
)

// EventKind enumerates provider notifications.
type EventKind string

const (
	EventAccountsChanged EventKind = "accounts_changed"
	EventChainChanged    EventKind = "chain_changed"
	EventDisconnect      EventKind = "disconnect"
)

// ProviderEvent is a change reported by the provider.
type ProviderEvent struct {
	Kind     EventKind
	Accounts []string
	ChainID  string
}

// Transfer is a native-currency value transfer to be signed by the provider.
type Transfer struct {
	From    string
	To      string
	Amount  marketplace.Amount
	ChainID string
}

// ReceiptStatus reports the on-chain outcome of a transaction.
type ReceiptStatus string

const (
	ReceiptSuccess  ReceiptStatus = "success"
	ReceiptReverted ReceiptStatus = "reverted"
)

// Receipt is the provider's confirmation of a submitted transaction.
type Receipt struct {
	TransactionHash string
	Status          ReceiptStatus
	BlockNumber     uint64
}

// Provider is the injected wallet (browser extension, remote signer, dev wallet).
// RequestAccounts and SendTransaction may prompt the user.
type Provider interface {
	RequestAccounts(ctx context.Context) ([]string, error)
	Accounts(ctx context.Context) ([]string, error)
	ChainID(ctx context.Context) (string, error)
	Balance(ctx context.Context, address string) (marketplace.Amount, error)
	SendTransaction(ctx context.Context, transfer Transfer) (string, error)
	WaitForConfirmation(ctx context.Context, transactionHash string) (Receipt, error)
	Subscribe(handler func(ProviderEvent)) (unsubscribe func())
}

// ProviderError is a coded failure reported by the provider.
type ProviderError struct {
	Code    int
	Message string
}

func (providerError *ProviderError) Error() string {
	return fmt.Sprintf("provider error %d: %s", providerError.Code, providerError.Message)
}

// Is lets errors.Is match provider codes against the domain taxonomy.
func (providerError *ProviderError) Is(target error) bool {
	switch providerError.Code {
	case CodeUserRejected:
		return target == marketplace.ErrUserRejected
	case CodeDisconnected, CodeChainDisconnected, CodeUnauthorized:
		return target == marketplace.ErrWalletUnavailable
	}
	return false
}

func isUserRejection(err error) bool {
	return errors.Is(err, marketplace.ErrUserRejected)
}
