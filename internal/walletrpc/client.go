package walletrpc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

const defaultSubscribeWait = 5 * time.Second

// Client implements wallet.Provider against a remote Server.
type Client struct {
	conn   grpc.ClientConnInterface
	logger *zap.Logger
}

// NewClient wraps an established connection. A nil logger discards logs.
func NewClient(conn grpc.ClientConnInterface, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{conn: conn, logger: logger}
}

func (client *Client) invoke(ctx context.Context, method string, request *structpb.Struct) (*structpb.Struct, error) {
	if request == nil {
		request = &structpb.Struct{}
	}
	response := new(structpb.Struct)
	if err := client.conn.Invoke(ctx, fullMethodName(method), request, response); err != nil {
		return nil, fromStatusError(err)
	}
	return response, nil
}

// RequestAccounts implements wallet.Provider.
func (client *Client) RequestAccounts(ctx context.Context) ([]string, error) {
	response, err := client.invoke(ctx, methodRequestAccounts, nil)
	if err != nil {
		return nil, err
	}
	return stringsField(response, fieldAccounts), nil
}

// Accounts implements wallet.Provider.
func (client *Client) Accounts(ctx context.Context) ([]string, error) {
	response, err := client.invoke(ctx, methodAccounts, nil)
	if err != nil {
		return nil, err
	}
	return stringsField(response, fieldAccounts), nil
}

// ChainID implements wallet.Provider.
func (client *Client) ChainID(ctx context.Context) (string, error) {
	response, err := client.invoke(ctx, methodChainID, nil)
	if err != nil {
		return "", err
	}
	return stringField(response, fieldChainID), nil
}

// Balance implements wallet.Provider.
func (client *Client) Balance(ctx context.Context, address string) (marketplace.Amount, error) {
	request, err := newMessage(map[string]any{fieldAddress: address})
	if err != nil {
		return marketplace.ZeroAmount, err
	}
	response, err := client.invoke(ctx, methodBalance, request)
	if err != nil {
		return marketplace.ZeroAmount, err
	}
	return amountField(response, fieldBalance)
}

// SendTransaction implements wallet.Provider.
func (client *Client) SendTransaction(ctx context.Context, transfer wallet.Transfer) (string, error) {
	request, err := newMessage(map[string]any{
		fieldFrom:    transfer.From,
		fieldTo:      transfer.To,
		fieldAmount:  transfer.Amount.String(),
		fieldChainID: transfer.ChainID,
	})
	if err != nil {
		return "", err
	}
	response, err := client.invoke(ctx, methodSendTransaction, request)
	if err != nil {
		return "", err
	}
	return stringField(response, fieldTransactionHash), nil
}

// WaitForConfirmation implements wallet.Provider.
func (client *Client) WaitForConfirmation(ctx context.Context, transactionHash string) (wallet.Receipt, error) {
	request, err := newMessage(map[string]any{fieldTransactionHash: transactionHash})
	if err != nil {
		return wallet.Receipt{}, err
	}
	response, err := client.invoke(ctx, methodWaitForConfirmation, request)
	if err != nil {
		return wallet.Receipt{}, err
	}
	blockNumber, err := uint64Field(response, fieldBlockNumber)
	if err != nil {
		return wallet.Receipt{}, fmt.Errorf("decode block number: %w", err)
	}
	return wallet.Receipt{
		TransactionHash: stringField(response, fieldTransactionHash),
		Status:          wallet.ReceiptStatus(stringField(response, fieldStatus)),
		BlockNumber:     blockNumber,
	}, nil
}

// Subscribe opens an event stream and forwards events to handler until the
// returned function is called. It returns once the server has acknowledged
// the subscription or the wait elapsed.
func (client *Client) Subscribe(handler func(wallet.ProviderEvent)) func() {
	if handler == nil {
		return func() {}
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	var readyOnce sync.Once
	markReady := func() { readyOnce.Do(func() { close(ready) }) }

	go func() {
		defer markReady()
		stream, err := client.conn.NewStream(ctx, &serviceDesc.Streams[0], fullMethodName(methodSubscribe))
		if err != nil {
			client.logger.Warn("wallet rpc subscribe failed", zap.Error(err))
			return
		}
		if err := stream.SendMsg(&structpb.Struct{}); err != nil {
			client.logger.Warn("wallet rpc subscribe send failed", zap.Error(err))
			return
		}
		if err := stream.CloseSend(); err != nil {
			client.logger.Warn("wallet rpc subscribe close send failed", zap.Error(err))
			return
		}
		for {
			message := new(structpb.Struct)
			if err := stream.RecvMsg(message); err != nil {
				if !errors.Is(err, io.EOF) && ctx.Err() == nil {
					client.logger.Warn("wallet rpc event stream ended", zap.Error(err))
				}
				return
			}
			kind := stringField(message, fieldKind)
			if kind == eventKindSubscribed {
				markReady()
				continue
			}
			handler(wallet.ProviderEvent{
				Kind:     wallet.EventKind(kind),
				Accounts: stringsField(message, fieldAccounts),
				ChainID:  stringField(message, fieldChainID),
			})
		}
	}()

	timer := time.NewTimer(defaultSubscribeWait)
	defer timer.Stop()
	select {
	case <-ready:
	case <-timer.C:
		client.logger.Warn("wallet rpc subscription not acknowledged")
	}
	return cancel
}
