package walletrpc

import (
	"context"
	"strconv"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const subscriptionBuffer = 16

// Server exposes a wallet.Provider over gRPC.
type Server struct {
	provider wallet.Provider
	logger   *zap.Logger
}

// NewServer wraps provider. A nil logger discards logs.
func NewServer(provider wallet.Provider, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{provider: provider, logger: logger}
}

// Register attaches the wallet provider service to registrar.
func Register(registrar grpc.ServiceRegistrar, server *Server) {
	registrar.RegisterService(&serviceDesc, server)
}

func (server *Server) RequestAccounts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	accounts, err := server.provider.RequestAccounts(ctx)
	if err != nil {
		return nil, toStatusError(err)
	}
	return newMessage(map[string]any{fieldAccounts: anyStrings(accounts)})
}

func (server *Server) Accounts(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	accounts, err := server.provider.Accounts(ctx)
	if err != nil {
		return nil, toStatusError(err)
	}
	return newMessage(map[string]any{fieldAccounts: anyStrings(accounts)})
}

func (server *Server) ChainID(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	chainID, err := server.provider.ChainID(ctx)
	if err != nil {
		return nil, toStatusError(err)
	}
	return newMessage(map[string]any{fieldChainID: chainID})
}

func (server *Server) Balance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	address := stringField(request, fieldAddress)
	if address == "" {
		return nil, status.Error(codes.InvalidArgument, "address is required")
	}
	balance, err := server.provider.Balance(ctx, address)
	if err != nil {
		return nil, toStatusError(err)
	}
	return newMessage(map[string]any{fieldBalance: balance.String()})
}

func (server *Server) SendTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	amount, err := amountField(request, fieldAmount)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	transfer := wallet.Transfer{
		From:    stringField(request, fieldFrom),
		To:      stringField(request, fieldTo),
		Amount:  amount,
		ChainID: stringField(request, fieldChainID),
	}
	if transfer.From == "" || transfer.To == "" {
		return nil, status.Error(codes.InvalidArgument, "from and to are required")
	}
	transactionHash, err := server.provider.SendTransaction(ctx, transfer)
	if err != nil {
		server.logger.Warn("wallet rpc send failed", zap.String("from", transfer.From), zap.Error(err))
		return nil, toStatusError(err)
	}
	server.logger.Info("wallet rpc transaction submitted", zap.String("transaction", transactionHash), zap.String("amount", amount.String()))
	return newMessage(map[string]any{fieldTransactionHash: transactionHash})
}

func (server *Server) WaitForConfirmation(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error) {
	transactionHash := stringField(request, fieldTransactionHash)
	if transactionHash == "" {
		return nil, status.Error(codes.InvalidArgument, "transaction hash is required")
	}
	receipt, err := server.provider.WaitForConfirmation(ctx, transactionHash)
	if err != nil {
		return nil, toStatusError(err)
	}
	return newMessage(map[string]any{
		fieldTransactionHash: receipt.TransactionHash,
		fieldStatus:          string(receipt.Status),
		fieldBlockNumber:     strconv.FormatUint(receipt.BlockNumber, 10),
	})
}

// Subscribe streams provider events until the client goes away. The first
// message acknowledges the subscription.
func (server *Server) Subscribe(_ *structpb.Struct, stream grpc.ServerStream) error {
	events := make(chan wallet.ProviderEvent, subscriptionBuffer)
	unsubscribe := server.provider.Subscribe(func(event wallet.ProviderEvent) {
		select {
		case events <- event:
		default:
			server.logger.Warn("wallet rpc subscriber lagging, event dropped", zap.String("kind", string(event.Kind)))
		}
	})
	defer unsubscribe()

	acknowledgement, err := newMessage(map[string]any{fieldKind: eventKindSubscribed})
	if err != nil {
		return status.Error(codes.Internal, err.Error())
	}
	if err := stream.SendMsg(acknowledgement); err != nil {
		return err
	}
	ctx := stream.Context()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-events:
			message, err := newMessage(map[string]any{
				fieldKind:     string(event.Kind),
				fieldAccounts: anyStrings(event.Accounts),
				fieldChainID:  event.ChainID,
			})
			if err != nil {
				return status.Error(codes.Internal, err.Error())
			}
			if err := stream.SendMsg(message); err != nil {
				return err
			}
		}
	}
}
