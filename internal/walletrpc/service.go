// Package walletrpc carries the wallet provider boundary over gRPC so a
// signer can run outside the client process.
package walletrpc

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/wallet"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	serviceName = "coursemarket.walletrpc.v1.WalletProvider"

	methodRequestAccounts     = "RequestAccounts"
	methodAccounts            = "Accounts"
	methodChainID             = "ChainID"
	methodBalance             = "Balance"
	methodSendTransaction     = "SendTransaction"
	methodWaitForConfirmation = "WaitForConfirmation"
	methodSubscribe           = "Subscribe"

	fieldAccounts        = "accounts"
	fieldChainID         = "chain_id"
	fieldAddress         = "address"
	fieldBalance         = "balance"
	fieldFrom            = "from"
	fieldTo              = "to"
	fieldAmount          = "amount"
	fieldTransactionHash = "transaction_hash"
	fieldStatus          = "status"
	fieldBlockNumber     = "block_number"
	fieldKind            = "kind"

	eventKindSubscribed = "subscribed"
)

// providerServer is the handler contract registered with grpc.Server.
type providerServer interface {
	RequestAccounts(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Accounts(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	ChainID(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Balance(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	SendTransaction(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	WaitForConfirmation(ctx context.Context, request *structpb.Struct) (*structpb.Struct, error)
	Subscribe(request *structpb.Struct, stream grpc.ServerStream) error
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*providerServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod(methodRequestAccounts, providerServer.RequestAccounts),
		unaryMethod(methodAccounts, providerServer.Accounts),
		unaryMethod(methodChainID, providerServer.ChainID),
		unaryMethod(methodBalance, providerServer.Balance),
		unaryMethod(methodSendTransaction, providerServer.SendTransaction),
		unaryMethod(methodWaitForConfirmation, providerServer.WaitForConfirmation),
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    methodSubscribe,
			ServerStreams: true,
			Handler: func(srv any, stream grpc.ServerStream) error {
				request := new(structpb.Struct)
				if err := stream.RecvMsg(request); err != nil {
					return err
				}
				return srv.(providerServer).Subscribe(request, stream)
			},
		},
	},
	Metadata: "walletrpc/wallet_provider.proto",
}

func unaryMethod(name string, call func(providerServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	fullMethod := fullMethodName(name)
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, decode func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			request := new(structpb.Struct)
			if err := decode(request); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(providerServer), ctx, request)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
			handler := func(ctx context.Context, request any) (any, error) {
				return call(srv.(providerServer), ctx, request.(*structpb.Struct))
			}
			return interceptor(ctx, request, info, handler)
		},
	}
}

func fullMethodName(method string) string {
	return "/" + serviceName + "/" + method
}

func toStatusError(source error) error {
	if source == nil {
		return nil
	}
	var providerError *wallet.ProviderError
	if errors.As(source, &providerError) {
		switch providerError.Code {
		case wallet.CodeUserRejected:
			return status.Error(codes.PermissionDenied, providerError.Message)
		case wallet.CodeInsufficientFunds:
			return status.Error(codes.FailedPrecondition, providerError.Message)
		case wallet.CodeUnauthorized:
			return status.Error(codes.Unauthenticated, providerError.Message)
		case wallet.CodeDisconnected, wallet.CodeChainDisconnected:
			return status.Error(codes.Unavailable, providerError.Message)
		case wallet.CodeUnsupported:
			return status.Error(codes.Unimplemented, providerError.Message)
		}
	}
	switch {
	case errors.Is(source, marketplace.ErrUserRejected):
		return status.Error(codes.PermissionDenied, source.Error())
	case errors.Is(source, marketplace.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, source.Error())
	case errors.Is(source, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, source.Error())
	case errors.Is(source, context.Canceled):
		return status.Error(codes.Canceled, source.Error())
	}
	return status.Error(codes.Internal, source.Error())
}

func fromStatusError(source error) error {
	if source == nil {
		return nil
	}
	statusValue, ok := status.FromError(source)
	if !ok {
		return source
	}
	message := statusValue.Message()
	switch statusValue.Code() {
	case codes.PermissionDenied:
		return &wallet.ProviderError{Code: wallet.CodeUserRejected, Message: message}
	case codes.FailedPrecondition:
		return &wallet.ProviderError{Code: wallet.CodeInsufficientFunds, Message: message}
	case codes.Unauthenticated:
		return &wallet.ProviderError{Code: wallet.CodeUnauthorized, Message: message}
	case codes.Unavailable:
		return &wallet.ProviderError{Code: wallet.CodeDisconnected, Message: message}
	case codes.Unimplemented:
		return &wallet.ProviderError{Code: wallet.CodeUnsupported, Message: message}
	case codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", context.DeadlineExceeded, message)
	case codes.Canceled:
		return fmt.Errorf("%w: %s", context.Canceled, message)
	}
	return fmt.Errorf("wallet rpc %s: %s", statusValue.Code(), message)
}

func newMessage(fields map[string]any) (*structpb.Struct, error) {
	message, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode wallet message: %w", err)
	}
	return message, nil
}

func stringField(message *structpb.Struct, key string) string {
	if message == nil {
		return ""
	}
	value, ok := message.GetFields()[key]
	if !ok {
		return ""
	}
	return strings.TrimSpace(value.GetStringValue())
}

func stringsField(message *structpb.Struct, key string) []string {
	if message == nil {
		return nil
	}
	value, ok := message.GetFields()[key]
	if !ok {
		return nil
	}
	items := value.GetListValue().GetValues()
	result := make([]string, 0, len(items))
	for _, item := range items {
		result = append(result, item.GetStringValue())
	}
	return result
}

func anyStrings(values []string) []any {
	result := make([]any, 0, len(values))
	for _, value := range values {
		result = append(result, value)
	}
	return result
}

func amountField(message *structpb.Struct, key string) (marketplace.Amount, error) {
	return marketplace.ParseAmount(stringField(message, key))
}

func uint64Field(message *structpb.Struct, key string) (uint64, error) {
	raw := stringField(message, key)
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseUint(raw, 10, 64)
}
