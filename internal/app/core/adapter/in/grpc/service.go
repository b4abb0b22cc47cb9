package grpc

import (
	"context"

	"google.golang.org/grpc"

	pkggrpc "github.com/JoeShih716/go-transfer-ledger/pkg/grpc"
)

const (
	ServiceName = "ledger.v1.TransferService"

	transferMethod     = "/" + ServiceName + "/Transfer"
	getAccountMethod   = "/" + ServiceName + "/GetAccount"
	listAccountsMethod = "/" + ServiceName + "/ListAccounts"
)

// TransferServiceServer gRPC 服務介面
type TransferServiceServer interface {
	Transfer(ctx context.Context, req *TransferRequest) (*TransferResponse, error)
	GetAccount(ctx context.Context, req *GetAccountRequest) (*Account, error)
	ListAccounts(ctx context.Context, req *ListAccountsRequest) (*ListAccountsResponse, error)
}

// TransferServiceDesc 手寫的 ServiceDesc，訊息以 JSON codec 編碼
var TransferServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TransferServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Transfer", Handler: transferHandler},
		{MethodName: "GetAccount", Handler: getAccountHandler},
		{MethodName: "ListAccounts", Handler: listAccountsHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "ledger/v1/transfer.json",
}

// RegisterTransferServiceServer 註冊服務
func RegisterTransferServiceServer(s grpc.ServiceRegistrar, srv TransferServiceServer) {
	s.RegisterService(&TransferServiceDesc, srv)
}

func transferHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(TransferRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransferServiceServer).Transfer(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: transferMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransferServiceServer).Transfer(ctx, req.(*TransferRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func getAccountHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(GetAccountRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransferServiceServer).GetAccount(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getAccountMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransferServiceServer).GetAccount(ctx, req.(*GetAccountRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func listAccountsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(ListAccountsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(TransferServiceServer).ListAccounts(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: listAccountsMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(TransferServiceServer).ListAccounts(ctx, req.(*ListAccountsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// TransferServiceClient 客戶端，每次呼叫都使用 JSON codec
type TransferServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewTransferServiceClient(cc grpc.ClientConnInterface) *TransferServiceClient {
	return &TransferServiceClient{cc: cc}
}

func (c *TransferServiceClient) invoke(ctx context.Context, method string, in, out any, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(pkggrpc.CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *TransferServiceClient) Transfer(ctx context.Context, in *TransferRequest, opts ...grpc.CallOption) (*TransferResponse, error) {
	out := new(TransferResponse)
	if err := c.invoke(ctx, transferMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TransferServiceClient) GetAccount(ctx context.Context, in *GetAccountRequest, opts ...grpc.CallOption) (*Account, error) {
	out := new(Account)
	if err := c.invoke(ctx, getAccountMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *TransferServiceClient) ListAccounts(ctx context.Context, in *ListAccountsRequest, opts ...grpc.CallOption) (*ListAccountsResponse, error) {
	out := new(ListAccountsResponse)
	if err := c.invoke(ctx, listAccountsMethod, in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}
