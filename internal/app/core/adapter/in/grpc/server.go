package grpc

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

type GrpcServer struct {
	engine *usecase.TransferEngine
}

func NewGrpcServer(engine *usecase.TransferEngine) *GrpcServer {
	return &GrpcServer{
		engine: engine,
	}
}

func (s *GrpcServer) Transfer(ctx context.Context, req *TransferRequest) (*TransferResponse, error) {
	// 1. 解析參數
	requestID, err := uuid.Parse(req.RequestId)
	if err != nil {
		return nil, invalidArgument("requestId", err)
	}
	from, err := uuid.Parse(req.FromAccountId)
	if err != nil {
		return nil, invalidArgument("fromAccountId", err)
	}
	to, err := uuid.Parse(req.ToAccountId)
	if err != nil {
		return nil, invalidArgument("toAccountId", err)
	}
	// 只解析格式，範圍與精度由 engine 在冪等檢查之後判斷
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return nil, toStatus(&domain.Error{Kind: domain.KindInvalidAmount, Err: err})
	}

	// 2. 執行轉帳
	transfer, err := s.engine.Transfer(ctx, requestID, from, to, amount)
	if err != nil {
		return nil, toStatus(err)
	}

	return &TransferResponse{
		RequestId: transfer.RequestID.String(),
		Amount:    domain.FormatAmount(transfer.Amount),
		CreatedAt: timestamppb.New(transfer.CreatedAt),
	}, nil
}

func (s *GrpcServer) GetAccount(ctx context.Context, req *GetAccountRequest) (*Account, error) {
	id, err := uuid.Parse(req.AccountId)
	if err != nil {
		return nil, invalidArgument("accountId", err)
	}
	account, found, err := s.engine.GetAccount(ctx, id)
	if err != nil {
		return nil, toStatus(err)
	}
	if !found {
		return nil, status.Errorf(codes.NotFound, "account not found '%s'", id)
	}
	return &Account{
		Id:      account.ID.String(),
		Name:    account.Name,
		Balance: domain.FormatAmount(account.Balance),
	}, nil
}

func (s *GrpcServer) ListAccounts(ctx context.Context, req *ListAccountsRequest) (*ListAccountsResponse, error) {
	accounts, err := s.engine.ListAccounts(ctx)
	if err != nil {
		return nil, toStatus(err)
	}
	resp := &ListAccountsResponse{Accounts: make([]AccountSummary, 0, len(accounts))}
	for _, acc := range accounts {
		resp.Accounts = append(resp.Accounts, AccountSummary{Id: acc.ID.String()})
	}
	return resp, nil
}

var _ TransferServiceServer = (*GrpcServer)(nil)
