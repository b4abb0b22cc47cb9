package usecase

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
)

// BalanceStore 帳戶餘額的唯一擁有者
type BalanceStore interface {
	// LockAccounts 依傳入順序鎖定帳戶，不存在的帳戶直接略過
	// 呼叫端必須使用 domain.LockOrder 排序
	LockAccounts(ctx context.Context, ids []uuid.UUID) error
	// GetBalance 找不到帳戶時回傳 found=false，不回傳錯誤
	GetBalance(ctx context.Context, id uuid.UUID) (balance decimal.Decimal, found bool, err error)
	// AdjustBalance 原子地套用 balance += delta
	// 帳戶不存在回傳 domain.ErrAccountNotFound，餘額會變負數回傳 domain.ErrNegativeBalance
	AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error
}

// TransferLedger 只能新增的轉帳紀錄
type TransferLedger interface {
	// Exists 檢查 requestID 是否已提交
	Exists(ctx context.Context, requestID uuid.UUID) (bool, error)
	// Append 新增紀錄，唯一性由儲存層保證 (重複時回傳 domain.ErrDuplicateRequestID)
	Append(ctx context.Context, transfer *domain.Transfer) error
}

// UnitOfWork 同一個交易範圍內的兩個 store
type UnitOfWork interface {
	Balances() BalanceStore
	Transfers() TransferLedger
}

// TxManager 負責開啟/提交/回滾交易
// fn 回傳 nil 時提交，其餘任何情況 (錯誤、panic、ctx 取消) 都回滾
type TxManager interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context, uow UnitOfWork) error) error
}

// AccountReader 唯讀查詢
type AccountReader interface {
	ListAccounts(ctx context.Context) ([]domain.AccountSummary, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, bool, error)
	// SnapshotAccounts 一致性快照 (同一時間點的所有帳戶)，供對帳使用
	SnapshotAccounts(ctx context.Context) ([]domain.Account, error)
}

// Store 每一種儲存後端都要實作
type Store interface {
	TxManager
	AccountReader
	Close() error
}

// RequestCache 已提交 requestID 的快取 (只記錄存在，不記錄不存在)
// 只作為提前回傳的參考，真正的保證是 TransferLedger 的唯一鍵
type RequestCache interface {
	Seen(ctx context.Context, requestID uuid.UUID) (bool, error)
	Remember(ctx context.Context, requestID uuid.UUID) error
}

// EventPublisher 提交後發布事件，失敗不影響轉帳結果
type EventPublisher interface {
	PublishTransferCommitted(ctx context.Context, transfer domain.Transfer) error
}
