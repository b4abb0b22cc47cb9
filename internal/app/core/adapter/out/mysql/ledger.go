package mysql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-transfer-ledger/pkg/mysql"
)

// MySQL 錯誤碼
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
)

// sqlAccount 對應資料庫的 accounts 表
type sqlAccount struct {
	ID        []byte          `gorm:"primaryKey;type:binary(16)"`
	Name      string          `gorm:"type:varchar(255);not null"`
	Balance   decimal.Decimal `gorm:"type:decimal(15,2);not null;check:chk_accounts_balance,balance >= 0"`
	UpdatedAt time.Time       `gorm:"type:datetime(6)"` // 自動更新時間
}

func (*sqlAccount) TableName() string {
	return "accounts"
}

// sqlTransfer 對應資料庫的 transfers 表
type sqlTransfer struct {
	ID            int64           `gorm:"primaryKey;autoIncrement"`
	RequestID     []byte          `gorm:"column:request_id;type:binary(16);uniqueIndex;not null"` // 冪等鍵
	FromAccountID []byte          `gorm:"type:binary(16);index;not null"`
	ToAccountID   []byte          `gorm:"type:binary(16);index;not null"`
	Amount        decimal.Decimal `gorm:"type:decimal(15,2);not null"`
	CreatedAt     time.Time       `gorm:"type:datetime(6);autoCreateTime:false;not null"`
}

func (*sqlTransfer) TableName() string {
	return "transfers"
}

// MySQLLedger 以 InnoDB 交易實作 usecase.Store
// 帳戶以 SELECT ... FOR UPDATE 依 ID 順序鎖定，扣款用條件式 UPDATE
type MySQLLedger struct {
	client *mysql.Client
}

func NewMySQLLedger(client *mysql.Client) *MySQLLedger {
	return &MySQLLedger{
		client: client,
	}
}

// Migrate 建立/更新資料表
func (ledger *MySQLLedger) Migrate(ctx context.Context) error {
	return ledger.client.DB().WithContext(ctx).AutoMigrate(&sqlAccount{}, &sqlTransfer{})
}

// Seed 寫入初始帳戶，已存在的帳戶不會被覆蓋
func (ledger *MySQLLedger) Seed(ctx context.Context, accounts []*domain.Account) error {
	if len(accounts) == 0 {
		return nil
	}
	rows := make([]sqlAccount, 0, len(accounts))
	for _, acc := range accounts {
		rows = append(rows, sqlAccount{
			ID:      acc.ID[:],
			Name:    acc.Name,
			Balance: acc.Balance,
		})
	}
	return ledger.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&rows).Error
}

// txOptions READ COMMITTED: 鎖定之後的讀取才會看到鎖定前剛提交的資料
// (REPEATABLE READ 的快照在第一個讀取就固定了)
var txOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// RunInTx 開啟一個 InnoDB 交易，fn 回傳錯誤或 panic 時 gorm 會自動 Rollback
func (ledger *MySQLLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, uow usecase.UnitOfWork) error) error {
	err := ledger.client.DB().WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(ctx, &sqlTx{db: tx})
	}, txOptions)
	return translateError(err)
}

// GetAccount 取得帳戶
func (ledger *MySQLLedger) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, bool, error) {
	var row sqlAccount
	err := ledger.client.DB().WithContext(ctx).Where("id = ?", id[:]).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	acc, err := row.toDomain()
	if err != nil {
		return nil, false, err
	}
	return acc, true, nil
}

// ListAccounts 依 ID 排序列出帳戶
func (ledger *MySQLLedger) ListAccounts(ctx context.Context) ([]domain.AccountSummary, error) {
	var ids [][]byte
	if err := ledger.client.DB().WithContext(ctx).Model(&sqlAccount{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, err
	}
	out := make([]domain.AccountSummary, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.FromBytes(raw)
		if err != nil {
			return nil, fmt.Errorf("decode account id: %w", err)
		}
		out = append(out, domain.AccountSummary{ID: id})
	}
	return out, nil
}

// SnapshotAccounts 單一 SELECT 在 InnoDB 下即為一致性讀取
func (ledger *MySQLLedger) SnapshotAccounts(ctx context.Context) ([]domain.Account, error) {
	var rows []sqlAccount
	if err := ledger.client.DB().WithContext(ctx).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]domain.Account, 0, len(rows))
	for i := range rows {
		acc, err := rows[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, *acc)
	}
	return out, nil
}

func (ledger *MySQLLedger) Close() error {
	return ledger.client.Close()
}

func (row *sqlAccount) toDomain() (*domain.Account, error) {
	id, err := uuid.FromBytes(row.ID)
	if err != nil {
		return nil, fmt.Errorf("decode account id: %w", err)
	}
	return domain.NewAccount(id, row.Name, row.Balance), nil
}

// sqlTx 一個 gorm 交易內的 UnitOfWork
type sqlTx struct {
	db *gorm.DB
}

func (tx *sqlTx) Balances() usecase.BalanceStore { return tx }
func (tx *sqlTx) Transfers() usecase.TransferLedger { return tx }

// LockAccounts 每個帳戶各一個 FOR UPDATE，鎖定順序就是傳入順序
func (tx *sqlTx) LockAccounts(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		var rows []sqlAccount
		err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
			Select("id").
			Where("id = ?", id[:]).
			Find(&rows).Error
		if err != nil {
			return err
		}
	}
	return nil
}

// GetBalance 用鎖定讀取，一定讀到最新提交的餘額
func (tx *sqlTx) GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, bool, error) {
	var row sqlAccount
	err := tx.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("balance").
		Where("id = ?", id[:]).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	return row.Balance, true, nil
}

// AdjustBalance 以條件式 UPDATE 一次完成檢查與更新
// 影響 0 筆代表帳戶不存在或餘額會變負數，再查一次區分兩者
func (tx *sqlTx) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	res := tx.db.Model(&sqlAccount{}).
		Where("id = ? AND balance + CAST(? AS DECIMAL(15,2)) >= 0", id[:], delta.String()).
		Update("balance", gorm.Expr("balance + CAST(? AS DECIMAL(15,2))", delta.String()))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	var count int64
	if err := tx.db.Model(&sqlAccount{}).Where("id = ?", id[:]).Count(&count).Error; err != nil {
		return err
	}
	if count == 0 {
		return domain.ErrAccountNotFound
	}
	return domain.ErrNegativeBalance
}

func (tx *sqlTx) Exists(ctx context.Context, requestID uuid.UUID) (bool, error) {
	var count int64
	err := tx.db.Model(&sqlTransfer{}).Where("request_id = ?", requestID[:]).Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// Append 唯一性由 request_id 的 unique index 保證
func (tx *sqlTx) Append(ctx context.Context, transfer *domain.Transfer) error {
	row := sqlTransfer{
		RequestID:     transfer.RequestID[:],
		FromAccountID: transfer.From[:],
		ToAccountID:   transfer.To[:],
		Amount:        transfer.Amount,
		CreatedAt:     transfer.CreatedAt,
	}
	err := tx.db.Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return domain.DuplicateRequestID(transfer.RequestID)
	}
	return err
}

// translateError 死鎖與鎖等待逾時視為可重試的衝突
func translateError(err error) error {
	if err == nil {
		return nil
	}
	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case errDeadlock, errLockWaitTimeout:
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
	}
	return err
}

var _ usecase.Store = (*MySQLLedger)(nil)
