package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

// PostgreSQL SQLSTATE
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
	codeLockNotAvailable     = "55P03"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	id         uuid PRIMARY KEY,
	name       text NOT NULL,
	balance    numeric(15,2) NOT NULL CHECK (balance >= 0),
	updated_at timestamptz NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS transfers (
	id              bigserial PRIMARY KEY,
	request_id      uuid NOT NULL UNIQUE,
	from_account_id uuid NOT NULL REFERENCES accounts(id),
	to_account_id   uuid NOT NULL REFERENCES accounts(id),
	amount          numeric(15,2) NOT NULL CHECK (amount > 0),
	created_at      timestamptz NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_transfers_from ON transfers(from_account_id);
CREATE INDEX IF NOT EXISTS idx_transfers_to ON transfers(to_account_id);
`

// querier 讓 pool 與 tx 共用查詢程式碼
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresLedger 以 pgx 交易實作 usecase.Store
type PostgresLedger struct {
	pool *pgxpool.Pool
}

func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Migrate 建立資料表 (IF NOT EXISTS，可重複執行)
func (l *PostgresLedger) Migrate(ctx context.Context) error {
	if _, err := l.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("migrate postgres schema: %w", err)
	}
	return nil
}

// Seed 寫入初始帳戶，已存在的帳戶不會被覆蓋
func (l *PostgresLedger) Seed(ctx context.Context, accounts []*domain.Account) error {
	batch := &pgx.Batch{}
	for _, acc := range accounts {
		batch.Queue(
			`INSERT INTO accounts (id, name, balance) VALUES ($1::uuid, $2, $3::numeric) ON CONFLICT (id) DO NOTHING`,
			acc.ID.String(), acc.Name, acc.Balance.String(),
		)
	}
	return l.pool.SendBatch(ctx, batch).Close()
}

// RunInTx Read Committed + 明確的 FOR UPDATE 行鎖
// 尚未 Commit 前的任何錯誤都會在 defer 中 Rollback
func (l *PostgresLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, uow usecase.UnitOfWork) error) error {
	tx, err := l.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", translateError(err))
	}
	defer func() {
		_ = tx.Rollback(context.WithoutCancel(ctx))
	}()

	if err := fn(ctx, &pgTx{q: tx}); err != nil {
		return translateError(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return translateError(err)
	}
	return nil
}

func (l *PostgresLedger) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, bool, error) {
	var (
		name    string
		balance string
	)
	err := l.pool.QueryRow(ctx,
		`SELECT name, balance::text FROM accounts WHERE id = $1::uuid`, id.String(),
	).Scan(&name, &balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return nil, false, fmt.Errorf("decode balance: %w", err)
	}
	return domain.NewAccount(id, name, amount), true, nil
}

func (l *PostgresLedger) ListAccounts(ctx context.Context) ([]domain.AccountSummary, error) {
	rows, err := l.pool.Query(ctx, `SELECT id::text FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, err
	}
	out := make([]domain.AccountSummary, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("decode account id: %w", err)
		}
		out = append(out, domain.AccountSummary{ID: id})
	}
	return out, nil
}

// SnapshotAccounts 單一 SELECT 在 PostgreSQL 下即為一致性快照
func (l *PostgresLedger) SnapshotAccounts(ctx context.Context) ([]domain.Account, error) {
	rows, err := l.pool.Query(ctx, `SELECT id::text, name, balance::text FROM accounts ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Account
	for rows.Next() {
		var rawID, name, balance string
		if err := rows.Scan(&rawID, &name, &balance); err != nil {
			return nil, err
		}
		id, err := uuid.Parse(rawID)
		if err != nil {
			return nil, fmt.Errorf("decode account id: %w", err)
		}
		amount, err := decimal.NewFromString(balance)
		if err != nil {
			return nil, fmt.Errorf("decode balance: %w", err)
		}
		out = append(out, domain.Account{ID: id, Name: name, Balance: amount})
	}
	return out, rows.Err()
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}

// pgTx 一個 pgx 交易內的 UnitOfWork
type pgTx struct {
	q querier
}

func (tx *pgTx) Balances() usecase.BalanceStore { return tx }
func (tx *pgTx) Transfers() usecase.TransferLedger { return tx }

// LockAccounts 每個帳戶各一個 FOR UPDATE，鎖定順序就是傳入順序
func (tx *pgTx) LockAccounts(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		rows, err := tx.q.Query(ctx, `SELECT 1 FROM accounts WHERE id = $1::uuid FOR UPDATE`, id.String())
		if err != nil {
			return err
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}
	return nil
}

func (tx *pgTx) GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, bool, error) {
	var balance string
	err := tx.q.QueryRow(ctx, `SELECT balance::text FROM accounts WHERE id = $1::uuid`, id.String()).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, false, nil
	}
	if err != nil {
		return decimal.Zero, false, err
	}
	amount, err := decimal.NewFromString(balance)
	if err != nil {
		return decimal.Zero, false, fmt.Errorf("decode balance: %w", err)
	}
	return amount, true, nil
}

// AdjustBalance 條件式 UPDATE，影響 0 筆時再查一次區分「不存在」與「餘額不足」
func (tx *pgTx) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	tag, err := tx.q.Exec(ctx,
		`UPDATE accounts SET balance = balance + $2::numeric, updated_at = now()
		 WHERE id = $1::uuid AND balance + $2::numeric >= 0`,
		id.String(), delta.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var exists bool
	if err := tx.q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE id = $1::uuid)`, id.String()).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return domain.ErrAccountNotFound
	}
	return domain.ErrNegativeBalance
}

func (tx *pgTx) Exists(ctx context.Context, requestID uuid.UUID) (bool, error) {
	var exists bool
	err := tx.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM transfers WHERE request_id = $1::uuid)`, requestID.String(),
	).Scan(&exists)
	return exists, err
}

// Append ON CONFLICT DO NOTHING 不會讓交易進入 aborted 狀態
// 若另一個交易同時插入同一個 request_id，會等它結束後才決定
func (tx *pgTx) Append(ctx context.Context, transfer *domain.Transfer) error {
	tag, err := tx.q.Exec(ctx,
		`INSERT INTO transfers (request_id, from_account_id, to_account_id, amount, created_at)
		 VALUES ($1::uuid, $2::uuid, $3::uuid, $4::numeric, $5)
		 ON CONFLICT (request_id) DO NOTHING`,
		transfer.RequestID.String(), transfer.From.String(), transfer.To.String(),
		transfer.Amount.String(), transfer.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return domain.DuplicateRequestID(transfer.RequestID)
		}
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.DuplicateRequestID(transfer.RequestID)
	}
	return nil
}

// translateError 序列化失敗與死鎖視為可重試的衝突
func translateError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected, codeLockNotAvailable:
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
	}
	return err
}

var _ usecase.Store = (*PostgresLedger)(nil)
