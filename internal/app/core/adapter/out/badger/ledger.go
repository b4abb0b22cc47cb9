package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

var (
	accountPrefix  = []byte("account/")
	transferPrefix = []byte("transfer/")
)

type accountValue struct {
	Name    string          `json:"name"`
	Balance decimal.Decimal `json:"balance"`
}

type transferValue struct {
	From      uuid.UUID       `json:"from"`
	To        uuid.UUID       `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// BadgerLedger 嵌入式 KV 後端
// badger 的交易是 SSI (樂觀並行控制)，沒有行鎖；兩個交易讀寫同一個 key 時後提交者拿到 ErrConflict，由引擎重試
type BadgerLedger struct {
	db *badger.DB
}

// Open 開啟資料庫，path 為空字串時使用純記憶體模式
func Open(path string, log zerolog.Logger) (*BadgerLedger, error) {
	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{log: log})
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger %q: %w", path, err)
	}
	return &BadgerLedger{db: db}, nil
}

// Seed 寫入初始帳戶，已存在的帳戶不會被覆蓋
func (l *BadgerLedger) Seed(ctx context.Context, accounts []*domain.Account) error {
	return l.db.Update(func(txn *badger.Txn) error {
		for _, acc := range accounts {
			key := accountKey(acc.ID)
			_, err := txn.Get(key)
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			if err := setJSON(txn, key, accountValue{Name: acc.Name, Balance: acc.Balance}); err != nil {
				return err
			}
		}
		return nil
	})
}

func (l *BadgerLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, uow usecase.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	txn := l.db.NewTransaction(true)
	defer txn.Discard()

	if err := fn(ctx, &badgerTx{txn: txn}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return fmt.Errorf("%w: %v", domain.ErrConflict, err)
		}
		return err
	}
	return nil
}

func (l *BadgerLedger) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, bool, error) {
	var (
		acc   *domain.Account
		found bool
	)
	err := l.db.View(func(txn *badger.Txn) error {
		var v accountValue
		ok, err := getJSON(txn, accountKey(id), &v)
		if err != nil || !ok {
			return err
		}
		acc, found = domain.NewAccount(id, v.Name, v.Balance), true
		return nil
	})
	return acc, found, err
}

func (l *BadgerLedger) ListAccounts(ctx context.Context) ([]domain.AccountSummary, error) {
	var out []domain.AccountSummary
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = accountPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id, err := idFromKey(it.Item().Key())
			if err != nil {
				return err
			}
			out = append(out, domain.AccountSummary{ID: id})
		}
		return nil
	})
	return out, err
}

// SnapshotAccounts View 交易本身就是一致性快照
func (l *BadgerLedger) SnapshotAccounts(ctx context.Context) ([]domain.Account, error) {
	var out []domain.Account
	err := l.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = accountPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id, err := idFromKey(item.Key())
			if err != nil {
				return err
			}
			var v accountValue
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &v)
			}); err != nil {
				return err
			}
			out = append(out, domain.Account{ID: id, Name: v.Name, Balance: v.Balance})
		}
		return nil
	})
	return out, err
}

func (l *BadgerLedger) Close() error {
	return l.db.Close()
}

type badgerTx struct {
	txn *badger.Txn
}

func (tx *badgerTx) Balances() usecase.BalanceStore { return tx }
func (tx *badgerTx) Transfers() usecase.TransferLedger { return tx }

// LockAccounts 樂觀並行控制不需要鎖，衝突在 Commit 時偵測
func (tx *badgerTx) LockAccounts(ctx context.Context, ids []uuid.UUID) error {
	return nil
}

func (tx *badgerTx) GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, bool, error) {
	var v accountValue
	ok, err := getJSON(tx.txn, accountKey(id), &v)
	if err != nil || !ok {
		return decimal.Zero, false, err
	}
	return v.Balance, true, nil
}

func (tx *badgerTx) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	key := accountKey(id)
	var v accountValue
	ok, err := getJSON(tx.txn, key, &v)
	if err != nil {
		return err
	}
	if !ok {
		return domain.ErrAccountNotFound
	}
	next := v.Balance.Add(delta)
	if next.IsNegative() {
		return domain.ErrNegativeBalance
	}
	v.Balance = next
	return setJSON(tx.txn, key, v)
}

func (tx *badgerTx) Exists(ctx context.Context, requestID uuid.UUID) (bool, error) {
	_, err := tx.txn.Get(transferKey(requestID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Append 先讀再寫，讀取會進入 read set，同時寫入同一個 requestID 的交易會在 Commit 時衝突
func (tx *badgerTx) Append(ctx context.Context, transfer *domain.Transfer) error {
	exists, err := tx.Exists(ctx, transfer.RequestID)
	if err != nil {
		return err
	}
	if exists {
		return domain.DuplicateRequestID(transfer.RequestID)
	}
	return setJSON(tx.txn, transferKey(transfer.RequestID), transferValue{
		From:      transfer.From,
		To:        transfer.To,
		Amount:    transfer.Amount,
		CreatedAt: transfer.CreatedAt,
	})
}

func accountKey(id uuid.UUID) []byte {
	return append(append([]byte{}, accountPrefix...), id[:]...)
}

func transferKey(id uuid.UUID) []byte {
	return append(append([]byte{}, transferPrefix...), id[:]...)
}

func idFromKey(key []byte) (uuid.UUID, error) {
	return uuid.FromBytes(key[len(accountPrefix):])
}

func getJSON(txn *badger.Txn, key []byte, out any) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, out)
	}); err != nil {
		return false, err
	}
	return true, nil
}

func setJSON(txn *badger.Txn, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}

// badgerLogger 將 badger 的 log 轉到 zerolog
type badgerLogger struct {
	log zerolog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.log.Error().Msgf(format, args...)
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.log.Warn().Msgf(format, args...)
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.log.Debug().Msgf(format, args...)
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.log.Trace().Msgf(format, args...)
}

var _ usecase.Store = (*BadgerLedger)(nil)
