package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-transfer-ledger/pkg/wal"
)

// accountEntry 單一帳戶與它自己的鎖
// 交易持有寫鎖直到提交或回滾，所以其他人看不到中間狀態
type accountEntry struct {
	mu      sync.RWMutex
	account domain.Account
}

// MutexLedger 是一個使用 Mutex 實現的帳本
//
// 結構:
//
//	accounts: 帳戶資料 Map (建立後不再新增或刪除，只有餘額會變)
//	transfers: 已提交的轉帳，由 trMu 保護
//	wal: Write-Ahead Log 實例 (可為 nil，純記憶體)
type MutexLedger struct {
	accounts  map[uuid.UUID]*accountEntry
	trMu      sync.RWMutex
	transfers map[uuid.UUID]domain.Transfer
	wal       *wal.WAL
}

// NewMutexLedger 建立一個新的 MutexLedger 實例
//
// 參數:
//
//	accounts: 初始帳戶資料
//	w: Write-Ahead Log 實例 (nil 代表不落地)
//
// 回傳:
//
//	*MutexLedger: MutexLedger 實例
//	error: 初始化錯誤 (如 WAL 恢復失敗)
func NewMutexLedger(accounts []*domain.Account, w *wal.WAL) (*MutexLedger, error) {
	ledger := &MutexLedger{
		accounts:  make(map[uuid.UUID]*accountEntry, len(accounts)),
		transfers: make(map[uuid.UUID]domain.Transfer),
		wal:       w,
	}
	for _, acc := range accounts {
		if acc.Balance.IsNegative() {
			return nil, fmt.Errorf("account %s has negative opening balance", acc.ID)
		}
		ledger.accounts[acc.ID] = &accountEntry{account: *acc}
	}
	if w != nil {
		if err := ledger.recoverFromWAL(); err != nil {
			return nil, err
		}
	}
	return ledger, nil
}

// recoverFromWAL 從 WAL 檔案恢復帳本狀態
// 只有 NewMutexLedger 呼叫，無需 Lock (單執行緒)
func (m *MutexLedger) recoverFromWAL() error {
	return replayWAL(m.wal, func(rec domain.Transfer) error {
		from, ok := m.accounts[rec.From]
		if !ok {
			return fmt.Errorf("wal replay %s: unknown account %s", rec.RequestID, rec.From)
		}
		to, ok := m.accounts[rec.To]
		if !ok {
			return fmt.Errorf("wal replay %s: unknown account %s", rec.RequestID, rec.To)
		}
		if !from.account.CanApply(rec.Amount.Neg()) {
			return fmt.Errorf("wal replay %s: account %s would become negative", rec.RequestID, rec.From)
		}
		from.account.Balance = from.account.Balance.Sub(rec.Amount)
		to.account.Balance = to.account.Balance.Add(rec.Amount)
		m.transfers[rec.RequestID] = rec
		return nil
	})
}

// RunInTx 執行交易
// fn 成功且 ctx 未取消才提交；其他情況依 undo log 還原餘額
func (m *MutexLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, uow usecase.UnitOfWork) error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{ledger: m, locked: make(map[uuid.UUID]*accountEntry, 2)}
	committed := false
	defer func() {
		if !committed {
			tx.rollback()
		}
		tx.unlock()
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := tx.commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// GetAccount 取得帳戶
func (m *MutexLedger) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, bool, error) {
	entry, ok := m.accounts[id]
	if !ok {
		return nil, false, nil
	}
	entry.mu.RLock()
	acc := entry.account
	entry.mu.RUnlock()
	return &acc, true, nil
}

// ListAccounts 依 ID 排序列出帳戶
func (m *MutexLedger) ListAccounts(ctx context.Context) ([]domain.AccountSummary, error) {
	ids := m.sortedIDs()
	out := make([]domain.AccountSummary, 0, len(ids))
	for _, id := range ids {
		out = append(out, domain.AccountSummary{ID: id})
	}
	return out, nil
}

// SnapshotAccounts 依 ID 順序取得所有讀鎖後一次複製
func (m *MutexLedger) SnapshotAccounts(ctx context.Context) ([]domain.Account, error) {
	ids := m.sortedIDs()
	entries := make([]*accountEntry, 0, len(ids))
	for _, id := range ids {
		entry := m.accounts[id]
		entry.mu.RLock()
		entries = append(entries, entry)
	}
	out := make([]domain.Account, 0, len(entries))
	for _, entry := range entries {
		out = append(out, entry.account)
	}
	for i := len(entries) - 1; i >= 0; i-- {
		entries[i].mu.RUnlock()
	}
	return out, nil
}

// TransferCount 已提交的轉帳筆數
func (m *MutexLedger) TransferCount() int {
	m.trMu.RLock()
	defer m.trMu.RUnlock()
	return len(m.transfers)
}

// Close 關閉 WAL
func (m *MutexLedger) Close() error {
	if m.wal == nil {
		return nil
	}
	return m.wal.Close()
}

func (m *MutexLedger) sortedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

type undoEntry struct {
	entry   *accountEntry
	balance decimal.Decimal
}

// memTx 同時實作 UnitOfWork / BalanceStore / TransferLedger
type memTx struct {
	ledger *MutexLedger
	locked map[uuid.UUID]*accountEntry
	order  []*accountEntry
	undo   []undoEntry
	staged []domain.Transfer
}

func (tx *memTx) Balances() usecase.BalanceStore { return tx }
func (tx *memTx) Transfers() usecase.TransferLedger { return tx }

func (tx *memTx) LockAccounts(ctx context.Context, ids []uuid.UUID) error {
	for _, id := range ids {
		tx.lock(id)
	}
	return nil
}

func (tx *memTx) lock(id uuid.UUID) *accountEntry {
	if entry, ok := tx.locked[id]; ok {
		return entry
	}
	entry, ok := tx.ledger.accounts[id]
	if !ok {
		return nil
	}
	entry.mu.Lock()
	tx.locked[id] = entry
	tx.order = append(tx.order, entry)
	return entry
}

func (tx *memTx) GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, bool, error) {
	if entry, ok := tx.locked[id]; ok {
		return entry.account.Balance, true, nil
	}
	entry, ok := tx.ledger.accounts[id]
	if !ok {
		return decimal.Zero, false, nil
	}
	entry.mu.RLock()
	defer entry.mu.RUnlock()
	return entry.account.Balance, true, nil
}

// AdjustBalance 檢查與更新在同一把鎖內完成
func (tx *memTx) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	entry := tx.lock(id)
	if entry == nil {
		return domain.ErrAccountNotFound
	}
	if !entry.account.CanApply(delta) {
		return domain.ErrNegativeBalance
	}
	tx.undo = append(tx.undo, undoEntry{entry: entry, balance: entry.account.Balance})
	entry.account.Balance = entry.account.Balance.Add(delta)
	return nil
}

func (tx *memTx) Exists(ctx context.Context, requestID uuid.UUID) (bool, error) {
	for _, t := range tx.staged {
		if t.RequestID == requestID {
			return true, nil
		}
	}
	tx.ledger.trMu.RLock()
	defer tx.ledger.trMu.RUnlock()
	_, ok := tx.ledger.transfers[requestID]
	return ok, nil
}

func (tx *memTx) Append(ctx context.Context, transfer *domain.Transfer) error {
	exists, _ := tx.Exists(ctx, transfer.RequestID)
	if exists {
		return domain.DuplicateRequestID(transfer.RequestID)
	}
	tx.staged = append(tx.staged, *transfer)
	return nil
}

// commit 在 ledger 鎖內再檢查一次唯一性 (對應資料庫的 unique index)
// 1. 寫入 WAL (Critical Path)
// 2. 寫入記憶體
func (tx *memTx) commit() error {
	if len(tx.staged) == 0 {
		return nil
	}
	l := tx.ledger
	l.trMu.Lock()
	defer l.trMu.Unlock()

	for _, t := range tx.staged {
		if _, ok := l.transfers[t.RequestID]; ok {
			return domain.DuplicateRequestID(t.RequestID)
		}
	}
	if err := appendWAL(l.wal, tx.staged); err != nil {
		return err
	}
	for _, t := range tx.staged {
		l.transfers[t.RequestID] = t
	}
	return nil
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		u := tx.undo[i]
		u.entry.account.Balance = u.balance
	}
	tx.undo = nil
	tx.staged = nil
}

func (tx *memTx) unlock() {
	for i := len(tx.order) - 1; i >= 0; i-- {
		tx.order[i].mu.Unlock()
	}
	tx.order = nil
	tx.locked = nil
}

var _ usecase.Store = (*MutexLedger)(nil)
