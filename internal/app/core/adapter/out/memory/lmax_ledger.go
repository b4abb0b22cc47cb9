package memory

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
	"github.com/JoeShih716/go-transfer-ledger/pkg/wal"
)

// ErrLedgerClosed Close 之後送進來的交易
var ErrLedgerClosed = errors.New("ledger is closed")

// ledgerRequest 包裝交易或查詢，讓呼叫端可以等待結果
type ledgerRequest struct {
	ctx  context.Context
	tx   func(ctx context.Context, uow usecase.UnitOfWork) error
	read func()
	// Result 讓 RunInTx 等這個 channel
	Result chan error
}

// LMAXLedger 單一寫入者帳本
// 所有交易與查詢都排進同一條輸送帶，由 run loop 依序執行，因此狀態本身不需要鎖
//
// RunInTx(等待) -> Channel -> Run Loop (核心) -> fn -> WAL -> Map Update -> Result Channel -> RunInTx(收到結果)
type LMAXLedger struct {
	accounts map[uuid.UUID]*domain.Account
	// 已提交的轉帳
	transfers map[uuid.UUID]domain.Transfer
	// Write-Ahead Logging (可為 nil)
	wal *wal.WAL
	// 輸送帶 負責接收請求
	requests chan *ledgerRequest
	// Pool 減少 GC 壓力
	requestPool sync.Pool

	closeMu sync.RWMutex
	closed  bool
	stop    chan struct{}
	done    chan struct{}
}

// NewLMAXLedger 建立帳本、重播 WAL 並啟動 run loop
//
// 參數:
//
//	accounts: 初始帳戶資料
//	w: Write-Ahead Log 實例 (nil 代表不落地)
//	bufferSize: 輸送帶容量 (<= 0 使用 1024)
func NewLMAXLedger(accounts []*domain.Account, w *wal.WAL, bufferSize int) (*LMAXLedger, error) {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	ledger := &LMAXLedger{
		accounts:  make(map[uuid.UUID]*domain.Account, len(accounts)),
		transfers: make(map[uuid.UUID]domain.Transfer),
		wal:       w,
		requests:  make(chan *ledgerRequest, bufferSize),
		requestPool: sync.Pool{
			New: func() interface{} {
				return &ledgerRequest{Result: make(chan error, 1)}
			},
		},
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	for _, acc := range accounts {
		if acc.Balance.IsNegative() {
			return nil, fmt.Errorf("account %s has negative opening balance", acc.ID)
		}
		copied := *acc
		ledger.accounts[acc.ID] = &copied
	}

	// 在啟動前先恢復資料 (單執行緒，不經過輸送帶)
	if w != nil {
		if err := replayWAL(w, ledger.applyRecovered); err != nil {
			return nil, err
		}
	}

	go ledger.run()
	return ledger, nil
}

func (l *LMAXLedger) applyRecovered(t domain.Transfer) error {
	from, ok := l.accounts[t.From]
	if !ok {
		return fmt.Errorf("wal replay %s: unknown account %s", t.RequestID, t.From)
	}
	to, ok := l.accounts[t.To]
	if !ok {
		return fmt.Errorf("wal replay %s: unknown account %s", t.RequestID, t.To)
	}
	if !from.CanApply(t.Amount.Neg()) {
		return fmt.Errorf("wal replay %s: account %s would become negative", t.RequestID, t.From)
	}
	from.Balance = from.Balance.Sub(t.Amount)
	to.Balance = to.Balance.Add(t.Amount)
	l.transfers[t.RequestID] = t
	return nil
}

// RunInTx 把交易排進輸送帶並等待結果
func (l *LMAXLedger) RunInTx(ctx context.Context, fn func(ctx context.Context, uow usecase.UnitOfWork) error) error {
	req := l.requestPool.Get().(*ledgerRequest)
	req.ctx, req.tx = ctx, fn
	return l.submit(ctx, req)
}

// submit 送出後一定等到 run loop 回覆，request 才能放回 pool
func (l *LMAXLedger) submit(ctx context.Context, req *ledgerRequest) error {
	release := func() {
		req.ctx, req.tx, req.read = nil, nil, nil
		l.requestPool.Put(req)
	}
	if err := ctx.Err(); err != nil {
		release()
		return err
	}

	l.closeMu.RLock()
	if l.closed {
		l.closeMu.RUnlock()
		release()
		return ErrLedgerClosed
	}
	select {
	case l.requests <- req:
	case <-ctx.Done():
		l.closeMu.RUnlock()
		release()
		return ctx.Err()
	}
	l.closeMu.RUnlock()

	err := <-req.Result
	release()
	return err
}

// view 在 run loop 上執行唯讀查詢
func (l *LMAXLedger) view(ctx context.Context, read func()) error {
	req := l.requestPool.Get().(*ledgerRequest)
	req.ctx, req.read = ctx, read
	return l.submit(ctx, req)
}

func (l *LMAXLedger) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, bool, error) {
	var (
		acc   domain.Account
		found bool
	)
	err := l.view(ctx, func() {
		if a, ok := l.accounts[id]; ok {
			acc, found = *a, true
		}
	})
	if err != nil || !found {
		return nil, false, err
	}
	return &acc, true, nil
}

func (l *LMAXLedger) ListAccounts(ctx context.Context) ([]domain.AccountSummary, error) {
	var out []domain.AccountSummary
	err := l.view(ctx, func() {
		out = make([]domain.AccountSummary, 0, len(l.accounts))
		for _, id := range l.sortedIDs() {
			out = append(out, domain.AccountSummary{ID: id})
		}
	})
	return out, err
}

// SnapshotAccounts run loop 一次只做一件事，所以任何查詢都是一致的快照
func (l *LMAXLedger) SnapshotAccounts(ctx context.Context) ([]domain.Account, error) {
	var out []domain.Account
	err := l.view(ctx, func() {
		out = make([]domain.Account, 0, len(l.accounts))
		for _, id := range l.sortedIDs() {
			out = append(out, *l.accounts[id])
		}
	})
	return out, err
}

// TransferCount 已提交的轉帳筆數
func (l *LMAXLedger) TransferCount(ctx context.Context) (int, error) {
	var n int
	err := l.view(ctx, func() { n = len(l.transfers) })
	return n, err
}

// Close 停止接收新請求，處理完輸送帶上剩下的請求後關閉 WAL
func (l *LMAXLedger) Close() error {
	l.closeMu.Lock()
	if l.closed {
		l.closeMu.Unlock()
		return nil
	}
	l.closed = true
	close(l.stop)
	l.closeMu.Unlock()

	<-l.done
	if l.wal == nil {
		return nil
	}
	return l.wal.Close()
}

func (l *LMAXLedger) run() {
	defer close(l.done)
	for {
		select {
		case <-l.stop:
			// 收到關閉信號，把剩下的請求處理完
			l.drain()
			return
		case req := <-l.requests:
			l.process(req)
		}
	}
}

func (l *LMAXLedger) drain() {
	for {
		select {
		case req := <-l.requests:
			l.process(req)
		default:
			return
		}
	}
}

// process 處理單一請求並回傳結果
func (l *LMAXLedger) process(req *ledgerRequest) {
	if err := req.ctx.Err(); err != nil {
		req.Result <- err
		return
	}
	if req.read != nil {
		req.read()
		req.Result <- nil
		return
	}
	req.Result <- l.execute(req.ctx, req.tx)
}

// execute 執行交易；fn 失敗、panic 或 ctx 取消時依 undo log 還原
func (l *LMAXLedger) execute(ctx context.Context, fn func(ctx context.Context, uow usecase.UnitOfWork) error) (err error) {
	tx := &lmaxTx{ledger: l}
	committed := false
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("transaction panicked: %v", r)
		}
		if !committed {
			tx.rollback()
		}
	}()

	if err := fn(ctx, tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// 1. 寫入 WAL (Critical Path)
	if err := appendWAL(l.wal, tx.staged); err != nil {
		return err
	}
	// 2. 寫入記憶體
	for _, t := range tx.staged {
		l.transfers[t.RequestID] = t
	}
	committed = true
	return nil
}

func (l *LMAXLedger) sortedIDs() []uuid.UUID {
	ids := make([]uuid.UUID, 0, len(l.accounts))
	for id := range l.accounts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids
}

type lmaxUndo struct {
	account *domain.Account
	balance decimal.Decimal
}

// lmaxTx 只在 run loop 上使用
type lmaxTx struct {
	ledger *LMAXLedger
	undo   []lmaxUndo
	staged []domain.Transfer
}

func (tx *lmaxTx) Balances() usecase.BalanceStore { return tx }
func (tx *lmaxTx) Transfers() usecase.TransferLedger { return tx }

// LockAccounts 單一寫入者不需要鎖
func (tx *lmaxTx) LockAccounts(ctx context.Context, ids []uuid.UUID) error {
	return nil
}

func (tx *lmaxTx) GetBalance(ctx context.Context, id uuid.UUID) (decimal.Decimal, bool, error) {
	acc, ok := tx.ledger.accounts[id]
	if !ok {
		return decimal.Zero, false, nil
	}
	return acc.Balance, true, nil
}

func (tx *lmaxTx) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	acc, ok := tx.ledger.accounts[id]
	if !ok {
		return domain.ErrAccountNotFound
	}
	if !acc.CanApply(delta) {
		return domain.ErrNegativeBalance
	}
	tx.undo = append(tx.undo, lmaxUndo{account: acc, balance: acc.Balance})
	acc.Balance = acc.Balance.Add(delta)
	return nil
}

func (tx *lmaxTx) Exists(ctx context.Context, requestID uuid.UUID) (bool, error) {
	for _, t := range tx.staged {
		if t.RequestID == requestID {
			return true, nil
		}
	}
	_, ok := tx.ledger.transfers[requestID]
	return ok, nil
}

func (tx *lmaxTx) Append(ctx context.Context, transfer *domain.Transfer) error {
	exists, _ := tx.Exists(ctx, transfer.RequestID)
	if exists {
		return domain.DuplicateRequestID(transfer.RequestID)
	}
	tx.staged = append(tx.staged, *transfer)
	return nil
}

func (tx *lmaxTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i].account.Balance = tx.undo[i].balance
	}
	tx.undo = nil
	tx.staged = nil
}

var _ usecase.Store = (*LMAXLedger)(nil)
