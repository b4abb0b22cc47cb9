// Package storetest 提供所有 usecase.Store 實作共用的行為測試
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

// Factory 依初始帳戶建立一個全新的 Store
// 各後端自行負責清理 (t.Cleanup)
type Factory func(t *testing.T, accounts []*domain.Account) usecase.Store

// Run 執行整組行為測試
func Run(t *testing.T, newStore Factory) {
	t.Run("AdjustAndAppendCommit", func(t *testing.T) { testCommit(t, newStore) })
	t.Run("NegativeBalanceRejected", func(t *testing.T) { testNegative(t, newStore) })
	t.Run("UnknownAccount", func(t *testing.T) { testUnknownAccount(t, newStore) })
	t.Run("DuplicateRequestID", func(t *testing.T) { testDuplicate(t, newStore) })
	t.Run("RollbackOnError", func(t *testing.T) { testRollback(t, newStore) })
	t.Run("ConcurrentTransfersConserveTotal", func(t *testing.T) { testConcurrent(t, newStore) })
	t.Run("Readers", func(t *testing.T) { testReaders(t, newStore) })
}

// RunLockedRead 給以列鎖實作的後端 (單一寫入者與 SSI 後端不適用)
// 交易開始後、鎖定前提交的入帳，鎖定之後必須讀得到
func RunLockedRead(t *testing.T, newStore Factory) {
	t.Run("LockedReadSeesEarlierCredit", func(t *testing.T) { testLockedRead(t, newStore) })
}

type fixture struct {
	a, b  uuid.UUID
	store usecase.Store
}

func newFixture(t *testing.T, newStore Factory, balanceA, balanceB string) fixture {
	t.Helper()
	a, b := uuid.New(), uuid.New()
	store := newStore(t, []*domain.Account{
		domain.NewAccount(a, "A", decimal.RequireFromString(balanceA)),
		domain.NewAccount(b, "B", decimal.RequireFromString(balanceB)),
	})
	return fixture{a: a, b: b, store: store}
}

// Move 以引擎相同的步驟在一個交易內轉帳
func Move(ctx context.Context, store usecase.Store, requestID, from, to uuid.UUID, amount decimal.Decimal) error {
	return store.RunInTx(ctx, func(ctx context.Context, uow usecase.UnitOfWork) error {
		if err := uow.Balances().LockAccounts(ctx, domain.LockOrder(from, to)); err != nil {
			return err
		}
		if err := uow.Balances().AdjustBalance(ctx, from, amount.Neg()); err != nil {
			return err
		}
		if err := uow.Balances().AdjustBalance(ctx, to, amount); err != nil {
			return err
		}
		return uow.Transfers().Append(ctx, &domain.Transfer{
			RequestID: requestID,
			From:      from,
			To:        to,
			Amount:    amount,
			CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		})
	})
}

// BalanceOf 讀取帳戶餘額並格式化成兩位小數
func BalanceOf(t *testing.T, store usecase.Store, id uuid.UUID) string {
	t.Helper()
	acc, found, err := store.GetAccount(context.Background(), id)
	if err != nil {
		t.Fatalf("GetAccount(%s): %v", id, err)
	}
	if !found {
		t.Fatalf("GetAccount(%s): not found", id)
	}
	return domain.FormatAmount(acc.Balance)
}

func testCommit(t *testing.T, newStore Factory) {
	f := newFixture(t, newStore, "100.20", "0.50")
	ctx := context.Background()
	requestID := uuid.New()

	if err := Move(ctx, f.store, requestID, f.a, f.b, decimal.RequireFromString("100.20")); err != nil {
		t.Fatalf("Move: %v", err)
	}
	if got := BalanceOf(t, f.store, f.a); got != "0.00" {
		t.Fatalf("balance(a) = %s, want 0.00", got)
	}
	if got := BalanceOf(t, f.store, f.b); got != "100.70" {
		t.Fatalf("balance(b) = %s, want 100.70", got)
	}

	err := f.store.RunInTx(ctx, func(ctx context.Context, uow usecase.UnitOfWork) error {
		exists, err := uow.Transfers().Exists(ctx, requestID)
		if err != nil {
			return err
		}
		if !exists {
			t.Errorf("Exists(%s) = false after commit", requestID)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
}

func testNegative(t *testing.T, newStore Factory) {
	f := newFixture(t, newStore, "0.50", "0.00")
	err := Move(context.Background(), f.store, uuid.New(), f.a, f.b, decimal.RequireFromString("0.51"))
	if !errors.Is(err, domain.ErrNegativeBalance) {
		t.Fatalf("err = %v, want ErrNegativeBalance", err)
	}
	if got := BalanceOf(t, f.store, f.a); got != "0.50" {
		t.Fatalf("balance(a) = %s, want 0.50", got)
	}
	if got := BalanceOf(t, f.store, f.b); got != "0.00" {
		t.Fatalf("balance(b) = %s, want 0.00", got)
	}
}

func testUnknownAccount(t *testing.T, newStore Factory) {
	f := newFixture(t, newStore, "10.00", "0.00")
	ctx := context.Background()
	ghost := uuid.New()

	err := Move(ctx, f.store, uuid.New(), f.a, ghost, decimal.RequireFromString("1.00"))
	if !errors.Is(err, domain.ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
	// 已扣的款必須回滾
	if got := BalanceOf(t, f.store, f.a); got != "10.00" {
		t.Fatalf("balance(a) = %s, want 10.00", got)
	}

	err = f.store.RunInTx(ctx, func(ctx context.Context, uow usecase.UnitOfWork) error {
		_, found, err := uow.Balances().GetBalance(ctx, ghost)
		if err != nil {
			return err
		}
		if found {
			t.Errorf("GetBalance(%s) found unknown account", ghost)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunInTx: %v", err)
	}
	if _, found, err := f.store.GetAccount(ctx, ghost); err != nil || found {
		t.Fatalf("GetAccount(ghost) found=%v err=%v", found, err)
	}
}

func testDuplicate(t *testing.T, newStore Factory) {
	f := newFixture(t, newStore, "10.00", "0.00")
	ctx := context.Background()
	requestID := uuid.New()
	one := decimal.RequireFromString("1.00")

	if err := Move(ctx, f.store, requestID, f.a, f.b, one); err != nil {
		t.Fatalf("first Move: %v", err)
	}
	err := Move(ctx, f.store, requestID, f.a, f.b, one)
	if !errors.Is(err, domain.ErrDuplicateRequestID) {
		t.Fatalf("err = %v, want ErrDuplicateRequestID", err)
	}
	if got := BalanceOf(t, f.store, f.a); got != "9.00" {
		t.Fatalf("balance(a) = %s, want 9.00", got)
	}
	if got := BalanceOf(t, f.store, f.b); got != "1.00" {
		t.Fatalf("balance(b) = %s, want 1.00", got)
	}
}

func testRollback(t *testing.T, newStore Factory) {
	f := newFixture(t, newStore, "10.00", "0.00")
	ctx := context.Background()
	boom := errors.New("boom")
	requestID := uuid.New()

	err := f.store.RunInTx(ctx, func(ctx context.Context, uow usecase.UnitOfWork) error {
		if err := uow.Balances().AdjustBalance(ctx, f.a, decimal.RequireFromString("-4.00")); err != nil {
			return err
		}
		if err := uow.Transfers().Append(ctx, &domain.Transfer{
			RequestID: requestID, From: f.a, To: f.b,
			Amount: decimal.RequireFromString("4.00"), CreatedAt: time.Now().UTC().Truncate(time.Microsecond),
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
	if got := BalanceOf(t, f.store, f.a); got != "10.00" {
		t.Fatalf("balance(a) = %s, want 10.00", got)
	}
	// 回滾的紀錄不可佔用 requestID
	if err := Move(ctx, f.store, requestID, f.a, f.b, decimal.RequireFromString("4.00")); err != nil {
		t.Fatalf("Move after rollback: %v", err)
	}
}

func testConcurrent(t *testing.T, newStore Factory) {
	f := newFixture(t, newStore, "50.00", "50.00")
	ctx := context.Background()
	amount := decimal.RequireFromString("0.10")

	const workers = 8
	const perWorker = 10
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		from, to := f.a, f.b
		if w%2 == 1 {
			from, to = f.b, f.a
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perWorker; i++ {
				for {
					err := Move(ctx, f.store, uuid.New(), from, to, amount)
					if errors.Is(err, domain.ErrConflict) {
						continue
					}
					if err != nil {
						t.Errorf("Move: %v", err)
					}
					break
				}
			}
		}()
	}
	wg.Wait()

	snapshot, err := f.store.SnapshotAccounts(ctx)
	if err != nil {
		t.Fatalf("SnapshotAccounts: %v", err)
	}
	total := decimal.Zero
	for _, acc := range snapshot {
		if acc.ID != f.a && acc.ID != f.b {
			continue
		}
		if acc.Balance.IsNegative() {
			t.Fatalf("account %s negative: %s", acc.ID, acc.Balance)
		}
		total = total.Add(acc.Balance)
	}
	if !total.Equal(decimal.RequireFromString("100.00")) {
		t.Fatalf("total = %s, want 100.00", total)
	}
	// 兩個方向筆數相同，餘額應回到原點
	if got := BalanceOf(t, f.store, f.a); got != "50.00" {
		t.Fatalf("balance(a) = %s, want 50.00", got)
	}
}

func testReaders(t *testing.T, newStore Factory) {
	f := newFixture(t, newStore, "1.00", "2.00")
	ctx := context.Background()

	list, err := f.store.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	seen := map[uuid.UUID]bool{}
	for _, s := range list {
		seen[s.ID] = true
	}
	if !seen[f.a] || !seen[f.b] {
		t.Fatalf("ListAccounts missing seeded accounts: %v", list)
	}

	acc, found, err := f.store.GetAccount(ctx, f.b)
	if err != nil || !found {
		t.Fatalf("GetAccount found=%v err=%v", found, err)
	}
	if acc.Name != "B" || domain.FormatAmount(acc.Balance) != "2.00" {
		t.Fatalf("GetAccount = %+v", acc)
	}
}

func testLockedRead(t *testing.T, newStore Factory) {
	f := newFixture(t, newStore, "0.50", "100.00")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	started := make(chan struct{})
	credited := make(chan error, 1)
	go func() {
		<-started
		credited <- Move(ctx, f.store, uuid.New(), f.b, f.a, decimal.RequireFromString("100.00"))
	}()

	errDone := errors.New("read only")
	var seen decimal.Decimal
	err := f.store.RunInTx(ctx, func(ctx context.Context, uow usecase.UnitOfWork) error {
		// 第一個讀取會建立快照 (REPEATABLE READ 下)
		if _, err := uow.Transfers().Exists(ctx, uuid.New()); err != nil {
			return err
		}
		close(started)
		if err := <-credited; err != nil {
			return err
		}

		if err := uow.Balances().LockAccounts(ctx, []uuid.UUID{f.a}); err != nil {
			return err
		}
		balance, found, err := uow.Balances().GetBalance(ctx, f.a)
		if err != nil {
			return err
		}
		if !found {
			return domain.AccountNotFound(f.a)
		}
		seen = balance
		return errDone
	})
	if !errors.Is(err, errDone) {
		t.Fatalf("RunInTx: %v", err)
	}
	if got := domain.FormatAmount(seen); got != "100.50" {
		t.Fatalf("locked balance(a) = %s, want 100.50", got)
	}
}
