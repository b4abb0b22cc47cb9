package usecase_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/memory"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

var (
	joao    = uuid.MustParse("aaee2b13-8a5e-4aed-a30b-5d8535c8ab20")
	satoshi = uuid.MustParse("1ce455f7-f30c-4f55-81e2-7df2e8f88c7d")
	lemmy   = uuid.MustParse("fb789eb9-a5a9-4ebe-a808-a9cd59b19772")
)

func seedAccounts() []*domain.Account {
	return []*domain.Account{
		domain.NewAccount(joao, "Joao Cardoso", decimal.RequireFromString("0.50")),
		domain.NewAccount(satoshi, "Satoshi Nakamoto", decimal.RequireFromString("15048509238.35")),
		domain.NewAccount(lemmy, "Lemmy Kilmister", decimal.RequireFromString("100.20")),
	}
}

func newStore(t *testing.T) *memory.MutexLedger {
	t.Helper()
	store, err := memory.NewMutexLedger(seedAccounts(), nil)
	if err != nil {
		t.Fatalf("NewMutexLedger: %v", err)
	}
	return store
}

func amount(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func balance(t *testing.T, e *usecase.TransferEngine, id uuid.UUID) string {
	t.Helper()
	acc, found, err := e.GetAccount(context.Background(), id)
	if err != nil || !found {
		t.Fatalf("GetAccount(%s) found=%v err=%v", id, found, err)
	}
	return domain.FormatAmount(acc.Balance)
}

func TestTransfer_MovesFunds(t *testing.T) {
	e := usecase.NewTransferEngine(newStore(t))
	requestID := uuid.New()

	transfer, err := e.Transfer(context.Background(), requestID, lemmy, joao, amount("100.20"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if transfer.RequestID != requestID || !transfer.Amount.Equal(amount("100.20")) {
		t.Fatalf("transfer = %+v", transfer)
	}
	if transfer.CreatedAt.IsZero() || transfer.CreatedAt.Location() != time.UTC {
		t.Fatalf("CreatedAt = %v, want UTC commit time", transfer.CreatedAt)
	}
	if got := balance(t, e, lemmy); got != "0.00" {
		t.Fatalf("lemmy = %s, want 0.00", got)
	}
	if got := balance(t, e, joao); got != "100.70" {
		t.Fatalf("joao = %s, want 100.70", got)
	}
}

func TestTransfer_Errors(t *testing.T) {
	ghost := uuid.MustParse("00000000-0000-0000-0000-000000000001")
	tests := []struct {
		name      string
		from, to  uuid.UUID
		amount    string
		want      error
		accountID uuid.UUID
	}{
		{name: "insufficient balance", from: joao, to: lemmy, amount: "0.51", want: domain.ErrInsufficientBalance, accountID: joao},
		{name: "unknown source", from: ghost, to: lemmy, amount: "1.00", want: domain.ErrAccountNotFound, accountID: ghost},
		{name: "unknown destination", from: lemmy, to: ghost, amount: "1.00", want: domain.ErrAccountNotFound, accountID: ghost},
		{name: "zero amount", from: lemmy, to: joao, amount: "0", want: domain.ErrInvalidAmount},
		{name: "negative amount", from: lemmy, to: joao, amount: "-1.00", want: domain.ErrInvalidAmount},
		{name: "three decimals", from: lemmy, to: joao, amount: "1.005", want: domain.ErrInvalidAmount},
		{name: "same account", from: lemmy, to: lemmy, amount: "1.00", want: domain.ErrSameAccount, accountID: lemmy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := usecase.NewTransferEngine(newStore(t))
			_, err := e.Transfer(context.Background(), uuid.New(), tt.from, tt.to, amount(tt.amount))
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			var de *domain.Error
			if !errors.As(err, &de) {
				t.Fatalf("err %T is not *domain.Error", err)
			}
			if de.AccountID != tt.accountID {
				t.Fatalf("AccountID = %s, want %s", de.AccountID, tt.accountID)
			}
			// 失敗的轉帳不會改變任何餘額
			if got := balance(t, e, lemmy); got != "100.20" {
				t.Fatalf("lemmy = %s, want 100.20", got)
			}
			if got := balance(t, e, joao); got != "0.50" {
				t.Fatalf("joao = %s, want 0.50", got)
			}
		})
	}
}

func TestTransfer_ReplayIsDuplicate(t *testing.T) {
	e := usecase.NewTransferEngine(newStore(t))
	requestID := uuid.New()
	ctx := context.Background()

	if _, err := e.Transfer(ctx, requestID, lemmy, joao, amount("10.00")); err != nil {
		t.Fatalf("first Transfer: %v", err)
	}
	_, err := e.Transfer(ctx, requestID, lemmy, joao, amount("10.00"))
	if !errors.Is(err, domain.ErrDuplicateRequestID) {
		t.Fatalf("err = %v, want ErrDuplicateRequestID", err)
	}
	var de *domain.Error
	if !errors.As(err, &de) || de.RequestID != requestID {
		t.Fatalf("err = %#v, want RequestID %s", err, requestID)
	}
	// 不同內容但相同 requestID 也是重複
	if _, err := e.Transfer(ctx, requestID, satoshi, joao, amount("1.00")); !errors.Is(err, domain.ErrDuplicateRequestID) {
		t.Fatalf("err = %v, want ErrDuplicateRequestID", err)
	}
	if got := balance(t, e, lemmy); got != "90.20" {
		t.Fatalf("lemmy = %s, want 90.20", got)
	}
}

func TestTransfer_ReplayWithInvalidArgumentsIsDuplicate(t *testing.T) {
	e := usecase.NewTransferEngine(newStore(t))
	requestID := uuid.New()
	ctx := context.Background()

	if _, err := e.Transfer(ctx, requestID, satoshi, lemmy, amount("1.00")); err != nil {
		t.Fatalf("first Transfer: %v", err)
	}
	tests := []struct {
		name     string
		from, to uuid.UUID
		amount   string
	}{
		{name: "same account", from: satoshi, to: satoshi, amount: "1.00"},
		{name: "three decimals", from: satoshi, to: lemmy, amount: "1.001"},
		{name: "zero amount", from: satoshi, to: lemmy, amount: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Transfer(ctx, requestID, tt.from, tt.to, amount(tt.amount))
			if !errors.Is(err, domain.ErrDuplicateRequestID) {
				t.Fatalf("err = %v, want ErrDuplicateRequestID", err)
			}
		})
	}
	if got := balance(t, e, lemmy); got != "101.20" {
		t.Fatalf("lemmy = %s, want 101.20", got)
	}
}

func TestTransfer_ConcurrentConservesTotal(t *testing.T) {
	store := newStore(t)
	e := usecase.NewTransferEngine(store)
	ctx := context.Background()
	before, _ := store.SnapshotAccounts(ctx)

	ids := []uuid.UUID{joao, satoshi, lemmy}
	var g errgroup.Group
	for i := 0; i < 300; i++ {
		from, to := ids[i%3], ids[(i+1)%3]
		g.Go(func() error {
			_, err := e.Transfer(ctx, uuid.New(), from, to, amount("0.25"))
			if err != nil && !errors.Is(err, domain.ErrInsufficientBalance) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Transfer: %v", err)
	}

	after, _ := store.SnapshotAccounts(ctx)
	sum := func(accounts []domain.Account) decimal.Decimal {
		total := decimal.Zero
		for _, acc := range accounts {
			if acc.Balance.IsNegative() {
				t.Fatalf("account %s negative: %s", acc.ID, acc.Balance)
			}
			total = total.Add(acc.Balance)
		}
		return total
	}
	if !sum(before).Equal(sum(after)) {
		t.Fatalf("total changed: %s -> %s", sum(before), sum(after))
	}
}

func TestTransfer_OppositeDirectionsDoNotDeadlock(t *testing.T) {
	e := usecase.NewTransferEngine(newStore(t))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < 200; i++ {
		g.Go(func() error {
			_, err := e.Transfer(ctx, uuid.New(), satoshi, lemmy, amount("0.01"))
			return err
		})
		g.Go(func() error {
			_, err := e.Transfer(ctx, uuid.New(), lemmy, satoshi, amount("0.01"))
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if got := balance(t, e, lemmy); got != "100.20" {
		t.Fatalf("lemmy = %s, want 100.20", got)
	}
}

// failingCredit 讓入帳失敗，用來驗證扣款會被回滾
type failingCredit struct {
	usecase.Store
	creditErr error
}

func (f *failingCredit) RunInTx(ctx context.Context, fn func(ctx context.Context, uow usecase.UnitOfWork) error) error {
	return f.Store.RunInTx(ctx, func(ctx context.Context, uow usecase.UnitOfWork) error {
		return fn(ctx, failingUOW{UnitOfWork: uow, err: f.creditErr})
	})
}

type failingUOW struct {
	usecase.UnitOfWork
	err error
}

func (u failingUOW) Balances() usecase.BalanceStore {
	return failingBalances{BalanceStore: u.UnitOfWork.Balances(), err: u.err}
}

type failingBalances struct {
	usecase.BalanceStore
	err error
}

func (b failingBalances) AdjustBalance(ctx context.Context, id uuid.UUID, delta decimal.Decimal) error {
	if delta.IsPositive() {
		return b.err
	}
	return b.BalanceStore.AdjustBalance(ctx, id, delta)
}

func TestTransfer_CreditFailureRollsBack(t *testing.T) {
	store := newStore(t)
	boom := errors.New("disk on fire")
	e := usecase.NewTransferEngine(&failingCredit{Store: store, creditErr: boom})
	requestID := uuid.New()

	_, err := e.Transfer(context.Background(), requestID, lemmy, joao, amount("50.00"))
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("err = %v, want ErrStorageFailure", err)
	}
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want cause kept", err)
	}
	if got := balance(t, e, lemmy); got != "100.20" {
		t.Fatalf("lemmy = %s, want 100.20", got)
	}
	if store.TransferCount() != 0 {
		t.Fatalf("TransferCount = %d, want 0", store.TransferCount())
	}

	// 失敗的 requestID 可以再次使用
	e = usecase.NewTransferEngine(store)
	if _, err := e.Transfer(context.Background(), requestID, lemmy, joao, amount("50.00")); err != nil {
		t.Fatalf("retry Transfer: %v", err)
	}
}

// conflictingStore 前 n 次 RunInTx 回傳 ErrConflict
type conflictingStore struct {
	usecase.Store
	mu        sync.Mutex
	conflicts int
	calls     int
}

func (c *conflictingStore) RunInTx(ctx context.Context, fn func(ctx context.Context, uow usecase.UnitOfWork) error) error {
	c.mu.Lock()
	c.calls++
	conflict := c.calls <= c.conflicts
	c.mu.Unlock()
	if conflict {
		return errors.Join(domain.ErrConflict, errors.New("serialization failure"))
	}
	return c.Store.RunInTx(ctx, fn)
}

func TestTransfer_RetriesConflicts(t *testing.T) {
	store := &conflictingStore{Store: newStore(t), conflicts: 2}
	e := usecase.NewTransferEngine(store, usecase.WithMaxAttempts(3), usecase.WithRetryBackoff(time.Millisecond))

	if _, err := e.Transfer(context.Background(), uuid.New(), lemmy, joao, amount("1.00")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if store.calls != 3 {
		t.Fatalf("calls = %d, want 3", store.calls)
	}
}

func TestTransfer_ConflictExhaustionIsStorageFailure(t *testing.T) {
	store := &conflictingStore{Store: newStore(t), conflicts: 10}
	e := usecase.NewTransferEngine(store, usecase.WithMaxAttempts(2), usecase.WithRetryBackoff(0))

	_, err := e.Transfer(context.Background(), uuid.New(), lemmy, joao, amount("1.00"))
	if !errors.Is(err, domain.ErrStorageFailure) {
		t.Fatalf("err = %v, want ErrStorageFailure", err)
	}
	if store.calls != 2 {
		t.Fatalf("calls = %d, want 2", store.calls)
	}
	if got := balance(t, e, lemmy); got != "100.20" {
		t.Fatalf("lemmy = %s, want 100.20", got)
	}
}

func TestTransfer_TerminalErrorsAreNotRetried(t *testing.T) {
	store := &conflictingStore{Store: newStore(t)}
	e := usecase.NewTransferEngine(store, usecase.WithMaxAttempts(5))

	_, err := e.Transfer(context.Background(), uuid.New(), joao, lemmy, amount("99.00"))
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("err = %v, want ErrInsufficientBalance", err)
	}
	if store.calls != 1 {
		t.Fatalf("calls = %d, want 1", store.calls)
	}
}

type fakeCache struct {
	mu         sync.Mutex
	seen       map[uuid.UUID]bool
	lookupErr  error
	remembered []uuid.UUID
}

func (c *fakeCache) Seen(ctx context.Context, id uuid.UUID) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lookupErr != nil {
		return false, c.lookupErr
	}
	return c.seen[id], nil
}

func (c *fakeCache) Remember(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.remembered = append(c.remembered, id)
	return nil
}

type fakePublisher struct {
	published []domain.Transfer
	err       error
}

func (p *fakePublisher) PublishTransferCommitted(ctx context.Context, transfer domain.Transfer) error {
	p.published = append(p.published, transfer)
	return p.err
}

func TestTransfer_CacheAndPublisher(t *testing.T) {
	store := &conflictingStore{Store: newStore(t)}
	cache := &fakeCache{seen: map[uuid.UUID]bool{}}
	publisher := &fakePublisher{err: errors.New("broker down")}
	e := usecase.NewTransferEngine(store, usecase.WithRequestCache(cache), usecase.WithPublisher(publisher))
	ctx := context.Background()

	requestID := uuid.New()
	// 發布失敗不影響已提交的轉帳
	transfer, err := e.Transfer(ctx, requestID, lemmy, joao, amount("1.00"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if len(cache.remembered) != 1 || cache.remembered[0] != requestID {
		t.Fatalf("remembered = %v", cache.remembered)
	}
	if len(publisher.published) != 1 || publisher.published[0] != *transfer {
		t.Fatalf("published = %v", publisher.published)
	}

	// 快取命中時不進入儲存層
	hit := uuid.New()
	cache.seen[hit] = true
	calls := store.calls
	if _, err := e.Transfer(ctx, hit, lemmy, joao, amount("1.00")); !errors.Is(err, domain.ErrDuplicateRequestID) {
		t.Fatalf("err = %v, want ErrDuplicateRequestID", err)
	}
	if store.calls != calls {
		t.Fatal("store was called on cache hit")
	}

	// 快取故障時照常處理
	cache.lookupErr = errors.New("redis timeout")
	if _, err := e.Transfer(ctx, uuid.New(), lemmy, joao, amount("1.00")); err != nil {
		t.Fatalf("Transfer with failing cache: %v", err)
	}
	if got := balance(t, e, joao); got != "2.50" {
		t.Fatalf("joao = %s, want 2.50", got)
	}
}

type stepClock struct {
	t time.Time
}

func (c *stepClock) Now() time.Time {
	c.t = c.t.Add(time.Second)
	return c.t
}

func TestTransfer_UsesClock(t *testing.T) {
	clock := &stepClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	e := usecase.NewTransferEngine(newStore(t), usecase.WithClock(clock))

	first, err := e.Transfer(context.Background(), uuid.New(), lemmy, joao, amount("1.00"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	second, err := e.Transfer(context.Background(), uuid.New(), lemmy, joao, amount("1.00"))
	if err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	if !first.CreatedAt.Equal(time.Date(2024, 1, 1, 0, 0, 1, 0, time.UTC)) || !second.CreatedAt.After(first.CreatedAt) {
		t.Fatalf("CreatedAt = %v, %v", first.CreatedAt, second.CreatedAt)
	}
}

func TestListAccounts(t *testing.T) {
	e := usecase.NewTransferEngine(newStore(t))
	list, err := e.ListAccounts(context.Background())
	if err != nil {
		t.Fatalf("ListAccounts: %v", err)
	}
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	if _, found, err := e.GetAccount(context.Background(), uuid.New()); err != nil || found {
		t.Fatalf("GetAccount(unknown) found=%v err=%v", found, err)
	}
}
