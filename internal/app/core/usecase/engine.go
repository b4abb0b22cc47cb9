package usecase

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
)

const (
	DefaultMaxAttempts  = 3
	DefaultRetryBackoff = 5 * time.Millisecond
	publishTimeout      = 3 * time.Second
)

// TransferEngine 是唯一會移動資金的地方
// 本身不持有任何狀態，所有一致性都交給 Store 的交易保證
type TransferEngine struct {
	store        Store
	clock        domain.Clock
	cache        RequestCache
	publisher    EventPublisher
	logger       zerolog.Logger
	maxAttempts  int
	retryBackoff time.Duration
}

// Option 定義了 TransferEngine 的配置選項函數
type Option func(*TransferEngine)

// WithLogger 設定 logger (預設不輸出)
func WithLogger(logger zerolog.Logger) Option {
	return func(e *TransferEngine) {
		e.logger = logger
	}
}

// WithClock 設定提交時間來源
func WithClock(clock domain.Clock) Option {
	return func(e *TransferEngine) {
		e.clock = clock
	}
}

// WithMaxAttempts 遇到 domain.ErrConflict 時整個交易最多執行幾次
func WithMaxAttempts(n int) Option {
	return func(e *TransferEngine) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithRetryBackoff 每次重試前等待 backoff * 第幾次
func WithRetryBackoff(d time.Duration) Option {
	return func(e *TransferEngine) {
		e.retryBackoff = d
	}
}

// WithRequestCache 設定 requestID 快取
func WithRequestCache(cache RequestCache) Option {
	return func(e *TransferEngine) {
		e.cache = cache
	}
}

// WithPublisher 設定事件發布
func WithPublisher(publisher EventPublisher) Option {
	return func(e *TransferEngine) {
		e.publisher = publisher
	}
}

func NewTransferEngine(store Store, opts ...Option) *TransferEngine {
	e := &TransferEngine{
		store:        store,
		clock:        domain.NewMonotonicClock(),
		logger:       zerolog.Nop(),
		maxAttempts:  DefaultMaxAttempts,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Transfer 從 from 轉 amount 到 to
//
// 參數:
//
//	ctx: 上下文，取消時交易會回滾
//	requestID: Client 提供的冪等鍵
//	from, to: 帳戶 ID
//	amount: 金額 (> 0，最多兩位小數)
//
// 回傳:
//
//	*domain.Transfer: 已提交的轉帳
//	error: *domain.Error (AccountNotFound / InsufficientBalance / DuplicateRequestID / StorageFailure ...)
func (e *TransferEngine) Transfer(ctx context.Context, requestID, from, to uuid.UUID, amount decimal.Decimal) (*domain.Transfer, error) {
	// 快取命中代表 ledger 一定有這筆，快取失敗則直接略過
	if e.cache != nil {
		seen, err := e.cache.Seen(ctx, requestID)
		if err != nil {
			e.logger.Warn().Err(err).Str("request_id", requestID.String()).Msg("request cache lookup failed")
		} else if seen {
			return nil, domain.DuplicateRequestID(requestID)
		}
	}

	var (
		committed *domain.Transfer
		err       error
	)
	for attempt := 1; ; attempt++ {
		committed, err = e.transferOnce(ctx, requestID, from, to, amount)
		if err == nil || !errors.Is(err, domain.ErrConflict) || attempt >= e.maxAttempts {
			break
		}
		e.logger.Warn().Err(err).Int("attempt", attempt).Str("request_id", requestID.String()).Msg("transfer conflict, retrying")
		if waitErr := sleepCtx(ctx, e.retryBackoff*time.Duration(attempt)); waitErr != nil {
			err = waitErr
			break
		}
	}
	if err != nil {
		return nil, classify(err)
	}

	e.logger.Debug().
		Str("request_id", requestID.String()).
		Str("from", from.String()).
		Str("to", to.String()).
		Str("amount", domain.FormatAmount(amount)).
		Msg("transfer committed")

	e.afterCommit(ctx, *committed)
	return committed, nil
}

// transferOnce 在單一交易內執行檢查、扣款、入帳、寫入紀錄
func (e *TransferEngine) transferOnce(ctx context.Context, requestID, from, to uuid.UUID, amount decimal.Decimal) (*domain.Transfer, error) {
	var result *domain.Transfer
	err := e.store.RunInTx(ctx, func(ctx context.Context, uow UnitOfWork) error {
		// 1. 冪等檢查 (提前結束用，真正保證是 Append 的唯一鍵)
		exists, err := uow.Transfers().Exists(ctx, requestID)
		if err != nil {
			return err
		}
		if exists {
			return domain.DuplicateRequestID(requestID)
		}
		// 參數檢查放在冪等檢查之後，重送的 requestID 不論內容都回報重複
		if err := domain.ValidateAmount(amount); err != nil {
			return err
		}
		if from == to {
			return domain.SameAccount(from)
		}

		// 依固定順序鎖定，A->B 與 B->A 同時進行也不會死鎖
		balances := uow.Balances()
		if err := balances.LockAccounts(ctx, domain.LockOrder(from, to)); err != nil {
			return err
		}

		// 2. 來源帳戶
		fromBalance, found, err := balances.GetBalance(ctx, from)
		if err != nil {
			return err
		}
		if !found {
			return domain.AccountNotFound(from)
		}
		// 3. 目的帳戶
		if _, found, err = balances.GetBalance(ctx, to); err != nil {
			return err
		}
		if !found {
			return domain.AccountNotFound(to)
		}
		// 4. 餘額
		if fromBalance.LessThan(amount) {
			return domain.InsufficientBalance(from)
		}

		// 5. 扣款、入帳
		if err := balances.AdjustBalance(ctx, from, amount.Neg()); err != nil {
			return adjustError(err, from)
		}
		if err := balances.AdjustBalance(ctx, to, amount); err != nil {
			return adjustError(err, to)
		}

		// 6. 寫入紀錄
		transfer := &domain.Transfer{
			RequestID: requestID,
			From:      from,
			To:        to,
			Amount:    amount,
			CreatedAt: e.clock.Now(),
		}
		if err := uow.Transfers().Append(ctx, transfer); err != nil {
			return err
		}
		result = transfer
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (e *TransferEngine) afterCommit(ctx context.Context, transfer domain.Transfer) {
	ctx = context.WithoutCancel(ctx)
	if e.cache != nil {
		if err := e.cache.Remember(ctx, transfer.RequestID); err != nil {
			e.logger.Warn().Err(err).Str("request_id", transfer.RequestID.String()).Msg("request cache update failed")
		}
	}
	if e.publisher != nil {
		pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
		defer cancel()
		if err := e.publisher.PublishTransferCommitted(pubCtx, transfer); err != nil {
			// 只記錄，不影響已提交的轉帳
			e.logger.Error().Err(err).Str("request_id", transfer.RequestID.String()).Msg("publish transfer event failed")
		}
	}
}

// ListAccounts 列出所有帳戶
func (e *TransferEngine) ListAccounts(ctx context.Context) ([]domain.AccountSummary, error) {
	accounts, err := e.store.ListAccounts(ctx)
	if err != nil {
		return nil, domain.StorageFailure(err)
	}
	return accounts, nil
}

// GetAccount 取得帳戶詳細資料
func (e *TransferEngine) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, bool, error) {
	account, found, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return nil, false, domain.StorageFailure(err)
	}
	return account, found, nil
}

// adjustError 把 AdjustBalance 的儲存層錯誤轉成帶帳戶 ID 的領域錯誤
func adjustError(err error, id uuid.UUID) error {
	switch {
	case errors.Is(err, domain.ErrNegativeBalance):
		return domain.InsufficientBalance(id)
	case errors.Is(err, domain.ErrAccountNotFound):
		return domain.AccountNotFound(id)
	default:
		return err
	}
}

// classify 已分類的領域錯誤原樣回傳，其他全部包成 StorageFailure
func classify(err error) error {
	var de *domain.Error
	if errors.As(err, &de) {
		return de
	}
	return domain.StorageFailure(err)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
