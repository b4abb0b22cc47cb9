package domain

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Kind 錯誤種類 (封閉集合)
type Kind uint8

const (
	// KindStorageFailure 儲存層失敗或未分類錯誤
	KindStorageFailure Kind = iota
	// KindAccountNotFound 找不到帳戶
	KindAccountNotFound
	// KindInsufficientBalance 餘額不足
	KindInsufficientBalance
	// KindDuplicateRequestID 請求 ID 已處理過
	KindDuplicateRequestID
	// KindInvalidAmount 金額必須為正數且最多兩位小數
	KindInvalidAmount
	// KindSameAccount 來源與目的帳戶相同
	KindSameAccount
)

func (k Kind) String() string {
	switch k {
	case KindAccountNotFound:
		return "account_not_found"
	case KindInsufficientBalance:
		return "insufficient_balance"
	case KindDuplicateRequestID:
		return "duplicate_request_id"
	case KindInvalidAmount:
		return "invalid_amount"
	case KindSameAccount:
		return "same_account"
	default:
		return "storage_failure"
	}
}

var (
	// ErrAccountNotFound 找不到帳戶
	ErrAccountNotFound = &Error{Kind: KindAccountNotFound}

	// ErrInsufficientBalance 餘額不足
	ErrInsufficientBalance = &Error{Kind: KindInsufficientBalance}

	// ErrDuplicateRequestID 交易已處理
	ErrDuplicateRequestID = &Error{Kind: KindDuplicateRequestID}

	// ErrStorageFailure 儲存層錯誤
	ErrStorageFailure = &Error{Kind: KindStorageFailure}

	// ErrInvalidAmount 金額不合法
	ErrInvalidAmount = &Error{Kind: KindInvalidAmount}

	// ErrSameAccount 不可轉帳給自己
	ErrSameAccount = &Error{Kind: KindSameAccount}
)

// 以下兩個錯誤只在儲存層與引擎之間流動，不會回傳給呼叫端
var (
	// ErrNegativeBalance AdjustBalance 套用後餘額會變成負數
	ErrNegativeBalance = errors.New("balance would become negative")

	// ErrConflict 暫時性衝突 (序列化失敗、死鎖、OCC 衝突)，整個交易可以重試
	ErrConflict = errors.New("transient storage conflict")
)

// Error 是引擎回傳的唯一錯誤型別
// errors.Is 依 Kind 比對，所以 errors.Is(err, ErrAccountNotFound) 不需要比對 AccountID
type Error struct {
	Kind      Kind
	AccountID uuid.UUID
	RequestID uuid.UUID
	// Err: 原始錯誤，只留在 server 端做記錄
	Err error
}

func (e *Error) Error() string {
	var msg string
	switch e.Kind {
	case KindAccountNotFound:
		msg = fmt.Sprintf("account not found '%s'", e.AccountID)
	case KindInsufficientBalance:
		msg = fmt.Sprintf("insufficient account balance '%s'", e.AccountID)
	case KindDuplicateRequestID:
		msg = fmt.Sprintf("duplicate request id '%s'", e.RequestID)
	case KindInvalidAmount:
		msg = "amount must be positive with at most 2 decimal places"
	case KindSameAccount:
		msg = fmt.Sprintf("cannot transfer to the same account '%s'", e.AccountID)
	default:
		msg = "storage failure"
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// KindOf 取出錯誤種類，非 *Error 一律視為 KindStorageFailure
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageFailure
}

func AccountNotFound(id uuid.UUID) *Error {
	return &Error{Kind: KindAccountNotFound, AccountID: id}
}

func InsufficientBalance(id uuid.UUID) *Error {
	return &Error{Kind: KindInsufficientBalance, AccountID: id}
}

func DuplicateRequestID(id uuid.UUID) *Error {
	return &Error{Kind: KindDuplicateRequestID, RequestID: id}
}

func SameAccount(id uuid.UUID) *Error {
	return &Error{Kind: KindSameAccount, AccountID: id}
}

// StorageFailure 包裝未分類錯誤
func StorageFailure(err error) *Error {
	return &Error{Kind: KindStorageFailure, Err: err}
}
