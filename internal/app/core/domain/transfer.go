package domain

import (
	"bytes"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Transfer 已提交的轉帳紀錄，建立後不可修改
type Transfer struct {
	// RequestID: 由 Client 提供的冪等鍵，全域唯一
	RequestID uuid.UUID
	// From, To: 帳戶 ID
	From uuid.UUID
	To   uuid.UUID
	// Amount: 金額，恆為正數
	Amount decimal.Decimal
	// CreatedAt: 由引擎在提交時指定
	CreatedAt time.Time
}

// LockOrder 回傳需要鎖定的帳號 ID，依 byte 順序排列以避免死鎖
// A->B 與 B->A 會得到相同的順序
func LockOrder(a, b uuid.UUID) (ids []uuid.UUID) {
	ids = make([]uuid.UUID, 0, 2)
	switch c := bytes.Compare(a[:], b[:]); {
	case c < 0:
		ids = append(ids, a, b)
	case c > 0:
		ids = append(ids, b, a)
	default:
		ids = append(ids, a)
	}
	return ids
}
