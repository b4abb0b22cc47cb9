package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/pkg/wal"
)

// walRecord 寫入 WAL 的轉帳紀錄
type walRecord struct {
	RequestID uuid.UUID       `json:"request_id"`
	From      uuid.UUID       `json:"from"`
	To        uuid.UUID       `json:"to"`
	Amount    decimal.Decimal `json:"amount"`
	CreatedAt time.Time       `json:"created_at"`
}

// appendWAL 一次寫入一個交易的所有轉帳，w 為 nil 時不做事
func appendWAL(w *wal.WAL, transfers []domain.Transfer) error {
	if w == nil || len(transfers) == 0 {
		return nil
	}
	records := make([]any, 0, len(transfers))
	for _, t := range transfers {
		records = append(records, walRecord(t))
	}
	if err := w.Append(records...); err != nil {
		return fmt.Errorf("write wal: %w", err)
	}
	return nil
}

// replayWAL 依寫入順序重播每一筆轉帳
func replayWAL(w *wal.WAL, apply func(domain.Transfer) error) error {
	return w.ReadAll(func(raw json.RawMessage) error {
		var rec walRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		return apply(domain.Transfer(rec))
	})
}
