package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

const (
	Exchange                    = "ledger_events"
	RoutingKeyTransferCommitted = "transfer.committed"
)

// TransferCommittedEvent 轉帳提交後發布的事件內容
// 金額以字串傳遞，避免浮點數誤差
type TransferCommittedEvent struct {
	RequestID     uuid.UUID `json:"request_id"`
	FromAccountID uuid.UUID `json:"from_account_id"`
	ToAccountID   uuid.UUID `json:"to_account_id"`
	Amount        string    `json:"amount"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewTransferCommittedEvent 從 domain.Transfer 建立事件
func NewTransferCommittedEvent(t domain.Transfer) TransferCommittedEvent {
	return TransferCommittedEvent{
		RequestID:     t.RequestID,
		FromAccountID: t.From,
		ToAccountID:   t.To,
		Amount:        domain.FormatAmount(t.Amount),
		CreatedAt:     t.CreatedAt,
	}
}

// DecodeTransferCommittedEvent 解析並檢查事件內容
func DecodeTransferCommittedEvent(body []byte) (TransferCommittedEvent, error) {
	var ev TransferCommittedEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return ev, fmt.Errorf("decode transfer event: %w", err)
	}
	if ev.RequestID == uuid.Nil {
		return ev, fmt.Errorf("decode transfer event: missing request_id")
	}
	if _, err := domain.ParseAmount(ev.Amount); err != nil {
		return ev, fmt.Errorf("decode transfer event %s: %w", ev.RequestID, err)
	}
	return ev, nil
}

// JSONPublisher pkg/rabbitmq.Client 滿足這個介面
type JSONPublisher interface {
	PublishJSON(ctx context.Context, exchange, routingKey string, body any) error
}

// TransferPublisher 實作 usecase.EventPublisher
type TransferPublisher struct {
	publisher JSONPublisher
}

func NewTransferPublisher(publisher JSONPublisher) *TransferPublisher {
	return &TransferPublisher{publisher: publisher}
}

func (p *TransferPublisher) PublishTransferCommitted(ctx context.Context, transfer domain.Transfer) error {
	return p.publisher.PublishJSON(ctx, Exchange, RoutingKeyTransferCommitted, NewTransferCommittedEvent(transfer))
}

var _ usecase.EventPublisher = (*TransferPublisher)(nil)
