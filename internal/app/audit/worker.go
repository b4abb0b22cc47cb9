// Package audit 將 transfer.committed 事件寫入稽核儲存
package audit

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/mongodb"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/rabbitmq"
	pkgrabbitmq "github.com/JoeShih716/go-transfer-ledger/pkg/rabbitmq"
)

const (
	Queue       = "transfer_audit"
	saveTimeout = 5 * time.Second
)

// Saver mongodb.AuditRepository 滿足這個介面
type Saver interface {
	Save(ctx context.Context, log mongodb.AuditLog) error
}

// Worker 消費轉帳事件
type Worker struct {
	saver  Saver
	logger zerolog.Logger
	now    func() time.Time
}

func NewWorker(saver Saver, logger zerolog.Logger) *Worker {
	return &Worker{
		saver:  saver,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Handle 格式錯誤的訊息丟棄，儲存失敗則重新排入
func (w *Worker) Handle(ctx context.Context, body []byte) error {
	ev, err := rabbitmq.DecodeTransferCommittedEvent(body)
	if err != nil {
		return fmt.Errorf("%w: %v", pkgrabbitmq.ErrDiscard, err)
	}

	saveCtx, cancel := context.WithTimeout(ctx, saveTimeout)
	defer cancel()
	err = w.saver.Save(saveCtx, mongodb.AuditLog{
		ID:            ev.RequestID.String(),
		FromAccountID: ev.FromAccountID.String(),
		ToAccountID:   ev.ToAccountID.String(),
		Amount:        ev.Amount,
		CommittedAt:   ev.CreatedAt,
		ProcessedAt:   w.now(),
	})
	if err != nil {
		return err
	}
	w.logger.Debug().Str("request_id", ev.RequestID.String()).Msg("transfer audited")
	return nil
}

// Consumer pkg/rabbitmq.Client 滿足這個介面
type Consumer interface {
	Consume(ctx context.Context, exchange, queue, routingKey string, handle pkgrabbitmq.Handler) error
}

// Run 阻塞直到 ctx 取消
func (w *Worker) Run(ctx context.Context, consumer Consumer) error {
	w.logger.Info().Str("queue", Queue).Msg("audit worker started")
	return consumer.Consume(ctx, rabbitmq.Exchange, Queue, rabbitmq.RoutingKeyTransferCommitted, w.Handle)
}
