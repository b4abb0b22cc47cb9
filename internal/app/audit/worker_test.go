package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/mongodb"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/rabbitmq"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	pkgrabbitmq "github.com/JoeShih716/go-transfer-ledger/pkg/rabbitmq"
)

type fakeSaver struct {
	saved []mongodb.AuditLog
	err   error
}

func (f *fakeSaver) Save(ctx context.Context, log mongodb.AuditLog) error {
	if f.err != nil {
		return f.err
	}
	f.saved = append(f.saved, log)
	return nil
}

func eventBody(t *testing.T, transfer domain.Transfer) []byte {
	t.Helper()
	body, err := json.Marshal(rabbitmq.NewTransferCommittedEvent(transfer))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return body
}

func TestWorker_HandleSavesAuditLog(t *testing.T) {
	saver := &fakeSaver{}
	w := NewWorker(saver, zerolog.Nop())
	processed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	w.now = func() time.Time { return processed }

	transfer := domain.Transfer{
		RequestID: uuid.New(),
		From:      uuid.New(),
		To:        uuid.New(),
		Amount:    decimal.RequireFromString("7.5"),
		CreatedAt: time.Date(2024, 1, 2, 3, 4, 0, 0, time.UTC),
	}
	if err := w.Handle(context.Background(), eventBody(t, transfer)); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if len(saver.saved) != 1 {
		t.Fatalf("saved %d logs, want 1", len(saver.saved))
	}
	got := saver.saved[0]
	if got.ID != transfer.RequestID.String() || got.Amount != "7.50" || !got.ProcessedAt.Equal(processed) {
		t.Fatalf("saved = %+v", got)
	}
	if got.FromAccountID != transfer.From.String() || got.ToAccountID != transfer.To.String() {
		t.Fatalf("saved accounts = %+v", got)
	}
}

func TestWorker_HandleMalformedIsDiscarded(t *testing.T) {
	w := NewWorker(&fakeSaver{}, zerolog.Nop())
	err := w.Handle(context.Background(), []byte(`{"request_id":"nope"`))
	if !errors.Is(err, pkgrabbitmq.ErrDiscard) {
		t.Fatalf("err = %v, want ErrDiscard", err)
	}
}

func TestWorker_HandleSaveFailureRequeues(t *testing.T) {
	boom := errors.New("mongo down")
	w := NewWorker(&fakeSaver{err: boom}, zerolog.Nop())
	transfer := domain.Transfer{
		RequestID: uuid.New(), From: uuid.New(), To: uuid.New(),
		Amount: decimal.RequireFromString("1"), CreatedAt: time.Now().UTC(),
	}
	err := w.Handle(context.Background(), eventBody(t, transfer))
	if !errors.Is(err, boom) || errors.Is(err, pkgrabbitmq.ErrDiscard) {
		t.Fatalf("err = %v, want save error without discard", err)
	}
}
