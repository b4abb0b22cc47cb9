package rabbitmq

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
)

type capturePublisher struct {
	exchange   string
	routingKey string
	body       []byte
}

func (c *capturePublisher) PublishJSON(ctx context.Context, exchange, routingKey string, body any) error {
	c.exchange = exchange
	c.routingKey = routingKey
	data, err := json.Marshal(body)
	c.body = data
	return err
}

func TestTransferPublisher_Payload(t *testing.T) {
	capture := &capturePublisher{}
	p := NewTransferPublisher(capture)

	transfer := domain.Transfer{
		RequestID: uuid.New(),
		From:      uuid.New(),
		To:        uuid.New(),
		Amount:    decimal.RequireFromString("100.2"),
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 123456000, time.UTC),
	}
	if err := p.PublishTransferCommitted(context.Background(), transfer); err != nil {
		t.Fatalf("PublishTransferCommitted: %v", err)
	}
	if capture.exchange != Exchange || capture.routingKey != RoutingKeyTransferCommitted {
		t.Fatalf("published to %s/%s", capture.exchange, capture.routingKey)
	}

	ev, err := DecodeTransferCommittedEvent(capture.body)
	if err != nil {
		t.Fatalf("DecodeTransferCommittedEvent: %v", err)
	}
	if ev.RequestID != transfer.RequestID || ev.FromAccountID != transfer.From || ev.ToAccountID != transfer.To {
		t.Fatalf("event ids = %+v", ev)
	}
	if ev.Amount != "100.20" {
		t.Fatalf("amount = %q, want 100.20", ev.Amount)
	}
	if !ev.CreatedAt.Equal(transfer.CreatedAt) {
		t.Fatalf("created_at = %v, want %v", ev.CreatedAt, transfer.CreatedAt)
	}
}

func TestDecodeTransferCommittedEvent_Invalid(t *testing.T) {
	tests := map[string]string{
		"not json":       `{`,
		"missing id":     `{"amount":"1.00"}`,
		"invalid amount": `{"request_id":"` + uuid.NewString() + `","amount":"1.001"}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := DecodeTransferCommittedEvent([]byte(body)); err == nil {
				t.Fatalf("expected error for %s", body)
			}
		})
	}
}
