package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

type stubReader struct {
	usecase.AccountReader
	accounts []domain.Account
	err      error
}

func (s *stubReader) SnapshotAccounts(ctx context.Context) ([]domain.Account, error) {
	return s.accounts, s.err
}

func TestAuditor_HealthyAfterTransfers(t *testing.T) {
	store := newStore(t)
	auditor := usecase.NewAuditor(store, zerolog.Nop())
	e := usecase.NewTransferEngine(store)
	ctx := context.Background()

	first, err := auditor.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !first.Healthy() || first.Accounts != 3 {
		t.Fatalf("first report = %+v", first)
	}

	if _, err := e.Transfer(ctx, uuid.New(), satoshi, joao, amount("1000.00")); err != nil {
		t.Fatalf("Transfer: %v", err)
	}
	second, err := auditor.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !second.Healthy() || !second.Total.Equal(first.Total) {
		t.Fatalf("second report = %+v, first total %s", second, first.Total)
	}
}

func TestAuditor_DetectsDriftAndNegative(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	reader := &stubReader{accounts: []domain.Account{
		{ID: a, Balance: decimal.RequireFromString("10.00")},
		{ID: b, Balance: decimal.RequireFromString("5.00")},
	}}
	auditor := usecase.NewAuditor(reader, zerolog.Nop())
	ctx := context.Background()

	if _, err := auditor.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	reader.accounts[1].Balance = decimal.RequireFromString("-1.00")
	report, err := auditor.Run(ctx)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Healthy() {
		t.Fatalf("report should be unhealthy: %+v", report)
	}
	if !report.Drift.Equal(decimal.RequireFromString("-6.00")) {
		t.Fatalf("Drift = %s, want -6.00", report.Drift)
	}
	if len(report.Negative) != 1 || report.Negative[0] != b {
		t.Fatalf("Negative = %v, want [%s]", report.Negative, b)
	}
}

func TestAuditor_SnapshotError(t *testing.T) {
	boom := errors.New("db down")
	auditor := usecase.NewAuditor(&stubReader{err: boom}, zerolog.Nop())
	if _, err := auditor.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
}
