package usecase

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// AuditReport 一次對帳的結果
type AuditReport struct {
	Accounts int
	Total    decimal.Decimal
	// Drift: 與第一次對帳時的總額差異，轉帳只搬移資金所以應該恆為 0
	Drift    decimal.Decimal
	Negative []uuid.UUID
}

// Healthy 總額守恆且沒有負餘額
func (r AuditReport) Healthy() bool {
	return r.Drift.IsZero() && len(r.Negative) == 0
}

// Auditor 定期檢查資金守恆與非負餘額
type Auditor struct {
	reader AccountReader
	logger zerolog.Logger

	mu          sync.Mutex
	baseline    decimal.Decimal
	hasBaseline bool
}

func NewAuditor(reader AccountReader, logger zerolog.Logger) *Auditor {
	return &Auditor{
		reader: reader,
		logger: logger,
	}
}

// Run 執行一次對帳，第一次執行的總額作為基準
func (a *Auditor) Run(ctx context.Context) (AuditReport, error) {
	accounts, err := a.reader.SnapshotAccounts(ctx)
	if err != nil {
		return AuditReport{}, fmt.Errorf("snapshot accounts: %w", err)
	}

	report := AuditReport{Accounts: len(accounts), Total: decimal.Zero}
	for _, acc := range accounts {
		report.Total = report.Total.Add(acc.Balance)
		if acc.Balance.IsNegative() {
			report.Negative = append(report.Negative, acc.ID)
		}
	}

	a.mu.Lock()
	if !a.hasBaseline {
		a.baseline = report.Total
		a.hasBaseline = true
	}
	report.Drift = report.Total.Sub(a.baseline)
	a.mu.Unlock()

	if report.Healthy() {
		a.logger.Info().Int("accounts", report.Accounts).Str("total", report.Total.String()).Msg("ledger audit ok")
	} else {
		a.logger.Error().
			Int("accounts", report.Accounts).
			Str("total", report.Total.String()).
			Str("drift", report.Drift.String()).
			Int("negative_accounts", len(report.Negative)).
			Msg("ledger audit failed")
	}
	return report, nil
}
