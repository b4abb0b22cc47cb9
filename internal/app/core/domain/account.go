package domain

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Account 帳戶
// 餘額在任何可觀察的時間點都不可為負
type Account struct {
	ID      uuid.UUID
	Name    string
	Balance decimal.Decimal
}

// AccountSummary 帳戶列表只回傳 ID
type AccountSummary struct {
	ID uuid.UUID
}

// NewAccount 建立帳戶 (僅供初始化資料使用，核心流程不會建立帳戶)
func NewAccount(id uuid.UUID, name string, balance decimal.Decimal) *Account {
	return &Account{
		ID:      id,
		Name:    name,
		Balance: balance,
	}
}

// CanApply 檢查套用 delta 後餘額是否仍 >= 0
func (a *Account) CanApply(delta decimal.Decimal) bool {
	return !a.Balance.Add(delta).IsNegative()
}
