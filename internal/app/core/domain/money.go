package domain

import (
	"github.com/shopspring/decimal"
)

// 金額精度：小數點後 2 位 (對應資料庫 DECIMAL(15,2))
const Scale int32 = 2

// ParseAmount 將字串解析為轉帳金額並檢查精度
//
// 參數:
//
//	s: 金額字串，例如 "100.20"
//
// 回傳:
//
//	decimal.Decimal: 解析後的金額
//	error: 格式錯誤、非正數或超過精度時回傳 ErrInvalidAmount
func ParseAmount(s string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &Error{Kind: KindInvalidAmount, Err: err}
	}
	if err := ValidateAmount(amount); err != nil {
		return decimal.Zero, err
	}
	return amount, nil
}

// ValidateAmount 金額必須為正數，且小數位數不可超過 Scale
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return &Error{Kind: KindInvalidAmount}
	}
	if !amount.Equal(amount.Truncate(Scale)) {
		return &Error{Kind: KindInvalidAmount}
	}
	return nil
}

// FormatAmount 以固定兩位小數輸出
func FormatAmount(amount decimal.Decimal) string {
	return amount.StringFixed(Scale)
}
