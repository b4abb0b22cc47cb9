package memory

import (
	"testing"

	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/adapter/out/storetest"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/domain"
	"github.com/JoeShih716/go-transfer-ledger/internal/app/core/usecase"
)

func TestMutexLedger_Store(t *testing.T) {
	newStore := func(t *testing.T, accounts []*domain.Account) usecase.Store {
		ledger, err := NewMutexLedger(accounts, nil)
		if err != nil {
			t.Fatalf("NewMutexLedger: %v", err)
		}
		t.Cleanup(func() { _ = ledger.Close() })
		return ledger
	}
	storetest.Run(t, newStore)
	storetest.RunLockedRead(t, newStore)
}

func TestLMAXLedger_Store(t *testing.T) {
	storetest.Run(t, func(t *testing.T, accounts []*domain.Account) usecase.Store {
		ledger, err := NewLMAXLedger(accounts, nil, 0)
		if err != nil {
			t.Fatalf("NewLMAXLedger: %v", err)
		}
		t.Cleanup(func() { _ = ledger.Close() })
		return ledger
	})
}
