package repository

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/mmeshcher/loyalty-system/internal/model"
)

func seedMember(t *testing.T, r *MemoryRepository, orgID int64, card string) int64 {
	t.Helper()
	return r.AddMember(model.Member{OrganizationID: orgID, CardNumber: card, Name: "member"})
}

func seedEarn(t *testing.T, r *MemoryRepository, memberID, orgID, amount int64) {
	t.Helper()
	err := r.AppendTransaction(context.Background(), &model.Transaction{
		MemberID:       memberID,
		OrganizationID: orgID,
		Amount:         amount,
		Kind:           model.KindEarn,
		Method:         model.MethodSystem,
	})
	if err != nil {
		t.Fatalf("seed earn: %v", err)
	}
}

func int64Ptr(v int64) *int64 {
	return &v
}

func TestSumAmounts_EmptyLedger(t *testing.T) {
	r := NewMemoryRepository()

	sum, err := r.SumAmounts(context.Background(), 1, 1)
	if err != nil {
		t.Fatalf("SumAmounts error: %v", err)
	}
	if sum != 0 {
		t.Fatalf("sum = %d, want 0", sum)
	}
}

func TestAppendTransaction_Validation(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	tests := []struct {
		name string
		txn  model.Transaction
		want error
	}{
		{
			name: "zero amount",
			txn:  model.Transaction{MemberID: 1, OrganizationID: 1, Kind: model.KindEarn, Method: model.MethodManual},
			want: ErrInvalidAmount,
		},
		{
			name: "invalid kind",
			txn:  model.Transaction{MemberID: 1, OrganizationID: 1, Amount: 10, Kind: "bonus", Method: model.MethodManual},
			want: ErrInvalidKind,
		},
		{
			name: "invalid method",
			txn:  model.Transaction{MemberID: 1, OrganizationID: 1, Amount: 10, Kind: model.KindEarn, Method: "import"},
			want: ErrInvalidMethod,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			txn := tt.txn
			err := r.AppendTransaction(ctx, &txn)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrValidation) {
				t.Fatalf("err = %v, must belong to ErrValidation", err)
			}
		})
	}
}

func TestListTransactions_PaginationAndFilter(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	memberID := seedMember(t, r, 1, "79927398713")

	for i := 0; i < 15; i++ {
		seedEarn(t, r, memberID, 1, int64(i+1))
	}
	for i := 0; i < 5; i++ {
		err := r.AppendTransaction(ctx, &model.Transaction{
			MemberID:       memberID,
			OrganizationID: 1,
			Amount:         -1,
			Kind:           model.KindAdjust,
			Method:         model.MethodManual,
		})
		if err != nil {
			t.Fatalf("append adjust: %v", err)
		}
	}

	// Страница по умолчанию: 10 записей, общее количество без учёта страницы.
	page, total, err := r.ListTransactions(ctx, memberID, 1, model.ListOptions{})
	if err != nil {
		t.Fatalf("ListTransactions error: %v", err)
	}
	if total != 20 {
		t.Fatalf("total = %d, want 20", total)
	}
	if len(page) != DefaultPageSize {
		t.Fatalf("page size = %d, want %d", len(page), DefaultPageSize)
	}

	// Сортировка: новые записи первыми.
	for i := 1; i < len(page); i++ {
		if page[i-1].CreatedAt.Before(page[i].CreatedAt) {
			t.Fatalf("page is not sorted by created_at desc")
		}
		if page[i-1].CreatedAt.Equal(page[i].CreatedAt) && page[i-1].ID < page[i].ID {
			t.Fatalf("equal timestamps must be ordered by id desc")
		}
	}

	// Последняя страница.
	page, total, err = r.ListTransactions(ctx, memberID, 1, model.ListOptions{Page: 2})
	if err != nil {
		t.Fatalf("ListTransactions error: %v", err)
	}
	if total != 20 || len(page) != 10 {
		t.Fatalf("page 2: total = %d, len = %d, want 20 and 10", total, len(page))
	}

	// Фильтр по типу.
	page, total, err = r.ListTransactions(ctx, memberID, 1, model.ListOptions{Kind: model.KindAdjust})
	if err != nil {
		t.Fatalf("ListTransactions error: %v", err)
	}
	if total != 5 || len(page) != 5 {
		t.Fatalf("adjust filter: total = %d, len = %d, want 5 and 5", total, len(page))
	}
	for _, txn := range page {
		if txn.Kind != model.KindAdjust {
			t.Fatalf("kind = %s, want adjust", txn.Kind)
		}
	}

	// Страница за пределами данных.
	page, total, err = r.ListTransactions(ctx, memberID, 1, model.ListOptions{Page: 5})
	if err != nil {
		t.Fatalf("ListTransactions error: %v", err)
	}
	if total != 20 || len(page) != 0 {
		t.Fatalf("page 5: total = %d, len = %d, want 20 and 0", total, len(page))
	}
}

func TestRedeemReward_DecrementsQuantity(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	memberID := seedMember(t, r, 1, "79927398713")
	seedEarn(t, r, memberID, 1, 500)

	rewardID := r.AddReward(model.Reward{
		OrganizationID: 1,
		Name:           "mug",
		PointsCost:     250,
		Quantity:       int64Ptr(5),
		IsActive:       true,
	})

	txn, before, err := r.RedeemReward(ctx, memberID, 1, rewardID, nil, nil)
	if err != nil {
		t.Fatalf("RedeemReward error: %v", err)
	}
	if before != 500 {
		t.Fatalf("balance before = %d, want 500", before)
	}
	if txn.Amount != -250 || txn.Kind != model.KindRedeem {
		t.Fatalf("unexpected transaction: %+v", txn)
	}
	if txn.RewardID == nil || *txn.RewardID != rewardID {
		t.Fatalf("reward ref = %v, want %d", txn.RewardID, rewardID)
	}

	rw, err := r.FindReward(ctx, rewardID, 1)
	if err != nil {
		t.Fatalf("FindReward error: %v", err)
	}
	if rw.Quantity == nil || *rw.Quantity != 4 {
		t.Fatalf("quantity = %v, want 4", rw.Quantity)
	}
}

func TestRedeemReward_CompensatesOnDecrementFailure(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	memberID := seedMember(t, r, 1, "79927398713")
	seedEarn(t, r, memberID, 1, 500)

	rewardID := r.AddReward(model.Reward{
		OrganizationID: 1,
		Name:           "mug",
		PointsCost:     250,
		Quantity:       int64Ptr(5),
		IsActive:       true,
	})

	r.DecrementFailure = func(int64) error {
		return fmt.Errorf("disk full")
	}

	_, _, err := r.RedeemReward(ctx, memberID, 1, rewardID, nil, nil)
	if !errors.Is(err, ErrStorage) {
		t.Fatalf("err = %v, want ErrStorage", err)
	}

	// Компенсация: ни записи журнала, ни уменьшения остатка.
	sum, err := r.SumAmounts(ctx, memberID, 1)
	if err != nil {
		t.Fatalf("SumAmounts error: %v", err)
	}
	if sum != 500 {
		t.Fatalf("balance = %d, want 500", sum)
	}

	_, total, err := r.ListTransactions(ctx, memberID, 1, model.ListOptions{Kind: model.KindRedeem})
	if err != nil {
		t.Fatalf("ListTransactions error: %v", err)
	}
	if total != 0 {
		t.Fatalf("redeem transactions = %d, want 0", total)
	}

	rw, err := r.FindReward(ctx, rewardID, 1)
	if err != nil {
		t.Fatalf("FindReward error: %v", err)
	}
	if rw.Quantity == nil || *rw.Quantity != 5 {
		t.Fatalf("quantity = %v, want 5", rw.Quantity)
	}
}

func TestRecoverOrphans(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	memberID := seedMember(t, r, 1, "79927398713")
	seedEarn(t, r, memberID, 1, 500)

	// Имитация сбоя между записью журнала и уменьшением остатка:
	// запись добавлена, но осталась в состоянии ledger-written.
	orphan := &model.Transaction{
		MemberID:       memberID,
		OrganizationID: 1,
		Amount:         -250,
		Kind:           model.KindRedeem,
		Method:         model.MethodRedemption,
	}
	r.mu.Lock()
	r.appendLocked(orphan)
	r.pending[orphan.ID] = struct{}{}
	r.mu.Unlock()

	sum, _ := r.SumAmounts(ctx, memberID, 1)
	if sum != 250 {
		t.Fatalf("balance with orphan = %d, want 250", sum)
	}

	if n := r.RecoverOrphans(); n != 1 {
		t.Fatalf("recovered = %d, want 1", n)
	}

	sum, _ = r.SumAmounts(ctx, memberID, 1)
	if sum != 500 {
		t.Fatalf("balance after recovery = %d, want 500", sum)
	}

	// Повторный проход ничего не находит.
	if n := r.RecoverOrphans(); n != 0 {
		t.Fatalf("recovered = %d, want 0", n)
	}
}

func TestCreateStaff_Duplicate(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()

	if _, err := r.CreateStaff(ctx, "cashier", []byte("hash")); err != nil {
		t.Fatalf("CreateStaff error: %v", err)
	}

	_, err := r.CreateStaff(ctx, "cashier", []byte("hash"))
	if !errors.Is(err, ErrStaffExists) {
		t.Fatalf("err = %v, want ErrStaffExists", err)
	}
}

func TestMarkTransactionNotified(t *testing.T) {
	r := NewMemoryRepository()
	ctx := context.Background()
	memberID := seedMember(t, r, 1, "79927398713")
	seedEarn(t, r, memberID, 1, 100)
	seedEarn(t, r, memberID, 1, 200)

	txns, err := r.GetUnnotifiedTransactions(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnnotifiedTransactions error: %v", err)
	}
	if len(txns) != 2 {
		t.Fatalf("unnotified = %d, want 2", len(txns))
	}

	if err := r.MarkTransactionNotified(ctx, txns[0].ID); err != nil {
		t.Fatalf("MarkTransactionNotified error: %v", err)
	}

	txns, err = r.GetUnnotifiedTransactions(ctx, 10)
	if err != nil {
		t.Fatalf("GetUnnotifiedTransactions error: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("unnotified = %d, want 1", len(txns))
	}
}
