package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/ndthuan/coursepay/internal/feeplan"
)

func creditOp(purchaseID string, amount int64) CreditPurchase {
	plan := feeplan.Default().Current()
	shares, _ := plan.Split(amount)
	return CreditPurchase{
		PurchaseID: purchaseID,
		Currency:   "VND",
		Amount:     amount,
		Shares:     shares,
		Plan:       plan,
	}
}

func TestCreditPurchaseSplitsIntoHoldAndAvailable(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 1_000_000)); err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}

	w, err := store.GetWallet(ctx, Platform("VND"))
	if err != nil {
		t.Fatalf("GetWallet failed: %v", err)
	}
	if w.Total != 1_000_000 {
		t.Errorf("total = %d, want 1000000", w.Total)
	}
	if w.Available != 100_000 {
		t.Errorf("available = %d, want 100000", w.Available)
	}
	if w.Hold != 900_000 {
		t.Errorf("hold = %d, want 900000", w.Hold)
	}

	txns, err := store.ListTransactions(ctx, w.ID, 0)
	if err != nil {
		t.Fatalf("ListTransactions failed: %v", err)
	}
	if len(txns) != 3 {
		t.Fatalf("got %d ledger rows, want 3", len(txns))
	}
	var sum int64
	for _, tx := range txns {
		if tx.Kind != KindTransfer {
			t.Errorf("row %s kind = %s, want transfer", tx.ID, tx.Kind)
		}
		if tx.Amount <= 0 {
			t.Errorf("row %s amount = %d, want positive", tx.ID, tx.Amount)
		}
		sum += tx.Amount
	}
	if sum != 1_000_000 {
		t.Errorf("ledger rows sum to %d, want 1000000", sum)
	}
}

func TestCreditPurchaseIdempotent(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 990_000)); err != nil {
		t.Fatalf("first credit failed: %v", err)
	}
	err := store.CreditPurchase(ctx, creditOp("pur-1", 990_000))
	if !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second credit: got %v, want ErrAlreadySettled", err)
	}

	w, _ := store.GetWallet(ctx, Platform("VND"))
	if w.Total != 990_000 {
		t.Errorf("total after duplicate = %d, want 990000", w.Total)
	}
}

func TestCreditPurchaseRejectsMismatchedShares(t *testing.T) {
	store := NewMemoryStore(nil)

	op := creditOp("pur-1", 1000)
	op.Shares.System++ // no longer sums to the purchase amount

	err := store.CreditPurchase(context.Background(), op)
	if !errors.Is(err, ErrInvalidAmount) {
		t.Fatalf("got %v, want ErrInvalidAmount", err)
	}
}

func TestReleaseCourseFeeMovesHoldToTeacher(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 1_000_000)); err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}
	err := store.ReleaseCourseFee(ctx, ReleaseCourseFee{
		PurchaseID: "pur-1",
		TeacherID:  "tch-9",
		Currency:   "VND",
		Amount:     550_000,
	})
	if err != nil {
		t.Fatalf("ReleaseCourseFee failed: %v", err)
	}

	platform, _ := store.GetWallet(ctx, Platform("VND"))
	if platform.Total != 450_000 || platform.Hold != 350_000 || platform.Available != 100_000 {
		t.Errorf("platform = total %d / available %d / hold %d, want 450000/100000/350000",
			platform.Total, platform.Available, platform.Hold)
	}

	teacher, err := store.GetWallet(ctx, Teacher("tch-9", "VND"))
	if err != nil {
		t.Fatalf("teacher wallet not created: %v", err)
	}
	if teacher.Total != 550_000 || teacher.Available != 550_000 || teacher.Hold != 0 {
		t.Errorf("teacher = total %d / available %d / hold %d, want 550000/550000/0",
			teacher.Total, teacher.Available, teacher.Hold)
	}
}

func TestReleaseCourseFeeIdempotent(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 1_000_000)); err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}
	op := ReleaseCourseFee{PurchaseID: "pur-1", TeacherID: "tch-9", Currency: "VND", Amount: 550_000}
	if err := store.ReleaseCourseFee(ctx, op); err != nil {
		t.Fatalf("first release failed: %v", err)
	}
	if err := store.ReleaseCourseFee(ctx, op); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("second release: got %v, want ErrAlreadySettled", err)
	}

	teacher, _ := store.GetWallet(ctx, Teacher("tch-9", "VND"))
	if teacher.Total != 550_000 {
		t.Errorf("teacher total after duplicate = %d, want 550000", teacher.Total)
	}
}

type fixedGate struct {
	blocked bool
	err     error
}

func (g fixedGate) Blocked(ctx context.Context, purchaseID string) (bool, error) {
	return g.blocked, g.err
}

func TestReleaseCourseFeeBlockedByGate(t *testing.T) {
	store := NewMemoryStore(fixedGate{blocked: true})
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 1_000_000)); err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}
	err := store.ReleaseCourseFee(ctx, ReleaseCourseFee{
		PurchaseID: "pur-1", TeacherID: "tch-9", Currency: "VND", Amount: 550_000,
	})
	if !errors.Is(err, ErrPayoutBlocked) {
		t.Fatalf("got %v, want ErrPayoutBlocked", err)
	}

	// Nothing moved.
	platform, _ := store.GetWallet(ctx, Platform("VND"))
	if platform.Hold != 900_000 {
		t.Errorf("platform hold = %d, want 900000", platform.Hold)
	}
	if _, err := store.GetWallet(ctx, Teacher("tch-9", "VND")); !errors.Is(err, ErrWalletNotFound) {
		t.Errorf("teacher wallet should not exist after blocked release, got %v", err)
	}
}

func TestReleaseCourseFeeInsufficientHold(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 1000)); err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}
	err := store.ReleaseCourseFee(ctx, ReleaseCourseFee{
		PurchaseID: "pur-other", TeacherID: "tch-9", Currency: "VND", Amount: 5000,
	})
	if !errors.Is(err, ErrInsufficientHold) {
		t.Fatalf("got %v, want ErrInsufficientHold", err)
	}
}

func TestReleaseOnUncreditedPlatformWallet(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	err := store.ReleaseCourseFee(ctx, ReleaseCourseFee{
		PurchaseID: "pur-1", TeacherID: "tch-9", Currency: "VND", Amount: 550_000,
	})
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("course fee release got %v, want ErrWalletNotFound", err)
	}

	err = store.ReleaseGradingFee(ctx, ReleaseGradingFee{
		AllocationID: "alloc-1", TeacherID: "tch-9", Currency: "VND", Amount: 100_000,
	})
	if !errors.Is(err, ErrWalletNotFound) {
		t.Fatalf("grading fee release got %v, want ErrWalletNotFound", err)
	}
}

func TestReleaseGradingFee(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 1_000_000)); err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}
	op := ReleaseGradingFee{AllocationID: "alloc-1", TeacherID: "tch-2", Currency: "VND", Amount: 70_000}
	if err := store.ReleaseGradingFee(ctx, op); err != nil {
		t.Fatalf("ReleaseGradingFee failed: %v", err)
	}
	if err := store.ReleaseGradingFee(ctx, op); !errors.Is(err, ErrAlreadySettled) {
		t.Fatalf("duplicate grading release: got %v, want ErrAlreadySettled", err)
	}

	teacher, err := store.GetWallet(ctx, Teacher("tch-2", "VND"))
	if err != nil {
		t.Fatalf("teacher wallet not created: %v", err)
	}
	if teacher.Available != 70_000 {
		t.Errorf("teacher available = %d, want 70000", teacher.Available)
	}
	platform, _ := store.GetWallet(ctx, Platform("VND"))
	if platform.Hold != 830_000 {
		t.Errorf("platform hold = %d, want 830000", platform.Hold)
	}
}

func TestLedgerReconstructsBalances(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	for _, p := range []struct {
		id     string
		amount int64
	}{
		{"pur-1", 1_000_000},
		{"pur-2", 330_000},
		{"pur-3", 99},
	} {
		if err := store.CreditPurchase(ctx, creditOp(p.id, p.amount)); err != nil {
			t.Fatalf("credit %s failed: %v", p.id, err)
		}
	}
	if err := store.ReleaseCourseFee(ctx, ReleaseCourseFee{
		PurchaseID: "pur-1", TeacherID: "tch-1", Currency: "VND", Amount: 550_000,
	}); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if err := store.ReleaseGradingFee(ctx, ReleaseGradingFee{
		AllocationID: "alloc-1", TeacherID: "tch-2", Currency: "VND", Amount: 40_000,
	}); err != nil {
		t.Fatalf("grading release failed: %v", err)
	}

	wallets, err := store.ListWallets(ctx)
	if err != nil {
		t.Fatalf("ListWallets failed: %v", err)
	}
	if len(wallets) != 3 {
		t.Fatalf("got %d wallets, want 3", len(wallets))
	}

	var systemTotal int64
	for _, w := range wallets {
		sum, err := store.SumTransactions(ctx, w.ID)
		if err != nil {
			t.Fatalf("SumTransactions failed: %v", err)
		}
		if sum != w.Total {
			t.Errorf("wallet %s: ledger sum %d != stored total %d", w.ID, sum, w.Total)
		}
		if w.Total != w.Available+w.Hold {
			t.Errorf("wallet %s: total %d != available %d + hold %d", w.ID, w.Total, w.Available, w.Hold)
		}
		systemTotal += w.Total
	}
	// Conservation: money only moves between wallets after the credit.
	if want := int64(1_000_000 + 330_000 + 99); systemTotal != want {
		t.Errorf("system total = %d, want %d", systemTotal, want)
	}
}

func TestConcurrentDuplicateSettlements(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 1_000_000)); err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}

	const workers = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	var settledCount int

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.ReleaseCourseFee(ctx, ReleaseCourseFee{
				PurchaseID: "pur-1", TeacherID: "tch-9", Currency: "VND", Amount: 550_000,
			})
			if err == nil {
				mu.Lock()
				settledCount++
				mu.Unlock()
			} else if !errors.Is(err, ErrAlreadySettled) {
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if settledCount != 1 {
		t.Fatalf("release succeeded %d times, want exactly 1", settledCount)
	}
	teacher, _ := store.GetWallet(ctx, Teacher("tch-9", "VND"))
	if teacher.Total != 550_000 {
		t.Errorf("teacher total = %d, want 550000", teacher.Total)
	}
}

func TestListTransactionsByReference(t *testing.T) {
	store := NewMemoryStore(nil)
	ctx := context.Background()

	if err := store.CreditPurchase(ctx, creditOp("pur-1", 1_000_000)); err != nil {
		t.Fatalf("CreditPurchase failed: %v", err)
	}
	if err := store.ReleaseCourseFee(ctx, ReleaseCourseFee{
		PurchaseID: "pur-1", TeacherID: "tch-9", Currency: "VND", Amount: 550_000,
	}); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	rows, err := store.ListTransactionsByReference(ctx, "pur-1", RefTeacherPayout)
	if err != nil {
		t.Fatalf("ListTransactionsByReference failed: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("got %d payout rows, want 2", len(rows))
	}
	if rows[0].Amount+rows[1].Amount != 0 {
		t.Errorf("payout legs do not cancel: %d and %d", rows[0].Amount, rows[1].Amount)
	}
}
