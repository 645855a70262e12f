package refund

import (
	"context"
	"testing"
	"time"

	"github.com/ndthuan/coursepay/internal/purchase"
)

func TestBlockedBy(t *testing.T) {
	paidAt := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

	cases := []struct {
		name    string
		status  purchase.RefundStatus
		filedAt time.Time
		want    bool
	}{
		{"pending inside window", purchase.RefundPending, paidAt.Add(24 * time.Hour), true},
		{"approved inside window", purchase.RefundApproved, paidAt.Add(71 * time.Hour), true},
		{"rejected inside window", purchase.RefundRejected, paidAt.Add(24 * time.Hour), false},
		{"pending at window edge", purchase.RefundPending, paidAt.Add(72 * time.Hour), true},
		{"pending past window", purchase.RefundPending, paidAt.Add(72*time.Hour + time.Second), false},
		{"pending before payment", purchase.RefundPending, paidAt.Add(-time.Hour), false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			requests := []*purchase.RefundRequest{{
				ID:         "rf1",
				PurchaseID: "p1",
				Status:     tc.status,
				CreatedAt:  tc.filedAt,
			}}
			if got := BlockedBy(paidAt, requests, DefaultWindow); got != tc.want {
				t.Errorf("BlockedBy = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestBlockedBy_NoRequests(t *testing.T) {
	if BlockedBy(time.Now(), nil, DefaultWindow) {
		t.Error("no refund requests should not block")
	}
}

func TestMemoryGuard(t *testing.T) {
	ctx := context.Background()
	store := purchase.NewMemoryStore()
	paidAt := time.Now().Add(-24 * time.Hour)

	store.PutPurchase(&purchase.Purchase{
		ID:          "p1",
		TeacherID:   "t1",
		FinalAmount: 1000,
		Currency:    "VND",
		Status:      purchase.StatusCompleted,
		PaidAt:      &paidAt,
	})

	guard := NewMemoryGuard(store, DefaultWindow)

	blocked, err := guard.Blocked(ctx, "p1")
	if err != nil {
		t.Fatalf("Blocked failed: %v", err)
	}
	if blocked {
		t.Error("purchase without refund requests should not be blocked")
	}

	store.PutRefundRequest(&purchase.RefundRequest{
		ID:         "rf1",
		PurchaseID: "p1",
		Status:     purchase.RefundPending,
		CreatedAt:  paidAt.Add(time.Hour),
	})

	blocked, err = guard.Blocked(ctx, "p1")
	if err != nil {
		t.Fatalf("Blocked failed: %v", err)
	}
	if !blocked {
		t.Error("pending refund inside window should block")
	}
}

func TestMemoryGuard_UnknownPurchase(t *testing.T) {
	guard := NewMemoryGuard(purchase.NewMemoryStore(), DefaultWindow)
	if _, err := guard.Blocked(context.Background(), "missing"); err == nil {
		t.Error("expected error for unknown purchase")
	}
}
