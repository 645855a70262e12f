package purchase

import (
	"context"
	"testing"
	"time"
)

func TestPutRefundRequestReplacesByID(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	created := time.Now()

	store.PutRefundRequest(&RefundRequest{
		ID: "ref-1", PurchaseID: "pur-1", Status: RefundPending, CreatedAt: created,
	})
	store.PutRefundRequest(&RefundRequest{
		ID: "ref-1", PurchaseID: "pur-1", Status: RefundRejected, CreatedAt: created,
	})

	refunds, err := store.ListRefundRequests(ctx, "pur-1")
	if err != nil {
		t.Fatalf("ListRefundRequests failed: %v", err)
	}
	if len(refunds) != 1 {
		t.Fatalf("expected 1 refund request after status update, got %d", len(refunds))
	}
	if refunds[0].Status != RefundRejected {
		t.Errorf("status = %q, want %q", refunds[0].Status, RefundRejected)
	}
}

func TestPutRefundRequestKeepsDistinctIDs(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	store.PutRefundRequest(&RefundRequest{ID: "ref-1", PurchaseID: "pur-1", Status: RefundRejected})
	store.PutRefundRequest(&RefundRequest{ID: "ref-2", PurchaseID: "pur-1", Status: RefundPending})

	refunds, err := store.ListRefundRequests(ctx, "pur-1")
	if err != nil {
		t.Fatalf("ListRefundRequests failed: %v", err)
	}
	if len(refunds) != 2 {
		t.Fatalf("expected 2 refund requests, got %d", len(refunds))
	}
}
