// Package purchase exposes read-only views of records owned by other
// subsystems: course purchases (checkout), refund requests (disputes)
// and teacher earning allocations (grading).
//
// The ledger only reads these. It reacts to completed purchases and
// approved allocations, and treats open refund requests as payout blocks;
// it never mutates any of them.
package purchase

import (
	"context"
	"errors"
	"time"
)

var (
	ErrPurchaseNotFound   = errors.New("purchase not found")
	ErrAllocationNotFound = errors.New("earning allocation not found")
)

// Status of a course purchase.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// RefundStatus of a refund request.
type RefundStatus string

const (
	RefundPending  RefundStatus = "pending"
	RefundApproved RefundStatus = "approved"
	RefundRejected RefundStatus = "rejected"
)

// AllocationStatus of a grading earning allocation.
type AllocationStatus string

const (
	AllocationPending  AllocationStatus = "pending"
	AllocationApproved AllocationStatus = "approved"
	AllocationRejected AllocationStatus = "rejected"
)

// Purchase is a completed-or-pending course purchase. FinalAmount is in
// minor currency units.
type Purchase struct {
	ID          string     `json:"id"`
	CourseID    string     `json:"courseId"`
	TeacherID   string     `json:"teacherId"`
	FinalAmount int64      `json:"finalAmount"`
	Currency    string     `json:"currency"`
	Status      Status     `json:"status"`
	PaidAt      *time.Time `json:"paidAt,omitempty"`
}

// RefundRequest is a buyer's dispute against a purchase.
type RefundRequest struct {
	ID         string       `json:"id"`
	PurchaseID string       `json:"purchaseId"`
	Status     RefundStatus `json:"status"`
	CreatedAt  time.Time    `json:"createdAt"`
}

// EarningAllocation grants a teacher a grading fee for exercise review work.
type EarningAllocation struct {
	ID                    string           `json:"id"`
	TeacherID             string           `json:"teacherId"`
	ExerciseGradingAmount int64            `json:"exerciseGradingAmount"`
	Currency              string           `json:"currency"`
	Status                AllocationStatus `json:"status"`
	CreatedAt             time.Time        `json:"createdAt"`
}

// Store reads externally-owned purchase, refund and allocation records.
type Store interface {
	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	ListRefundRequests(ctx context.Context, purchaseID string) ([]*RefundRequest, error)
	GetAllocation(ctx context.Context, id string) (*EarningAllocation, error)

	// ListDueForPayout returns completed purchases paid on or before the
	// cutoff whose teacher payout has not been settled yet.
	ListDueForPayout(ctx context.Context, paidBefore time.Time, limit int) ([]*Purchase, error)

	// ListApprovedAllocations returns approved allocations whose grading
	// fee has not been settled yet.
	ListApprovedAllocations(ctx context.Context, limit int) ([]*EarningAllocation, error)
}
