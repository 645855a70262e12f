// Package refund gates payouts on open refund requests.
//
// A payout for a purchase is blocked while a refund request filed within
// the dispute window after payment is still pending or approved. The
// guard is a read-only predicate over records owned by the refund
// subsystem; resolving disputes is somebody else's job.
package refund

import (
	"context"
	"database/sql"
	"time"

	"github.com/ndthuan/coursepay/internal/purchase"
)

// DefaultWindow is how long after payment a refund request can block a payout.
const DefaultWindow = 72 * time.Hour

// blockingStatuses: a rejected or withdrawn request never blocks.
func blocking(status purchase.RefundStatus) bool {
	return status == purchase.RefundPending || status == purchase.RefundApproved
}

// BlockedBy reports whether any of the given refund requests blocks a
// payout for a purchase paid at paidAt: filed inside [paidAt,
// paidAt+window] and still pending or approved.
func BlockedBy(paidAt time.Time, requests []*purchase.RefundRequest, window time.Duration) bool {
	deadline := paidAt.Add(window)
	for _, r := range requests {
		if !blocking(r.Status) {
			continue
		}
		if r.CreatedAt.Before(paidAt) || r.CreatedAt.After(deadline) {
			continue
		}
		return true
	}
	return false
}

// Querier is the subset of *sql.Tx the SQL guard needs, so the check runs
// on the same open transaction as the release it gates.
type Querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLGuard evaluates the blocking predicate against the database.
type SQLGuard struct {
	window time.Duration
}

// NewSQLGuard creates a guard with the given dispute window.
func NewSQLGuard(window time.Duration) *SQLGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &SQLGuard{window: window}
}

// Blocked runs the predicate on the caller's transaction. Evaluating it
// there closes the race where a refund is filed between the check and
// the transfer: both see the same snapshot and commit together.
func (g *SQLGuard) Blocked(ctx context.Context, q Querier, purchaseID string) (bool, error) {
	var blocked bool
	err := q.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1
			FROM refund_requests r
			JOIN purchases p ON p.id = r.purchase_id
			WHERE r.purchase_id = $1
			  AND r.status IN ('pending', 'approved')
			  AND p.paid_at IS NOT NULL
			  AND r.created_at >= p.paid_at
			  AND r.created_at <= p.paid_at + make_interval(secs => $2)
		)
	`, purchaseID, g.window.Seconds()).Scan(&blocked)
	if err != nil {
		return false, err
	}
	return blocked, nil
}

// MemoryGuard evaluates the predicate against an in-memory purchase store.
type MemoryGuard struct {
	store  purchase.Store
	window time.Duration
}

// NewMemoryGuard creates a guard reading from the given store.
func NewMemoryGuard(store purchase.Store, window time.Duration) *MemoryGuard {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryGuard{store: store, window: window}
}

// Blocked implements wallet.PayoutGate.
func (g *MemoryGuard) Blocked(ctx context.Context, purchaseID string) (bool, error) {
	p, err := g.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return false, err
	}
	if p.PaidAt == nil {
		return false, nil
	}
	requests, err := g.store.ListRefundRequests(ctx, purchaseID)
	if err != nil {
		return false, err
	}
	return BlockedBy(*p.PaidAt, requests, g.window), nil
}
