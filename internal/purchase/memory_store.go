package purchase

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory purchase store for demo/development mode
// and tests. Records are seeded through the Put methods.
type MemoryStore struct {
	purchases   map[string]*Purchase
	refunds     map[string][]*RefundRequest // purchase id -> requests
	allocations map[string]*EarningAllocation
	mu          sync.RWMutex
}

// NewMemoryStore creates a new in-memory purchase store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		purchases:   make(map[string]*Purchase),
		refunds:     make(map[string][]*RefundRequest),
		allocations: make(map[string]*EarningAllocation),
	}
}

// PutPurchase seeds or replaces a purchase record.
func (m *MemoryStore) PutPurchase(p *Purchase) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.purchases[p.ID] = &cp
}

// PutRefundRequest seeds or replaces a refund request. Re-putting the
// same request ID updates it in place, so a status change (approved,
// rejected) replaces the old row instead of accumulating next to it.
func (m *MemoryStore) PutRefundRequest(r *RefundRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	for i, existing := range m.refunds[r.PurchaseID] {
		if existing.ID == r.ID {
			m.refunds[r.PurchaseID][i] = &cp
			return
		}
	}
	m.refunds[r.PurchaseID] = append(m.refunds[r.PurchaseID], &cp)
}

// PutAllocation seeds or replaces an earning allocation.
func (m *MemoryStore) PutAllocation(a *EarningAllocation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *a
	m.allocations[a.ID] = &cp
}

func (m *MemoryStore) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.purchases[id]
	if !ok {
		return nil, ErrPurchaseNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) ListRefundRequests(ctx context.Context, purchaseID string) ([]*RefundRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*RefundRequest
	for _, r := range m.refunds[purchaseID] {
		cp := *r
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) GetAllocation(ctx context.Context, id string) (*EarningAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.allocations[id]
	if !ok {
		return nil, ErrAllocationNotFound
	}
	cp := *a
	return &cp, nil
}

// ListDueForPayout returns completed purchases paid on or before the
// cutoff. Memory mode has no view of the ledger, so already-settled
// purchases are returned too; the settlement idempotency check turns
// those into no-ops.
func (m *MemoryStore) ListDueForPayout(ctx context.Context, paidBefore time.Time, limit int) ([]*Purchase, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Purchase
	for _, p := range m.purchases {
		if p.Status != StatusCompleted || p.PaidAt == nil || p.PaidAt.After(paidBefore) {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].PaidAt.Before(*result[j].PaidAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (m *MemoryStore) ListApprovedAllocations(ctx context.Context, limit int) ([]*EarningAllocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*EarningAllocation
	for _, a := range m.allocations {
		if a.Status != AllocationApproved {
			continue
		}
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
