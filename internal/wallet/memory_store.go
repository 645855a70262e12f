package wallet

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ndthuan/coursepay/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// One mutex covers every settlement unit, which gives the same
// atomicity and at-most-once behavior the Postgres store gets from
// row locks and transactions.
type MemoryStore struct {
	wallets      map[OwnerRef]*Wallet
	transactions []*Transaction
	gate         PayoutGate // nil = releases are never blocked
	mu           sync.RWMutex
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore(gate PayoutGate) *MemoryStore {
	return &MemoryStore{
		wallets: make(map[OwnerRef]*Wallet),
		gate:    gate,
	}
}

func (m *MemoryStore) GetWallet(ctx context.Context, ref OwnerRef) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.wallets[ref]
	if !ok {
		return nil, ErrWalletNotFound
	}
	cp := *w
	return &cp, nil
}

func (m *MemoryStore) GetWalletByID(ctx context.Context, id string) (*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, w := range m.wallets {
		if w.ID == id {
			cp := *w
			return &cp, nil
		}
	}
	return nil, ErrWalletNotFound
}

func (m *MemoryStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*Wallet, 0, len(m.wallets))
	for _, w := range m.wallets {
		cp := *w
		result = append(result, &cp)
	}
	return result, nil
}

func (m *MemoryStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for i := len(m.transactions) - 1; i >= 0 && (limit <= 0 || len(result) < limit); i-- {
		if m.transactions[i].WalletID == walletID {
			cp := *m.transactions[i]
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) ListTransactionsByReference(ctx context.Context, refID string, refKind ReferenceKind) ([]*Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Transaction
	for _, t := range m.transactions {
		if t.ReferenceID == refID && t.ReferenceKind == refKind {
			cp := *t
			result = append(result, &cp)
		}
	}
	return result, nil
}

func (m *MemoryStore) SumTransactions(ctx context.Context, walletID string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var sum int64
	for _, t := range m.transactions {
		if t.WalletID == walletID {
			sum += t.Amount
		}
	}
	return sum, nil
}

// settled reports whether any ledger row exists for the reference pair.
// Callers must hold the mutex.
func (m *MemoryStore) settled(refID string, refKind ReferenceKind) bool {
	for _, t := range m.transactions {
		if t.ReferenceID == refID && t.ReferenceKind == refKind {
			return true
		}
	}
	return false
}

// getOrCreate returns the wallet for ref, creating it on first use.
// Callers must hold the mutex.
func (m *MemoryStore) getOrCreate(ref OwnerRef) *Wallet {
	if w, ok := m.wallets[ref]; ok {
		return w
	}
	now := time.Now()
	w := &Wallet{
		ID:        idgen.WithPrefix("wal_"),
		OwnerKind: ref.Kind,
		TeacherID: ref.TeacherID,
		Currency:  ref.Currency,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.wallets[ref] = w
	return w
}

// append writes one ledger row. Callers must hold the mutex.
func (m *MemoryStore) append(t Transaction) {
	t.ID = idgen.New()
	t.Status = StatusSucceeded
	t.CreatedAt = time.Now()
	m.transactions = append(m.transactions, &t)
}

// checkInvariant panics when a settlement would corrupt a balance; the
// Postgres CHECK constraints play the same role there.
func checkInvariant(w *Wallet) {
	if w.Total != w.Available+w.Hold || w.Total < 0 || w.Available < 0 || w.Hold < 0 {
		panic(fmt.Sprintf("wallet %s invariant violated: total=%d available=%d hold=%d",
			w.ID, w.Total, w.Available, w.Hold))
	}
}

func (m *MemoryStore) CreditPurchase(ctx context.Context, op CreditPurchase) error {
	if err := op.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settled(op.PurchaseID, RefCoursePurchase) {
		return ErrAlreadySettled
	}

	platform := m.getOrCreate(Platform(op.Currency))
	held := op.Shares.CourseCreation + op.Shares.Grading

	platform.Total += op.Amount
	platform.Available += op.Shares.System
	platform.Hold += held
	platform.UpdatedAt = time.Now()
	checkInvariant(platform)

	m.append(Transaction{
		WalletID:      platform.ID,
		Kind:          KindTransfer,
		Amount:        op.Shares.System,
		ReferenceID:   op.PurchaseID,
		ReferenceKind: RefCoursePurchase,
		RateBps:       op.Plan.SystemBps,
		Description:   "platform share of course purchase",
	})
	m.append(Transaction{
		WalletID:      platform.ID,
		Kind:          KindTransfer,
		Amount:        op.Shares.CourseCreation,
		ReferenceID:   op.PurchaseID,
		ReferenceKind: RefCourseCreationFee,
		RateBps:       op.Plan.CourseCreationBps,
		Description:   "course creation fee held for teacher",
	})
	m.append(Transaction{
		WalletID:      platform.ID,
		Kind:          KindTransfer,
		Amount:        op.Shares.Grading,
		ReferenceID:   op.PurchaseID,
		ReferenceKind: RefGradingFee,
		RateBps:       op.Plan.GradingBps,
		Description:   "grading fee held",
	})

	return nil
}

func (m *MemoryStore) ReleaseCourseFee(ctx context.Context, op ReleaseCourseFee) error {
	if err := op.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settled(op.PurchaseID, RefTeacherPayout) {
		return ErrAlreadySettled
	}

	if m.gate != nil {
		blocked, err := m.gate.Blocked(ctx, op.PurchaseID)
		if err != nil {
			return err
		}
		if blocked {
			return ErrPayoutBlocked
		}
	}

	platform, ok := m.wallets[Platform(op.Currency)]
	if !ok {
		return ErrWalletNotFound
	}
	if platform.Hold < op.Amount {
		return ErrInsufficientHold
	}

	teacher := m.getOrCreate(Teacher(op.TeacherID, op.Currency))

	platform.Hold -= op.Amount
	platform.Total -= op.Amount
	platform.UpdatedAt = time.Now()
	teacher.Total += op.Amount
	teacher.Available += op.Amount
	teacher.UpdatedAt = time.Now()
	checkInvariant(platform)
	checkInvariant(teacher)

	m.append(Transaction{
		WalletID:      platform.ID,
		Kind:          KindPayout,
		Amount:        -op.Amount,
		ReferenceID:   op.PurchaseID,
		ReferenceKind: RefTeacherPayout,
		Description:   "course creation fee released to teacher",
	})
	m.append(Transaction{
		WalletID:      teacher.ID,
		Kind:          KindPayout,
		Amount:        op.Amount,
		ReferenceID:   op.PurchaseID,
		ReferenceKind: RefTeacherPayout,
		Description:   "course creation fee received",
	})

	return nil
}

func (m *MemoryStore) ReleaseGradingFee(ctx context.Context, op ReleaseGradingFee) error {
	if err := op.validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.settled(op.AllocationID, RefGradingFee) {
		return ErrAlreadySettled
	}

	platform, ok := m.wallets[Platform(op.Currency)]
	if !ok {
		return ErrWalletNotFound
	}
	if platform.Hold < op.Amount {
		return ErrInsufficientHold
	}

	teacher := m.getOrCreate(Teacher(op.TeacherID, op.Currency))

	platform.Hold -= op.Amount
	platform.Total -= op.Amount
	platform.UpdatedAt = time.Now()
	teacher.Total += op.Amount
	teacher.Available += op.Amount
	teacher.UpdatedAt = time.Now()
	checkInvariant(platform)
	checkInvariant(teacher)

	m.append(Transaction{
		WalletID:      platform.ID,
		Kind:          KindPayout,
		Amount:        -op.Amount,
		ReferenceID:   op.AllocationID,
		ReferenceKind: RefGradingFee,
		Description:   "grading fee released to teacher",
	})
	m.append(Transaction{
		WalletID:      teacher.ID,
		Kind:          KindPayout,
		Amount:        op.Amount,
		ReferenceID:   op.AllocationID,
		ReferenceKind: RefGradingFee,
		Description:   "grading fee received",
	})

	return nil
}
