// Package wallet is the ledger store: wallet balances and their
// append-only transaction trail.
//
// Money flow:
//  1. A completed course purchase credits the platform wallet. The
//     platform's own share lands in available, the teacher shares in hold.
//  2. After the dispute window, held shares are released into the
//     owning teacher's wallet.
//  3. Grading fees are released from hold when an earning allocation
//     is approved.
//
// Every balance mutation is one atomic settlement unit: row locks on the
// wallet rows, an idempotency check on the (reference id, reference kind)
// pair, the balance updates, and the matching ledger rows all commit or
// roll back together. The transaction trail is the source of truth; the
// wallet balances are a materialized projection of it.
package wallet

import (
	"context"
	"errors"
	"time"

	"github.com/ndthuan/coursepay/internal/feeplan"
)

var (
	ErrWalletNotFound   = errors.New("wallet not found")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrAlreadySettled   = errors.New("reference already settled")
	ErrPayoutBlocked    = errors.New("payout blocked by open refund request")
	ErrInsufficientHold = errors.New("insufficient hold balance")
)

// OwnerKind identifies who a wallet belongs to.
type OwnerKind string

const (
	OwnerPlatform OwnerKind = "platform"
	OwnerTeacher  OwnerKind = "teacher"
)

// TxKind classifies a ledger row.
type TxKind string

const (
	KindTransfer TxKind = "transfer" // purchase credit into the platform wallet
	KindPayout   TxKind = "payout"   // release from hold into a teacher wallet
)

// ReferenceKind is the type half of the (reference id, reference kind)
// pair a ledger row points back to. It doubles as the idempotency key.
type ReferenceKind string

const (
	RefCoursePurchase    ReferenceKind = "course_purchase"
	RefCourseCreationFee ReferenceKind = "course_creation_fee"
	RefGradingFee        ReferenceKind = "grading_fee"
	RefTeacherPayout     ReferenceKind = "teacher_payout"
)

// StatusSucceeded is the only persisted transaction status. Attempted
// settlements that fail roll back wholesale and leave no rows behind.
const StatusSucceeded = "succeeded"

// Wallet holds one party's balances in one currency. Amounts are in
// minor currency units. Invariant: Total == Available + Hold, none negative.
type Wallet struct {
	ID        string    `json:"id"`
	OwnerKind OwnerKind `json:"ownerKind"`
	TeacherID string    `json:"teacherId,omitempty"` // set iff OwnerKind == teacher
	Currency  string    `json:"currency"`
	Total     int64     `json:"total"`
	Available int64     `json:"available"`
	Hold      int64     `json:"hold"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Transaction is one immutable ledger row. Amount is signed: the sum of
// all rows for a wallet equals its Total balance.
type Transaction struct {
	ID            string        `json:"id"`
	WalletID      string        `json:"walletId"`
	Kind          TxKind        `json:"kind"`
	Amount        int64         `json:"amount"`
	ReferenceID   string        `json:"referenceId"`
	ReferenceKind ReferenceKind `json:"referenceKind"`
	RateBps       int           `json:"rateBps,omitempty"` // fee rate applied, credit rows only
	Status        string        `json:"status"`
	Description   string        `json:"description,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// OwnerRef addresses a wallet by owner rather than by id. TeacherID is
// empty for the platform wallet.
type OwnerRef struct {
	Kind      OwnerKind
	TeacherID string
	Currency  string
}

// Platform returns the owner ref of the platform wallet in the given currency.
func Platform(currency string) OwnerRef {
	return OwnerRef{Kind: OwnerPlatform, Currency: currency}
}

// Teacher returns the owner ref of a teacher's wallet in the given currency.
func Teacher(teacherID, currency string) OwnerRef {
	return OwnerRef{Kind: OwnerTeacher, TeacherID: teacherID, Currency: currency}
}

// CreditPurchase is the settlement unit applied when a purchase completes:
// the full amount lands on the platform wallet, split between available
// (system share) and hold (teacher shares).
type CreditPurchase struct {
	PurchaseID string
	Currency   string
	Amount     int64
	Shares     feeplan.Shares
	Plan       feeplan.Plan
}

// ReleaseCourseFee is the settlement unit moving the held course-creation
// share from the platform wallet into the teacher's wallet.
type ReleaseCourseFee struct {
	PurchaseID string
	TeacherID  string
	Currency   string
	Amount     int64
}

// ReleaseGradingFee is the settlement unit moving a held grading fee from
// the platform wallet into the grading teacher's wallet.
type ReleaseGradingFee struct {
	AllocationID string
	TeacherID    string
	Currency     string
	Amount       int64
}

// PayoutGate decides whether held funds for a purchase may be released.
// Implementations must evaluate against the same transactional snapshot
// as the release itself; the stores arrange for that.
type PayoutGate interface {
	Blocked(ctx context.Context, purchaseID string) (bool, error)
}

// Store persists wallets and their ledger.
//
// The three settlement methods are atomic: each either fully applies its
// balance updates plus ledger rows, or leaves no trace. They return
// ErrAlreadySettled when the idempotency check finds an existing row for
// the operation's reference pair, and ErrPayoutBlocked when the payout
// gate denies a course-fee release.
type Store interface {
	GetWallet(ctx context.Context, ref OwnerRef) (*Wallet, error)
	GetWalletByID(ctx context.Context, id string) (*Wallet, error)
	ListWallets(ctx context.Context) ([]*Wallet, error)
	ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error)
	ListTransactionsByReference(ctx context.Context, refID string, refKind ReferenceKind) ([]*Transaction, error)
	SumTransactions(ctx context.Context, walletID string) (int64, error)

	CreditPurchase(ctx context.Context, op CreditPurchase) error
	ReleaseCourseFee(ctx context.Context, op ReleaseCourseFee) error
	ReleaseGradingFee(ctx context.Context, op ReleaseGradingFee) error
}

func (op CreditPurchase) validate() error {
	if op.PurchaseID == "" || op.Currency == "" {
		return ErrInvalidAmount
	}
	if op.Amount <= 0 || op.Shares.Total() != op.Amount {
		return ErrInvalidAmount
	}
	return nil
}

func (op ReleaseCourseFee) validate() error {
	if op.PurchaseID == "" || op.TeacherID == "" || op.Currency == "" || op.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

func (op ReleaseGradingFee) validate() error {
	if op.AllocationID == "" || op.TeacherID == "" || op.Currency == "" || op.Amount <= 0 {
		return ErrInvalidAmount
	}
	return nil
}
