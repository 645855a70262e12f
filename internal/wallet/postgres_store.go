package wallet

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/ndthuan/coursepay/internal/idgen"
	"github.com/ndthuan/coursepay/internal/outbox"
	"github.com/ndthuan/coursepay/internal/refund"
)

// TxPayoutGate is the refund guard as seen by the Postgres store: the
// predicate runs on the open settlement transaction so the check and the
// transfer share one snapshot.
type TxPayoutGate interface {
	Blocked(ctx context.Context, q refund.Querier, purchaseID string) (bool, error)
}

// PostgresStore implements Store with PostgreSQL.
//
// Each settlement method is one transaction. Wallet rows are locked with
// SELECT ... FOR UPDATE, platform first and teacher second, so concurrent
// settlements serialize on the platform wallet row and cannot interleave
// their read-modify-write cycles. The idempotency check runs after the
// lock is acquired; a settlement racing a duplicate therefore waits for
// the first commit and then sees its rows.
type PostgresStore struct {
	db   *sql.DB
	gate TxPayoutGate
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store.
// gate may be nil, in which case course-fee releases are never blocked.
func NewPostgresStore(db *sql.DB, gate TxPayoutGate) *PostgresStore {
	return &PostgresStore{db: db, gate: gate}
}

// IsTransient reports whether err is a retryable database conflict:
// a serialization failure or a deadlock. Business-rule failures are
// never transient.
func IsTransient(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
	}
	return false
}

const walletColumns = `id, owner_kind, teacher_id, currency, total, available, hold, created_at, updated_at`

func scanWallet(row interface{ Scan(...any) error }) (*Wallet, error) {
	w := &Wallet{}
	var teacherID sql.NullString
	err := row.Scan(&w.ID, &w.OwnerKind, &teacherID, &w.Currency,
		&w.Total, &w.Available, &w.Hold, &w.CreatedAt, &w.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrWalletNotFound
	}
	if err != nil {
		return nil, err
	}
	w.TeacherID = teacherID.String
	return w, nil
}

func (p *PostgresStore) GetWallet(ctx context.Context, ref OwnerRef) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE owner_kind = $1 AND teacher_id IS NOT DISTINCT FROM NULLIF($2, '') AND currency = $3
	`, ref.Kind, ref.TeacherID, ref.Currency)
	return scanWallet(row)
}

func (p *PostgresStore) GetWalletByID(ctx context.Context, id string) (*Wallet, error) {
	row := p.db.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets WHERE id = $1
	`, id)
	return scanWallet(row)
}

func (p *PostgresStore) ListWallets(ctx context.Context) ([]*Wallet, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+walletColumns+` FROM wallets ORDER BY created_at
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var wallets []*Wallet
	for rows.Next() {
		w, err := scanWallet(rows)
		if err != nil {
			return nil, err
		}
		wallets = append(wallets, w)
	}
	return wallets, rows.Err()
}

const transactionColumns = `id, wallet_id, kind, amount, reference_id, reference_kind, rate_bps, status, description, created_at`

func scanTransaction(row interface{ Scan(...any) error }) (*Transaction, error) {
	t := &Transaction{}
	var rateBps sql.NullInt64
	var description sql.NullString
	err := row.Scan(&t.ID, &t.WalletID, &t.Kind, &t.Amount, &t.ReferenceID,
		&t.ReferenceKind, &rateBps, &t.Status, &description, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.RateBps = int(rateBps.Int64)
	t.Description = description.String
	return t, nil
}

func (p *PostgresStore) ListTransactions(ctx context.Context, walletID string, limit int) ([]*Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM wallet_transactions
		WHERE wallet_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, walletID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (p *PostgresStore) ListTransactionsByReference(ctx context.Context, refID string, refKind ReferenceKind) ([]*Transaction, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+transactionColumns+` FROM wallet_transactions
		WHERE reference_id = $1 AND reference_kind = $2
		ORDER BY created_at
	`, refID, refKind)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txns []*Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txns = append(txns, t)
	}
	return txns, rows.Err()
}

func (p *PostgresStore) SumTransactions(ctx context.Context, walletID string) (int64, error) {
	var sum int64
	err := p.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(amount), 0) FROM wallet_transactions WHERE wallet_id = $1
	`, walletID).Scan(&sum)
	return sum, err
}

// lockWallet upserts the wallet row for ref if absent and locks it.
// The partial unique indexes on (owner_kind, teacher_id, currency) make
// the get-or-create race safe: concurrent first-credits collide on the
// index and both end up locking the single surviving row.
func lockWallet(ctx context.Context, tx *sql.Tx, ref OwnerRef) (*Wallet, error) {
	var teacherID any
	if ref.TeacherID != "" {
		teacherID = ref.TeacherID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallets (id, owner_kind, teacher_id, currency, created_at, updated_at)
		VALUES ($1, $2, $3, $4, NOW(), NOW())
		ON CONFLICT DO NOTHING
	`, idgen.WithPrefix("wal_"), ref.Kind, teacherID, ref.Currency)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert wallet: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE owner_kind = $1 AND teacher_id IS NOT DISTINCT FROM NULLIF($2, '') AND currency = $3
		FOR UPDATE
	`, ref.Kind, ref.TeacherID, ref.Currency)
	return scanWallet(row)
}

// lockExistingWallet locks the wallet row for ref without creating it.
// Release paths use this for the platform wallet: releasing from a
// wallet that was never credited is ErrWalletNotFound, the same answer
// the memory store gives, not a zero-balance hold failure.
func lockExistingWallet(ctx context.Context, tx *sql.Tx, ref OwnerRef) (*Wallet, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT `+walletColumns+` FROM wallets
		WHERE owner_kind = $1 AND teacher_id IS NOT DISTINCT FROM NULLIF($2, '') AND currency = $3
		FOR UPDATE
	`, ref.Kind, ref.TeacherID, ref.Currency)
	return scanWallet(row)
}

// hasSettlement runs the idempotency check. Must be called with the
// platform wallet row already locked.
func hasSettlement(ctx context.Context, tx *sql.Tx, refID string, refKind ReferenceKind) (bool, error) {
	var exists bool
	err := tx.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM wallet_transactions WHERE reference_id = $1 AND reference_kind = $2
		)
	`, refID, refKind).Scan(&exists)
	return exists, err
}

func insertTransaction(ctx context.Context, tx *sql.Tx, t Transaction) error {
	var rateBps any
	if t.RateBps > 0 {
		rateBps = t.RateBps
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO wallet_transactions
			(id, wallet_id, kind, amount, reference_id, reference_kind, rate_bps, status, description, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, idgen.New(), t.WalletID, t.Kind, t.Amount, t.ReferenceID, t.ReferenceKind, rateBps, StatusSucceeded, t.Description)
	if err != nil {
		return fmt.Errorf("failed to record ledger row: %w", err)
	}
	return nil
}

func (p *PostgresStore) CreditPurchase(ctx context.Context, op CreditPurchase) error {
	if err := op.validate(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	platform, err := lockWallet(ctx, tx, Platform(op.Currency))
	if err != nil {
		return err
	}

	exists, err := hasSettlement(ctx, tx, op.PurchaseID, RefCoursePurchase)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadySettled
	}

	held := op.Shares.CourseCreation + op.Shares.Grading
	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			total      = total + $2,
			available  = available + $3,
			hold       = hold + $4,
			updated_at = NOW()
		WHERE id = $1
	`, platform.ID, op.Amount, op.Shares.System, held)
	if err != nil {
		return fmt.Errorf("failed to credit platform wallet: %w", err)
	}

	rows := []Transaction{
		{
			WalletID:      platform.ID,
			Kind:          KindTransfer,
			Amount:        op.Shares.System,
			ReferenceID:   op.PurchaseID,
			ReferenceKind: RefCoursePurchase,
			RateBps:       op.Plan.SystemBps,
			Description:   "platform share of course purchase",
		},
		{
			WalletID:      platform.ID,
			Kind:          KindTransfer,
			Amount:        op.Shares.CourseCreation,
			ReferenceID:   op.PurchaseID,
			ReferenceKind: RefCourseCreationFee,
			RateBps:       op.Plan.CourseCreationBps,
			Description:   "course creation fee held for teacher",
		},
		{
			WalletID:      platform.ID,
			Kind:          KindTransfer,
			Amount:        op.Shares.Grading,
			ReferenceID:   op.PurchaseID,
			ReferenceKind: RefGradingFee,
			RateBps:       op.Plan.GradingBps,
			Description:   "grading fee held",
		},
	}
	for _, t := range rows {
		if err := insertTransaction(ctx, tx, t); err != nil {
			return err
		}
	}

	event, err := outbox.NewEvent(outbox.TopicPurchaseSettled, map[string]any{
		"purchaseId":          op.PurchaseID,
		"currency":            op.Currency,
		"amount":              op.Amount,
		"systemShare":         op.Shares.System,
		"courseCreationShare": op.Shares.CourseCreation,
		"gradingShare":        op.Shares.Grading,
		"planVersion":         op.Plan.Version,
	})
	if err != nil {
		return err
	}
	if err := outbox.AppendTx(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) ReleaseCourseFee(ctx context.Context, op ReleaseCourseFee) error {
	if err := op.validate(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	// Lock order: platform first, then teacher. Every settlement takes
	// the platform lock, so this ordering cannot deadlock.
	platform, err := lockExistingWallet(ctx, tx, Platform(op.Currency))
	if err != nil {
		return err
	}

	exists, err := hasSettlement(ctx, tx, op.PurchaseID, RefTeacherPayout)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadySettled
	}

	if p.gate != nil {
		blocked, err := p.gate.Blocked(ctx, tx, op.PurchaseID)
		if err != nil {
			return fmt.Errorf("payout gate check failed: %w", err)
		}
		if blocked {
			return ErrPayoutBlocked
		}
	}

	if platform.Hold < op.Amount {
		return fmt.Errorf("%w: hold=%d, release=%d", ErrInsufficientHold, platform.Hold, op.Amount)
	}

	teacher, err := lockWallet(ctx, tx, Teacher(op.TeacherID, op.Currency))
	if err != nil {
		return err
	}

	if err := transferHoldToTeacher(ctx, tx, platform, teacher, op.Amount); err != nil {
		return err
	}

	debit := Transaction{
		WalletID:      platform.ID,
		Kind:          KindPayout,
		Amount:        -op.Amount,
		ReferenceID:   op.PurchaseID,
		ReferenceKind: RefTeacherPayout,
		Description:   "course creation fee released to teacher",
	}
	credit := Transaction{
		WalletID:      teacher.ID,
		Kind:          KindPayout,
		Amount:        op.Amount,
		ReferenceID:   op.PurchaseID,
		ReferenceKind: RefTeacherPayout,
		Description:   "course creation fee received",
	}
	if err := insertTransaction(ctx, tx, debit); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, credit); err != nil {
		return err
	}

	event, err := outbox.NewEvent(outbox.TopicTeacherPaid, map[string]any{
		"purchaseId": op.PurchaseID,
		"teacherId":  op.TeacherID,
		"currency":   op.Currency,
		"amount":     op.Amount,
	})
	if err != nil {
		return err
	}
	if err := outbox.AppendTx(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit()
}

func (p *PostgresStore) ReleaseGradingFee(ctx context.Context, op ReleaseGradingFee) error {
	if err := op.validate(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	platform, err := lockExistingWallet(ctx, tx, Platform(op.Currency))
	if err != nil {
		return err
	}

	exists, err := hasSettlement(ctx, tx, op.AllocationID, RefGradingFee)
	if err != nil {
		return err
	}
	if exists {
		return ErrAlreadySettled
	}

	if platform.Hold < op.Amount {
		return fmt.Errorf("%w: hold=%d, release=%d", ErrInsufficientHold, platform.Hold, op.Amount)
	}

	teacher, err := lockWallet(ctx, tx, Teacher(op.TeacherID, op.Currency))
	if err != nil {
		return err
	}

	if err := transferHoldToTeacher(ctx, tx, platform, teacher, op.Amount); err != nil {
		return err
	}

	debit := Transaction{
		WalletID:      platform.ID,
		Kind:          KindPayout,
		Amount:        -op.Amount,
		ReferenceID:   op.AllocationID,
		ReferenceKind: RefGradingFee,
		Description:   "grading fee released to teacher",
	}
	credit := Transaction{
		WalletID:      teacher.ID,
		Kind:          KindPayout,
		Amount:        op.Amount,
		ReferenceID:   op.AllocationID,
		ReferenceKind: RefGradingFee,
		Description:   "grading fee received",
	}
	if err := insertTransaction(ctx, tx, debit); err != nil {
		return err
	}
	if err := insertTransaction(ctx, tx, credit); err != nil {
		return err
	}

	event, err := outbox.NewEvent(outbox.TopicGradingFeePaid, map[string]any{
		"allocationId": op.AllocationID,
		"teacherId":    op.TeacherID,
		"currency":     op.Currency,
		"amount":       op.Amount,
	})
	if err != nil {
		return err
	}
	if err := outbox.AppendTx(ctx, tx, event); err != nil {
		return err
	}

	return tx.Commit()
}

// transferHoldToTeacher applies the balance legs of a release: the
// platform wallet's hold shrinks, the teacher wallet grows. The CHECK
// constraints on wallets reject any update that would leave a negative
// balance or break total = available + hold.
func transferHoldToTeacher(ctx context.Context, tx *sql.Tx, platform, teacher *Wallet, amount int64) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE wallets SET
			total      = total - $2,
			hold       = hold - $2,
			updated_at = NOW()
		WHERE id = $1
	`, platform.ID, amount)
	if err != nil {
		return fmt.Errorf("failed to debit platform hold: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE wallets SET
			total      = total + $2,
			available  = available + $2,
			updated_at = NOW()
		WHERE id = $1
	`, teacher.ID, amount)
	if err != nil {
		return fmt.Errorf("failed to credit teacher wallet: %w", err)
	}
	return nil
}
