package purchase

import (
	"context"
	"database/sql"
	"time"
)

// PostgresStore reads purchase, refund and allocation rows. The tables
// are written by the checkout, refund and grading subsystems; this store
// never mutates them.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed purchase store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) GetPurchase(ctx context.Context, id string) (*Purchase, error) {
	pu := &Purchase{}
	var paidAt sql.NullTime
	err := p.db.QueryRowContext(ctx, `
		SELECT id, course_id, teacher_id, final_amount, currency, status, paid_at
		FROM purchases WHERE id = $1
	`, id).Scan(&pu.ID, &pu.CourseID, &pu.TeacherID, &pu.FinalAmount, &pu.Currency, &pu.Status, &paidAt)
	if err == sql.ErrNoRows {
		return nil, ErrPurchaseNotFound
	}
	if err != nil {
		return nil, err
	}
	if paidAt.Valid {
		pu.PaidAt = &paidAt.Time
	}
	return pu, nil
}

func (p *PostgresStore) ListRefundRequests(ctx context.Context, purchaseID string) ([]*RefundRequest, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, purchase_id, status, created_at
		FROM refund_requests
		WHERE purchase_id = $1
		ORDER BY created_at
	`, purchaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*RefundRequest
	for rows.Next() {
		r := &RefundRequest{}
		if err := rows.Scan(&r.ID, &r.PurchaseID, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

func (p *PostgresStore) GetAllocation(ctx context.Context, id string) (*EarningAllocation, error) {
	a := &EarningAllocation{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, teacher_id, exercise_grading_amount, currency, status, created_at
		FROM earning_allocations WHERE id = $1
	`, id).Scan(&a.ID, &a.TeacherID, &a.ExerciseGradingAmount, &a.Currency, &a.Status, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrAllocationNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// ListDueForPayout anti-joins against the ledger so purchases whose
// teacher payout already settled are not offered to the scheduler again.
func (p *PostgresStore) ListDueForPayout(ctx context.Context, paidBefore time.Time, limit int) ([]*Purchase, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT pu.id, pu.course_id, pu.teacher_id, pu.final_amount, pu.currency, pu.status, pu.paid_at
		FROM purchases pu
		WHERE pu.status = 'completed'
		  AND pu.paid_at IS NOT NULL
		  AND pu.paid_at <= $1
		  AND NOT EXISTS (
			SELECT 1 FROM wallet_transactions t
			WHERE t.reference_id = pu.id AND t.reference_kind = 'teacher_payout'
		  )
		ORDER BY pu.paid_at
		LIMIT $2
	`, paidBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*Purchase
	for rows.Next() {
		pu := &Purchase{}
		var paidAt sql.NullTime
		if err := rows.Scan(&pu.ID, &pu.CourseID, &pu.TeacherID, &pu.FinalAmount, &pu.Currency, &pu.Status, &paidAt); err != nil {
			return nil, err
		}
		if paidAt.Valid {
			pu.PaidAt = &paidAt.Time
		}
		result = append(result, pu)
	}
	return result, rows.Err()
}

func (p *PostgresStore) ListApprovedAllocations(ctx context.Context, limit int) ([]*EarningAllocation, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT a.id, a.teacher_id, a.exercise_grading_amount, a.currency, a.status, a.created_at
		FROM earning_allocations a
		WHERE a.status = 'approved'
		  AND NOT EXISTS (
			SELECT 1 FROM wallet_transactions t
			WHERE t.reference_id = a.id AND t.reference_kind = 'grading_fee'
		  )
		ORDER BY a.created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []*EarningAllocation
	for rows.Next() {
		a := &EarningAllocation{}
		if err := rows.Scan(&a.ID, &a.TeacherID, &a.ExerciseGradingAmount, &a.Currency, &a.Status, &a.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}
