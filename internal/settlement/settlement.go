// Package settlement orchestrates wallet settlements for course
// purchases and teacher fee releases. It resolves the fee plan in
// force at payment time, derives the shares, and drives the ledger
// store with retries around transient database conflicts.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ndthuan/coursepay/internal/feeplan"
	"github.com/ndthuan/coursepay/internal/purchase"
	"github.com/ndthuan/coursepay/internal/retry"
	"github.com/ndthuan/coursepay/internal/traces"
	"github.com/ndthuan/coursepay/internal/wallet"
)

var (
	// ErrInvalidState means the referenced record exists but is not in a
	// state that allows settlement (e.g. a pending purchase).
	ErrInvalidState = errors.New("reference is not in a settleable state")
)

// Settlement outcomes.
const (
	OutcomeSettled        = "settled"
	OutcomeAlreadySettled = "already_settled"
	OutcomeBlocked        = "blocked"
)

// Result describes how a settlement attempt ended. AlreadySettled and
// Blocked are normal outcomes, not errors: the first means the money
// already moved, the second means the dispute window defers the payout.
type Result struct {
	Outcome    string `json:"outcome"`
	PurchaseID string `json:"purchaseId,omitempty"`
	TeacherID  string `json:"teacherId,omitempty"`
	Amount     int64  `json:"amount,omitempty"`
	Currency   string `json:"currency,omitempty"`
}

// Broadcaster pushes settlement results to connected clients.
type Broadcaster interface {
	Broadcast(v any)
}

const (
	maxAttempts = 3
	baseDelay   = 50 * time.Millisecond
)

// Service coordinates settlements between the purchase read models and
// the wallet ledger.
type Service struct {
	wallets     wallet.Store
	purchases   purchase.Store
	plans       *feeplan.Schedule
	broadcaster Broadcaster // nil = no realtime notifications
	logger      *slog.Logger
}

// NewService creates a settlement service.
func NewService(wallets wallet.Store, purchases purchase.Store, plans *feeplan.Schedule, broadcaster Broadcaster, logger *slog.Logger) *Service {
	return &Service{
		wallets:     wallets,
		purchases:   purchases,
		plans:       plans,
		broadcaster: broadcaster,
		logger:      logger,
	}
}

// settle runs fn with retries. Transient database conflicts retry with
// backoff; ErrAlreadySettled and ErrPayoutBlocked short-circuit into
// their outcome; everything else is permanent.
func (s *Service) settle(ctx context.Context, fn func() error) (string, error) {
	outcome := OutcomeSettled
	err := retry.Do(ctx, maxAttempts, baseDelay, func() error {
		err := fn()
		switch {
		case err == nil:
			return nil
		case errors.Is(err, wallet.ErrAlreadySettled):
			outcome = OutcomeAlreadySettled
			return nil
		case errors.Is(err, wallet.ErrPayoutBlocked):
			outcome = OutcomeBlocked
			return nil
		case wallet.IsTransient(err):
			return err
		default:
			return retry.Permanent(err)
		}
	})
	if err != nil {
		return "", err
	}
	return outcome, nil
}

// CreditOnPurchase settles a completed course purchase into the
// platform wallet. The purchase amount splits into the platform share
// (available) and the course creation and grading fees (hold), using
// the fee plan in force when the purchase was paid. Safe to call more
// than once per purchase.
func (s *Service) CreditOnPurchase(ctx context.Context, purchaseID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.CreditOnPurchase", traces.PurchaseID(purchaseID))
	defer span.End()
	done := wallet.ObserveSettlement("credit_purchase")

	p, err := s.purchases.GetPurchase(ctx, purchaseID)
	if err != nil {
		done("error")
		return nil, err
	}
	if p.Status != purchase.StatusCompleted || p.PaidAt == nil {
		done("invalid_state")
		return nil, fmt.Errorf("%w: purchase %s is %s", ErrInvalidState, purchaseID, p.Status)
	}

	plan, err := s.plans.At(*p.PaidAt)
	if err != nil {
		done("error")
		return nil, err
	}
	shares, err := plan.Split(p.FinalAmount)
	if err != nil {
		done("error")
		return nil, fmt.Errorf("failed to split purchase amount: %w", err)
	}

	outcome, err := s.settle(ctx, func() error {
		return s.wallets.CreditPurchase(ctx, wallet.CreditPurchase{
			PurchaseID: p.ID,
			Currency:   p.Currency,
			Amount:     p.FinalAmount,
			Shares:     shares,
			Plan:       plan,
		})
	})
	if err != nil {
		done("error")
		s.logger.Error("purchase credit failed", "purchase_id", purchaseID, "error", err)
		return nil, err
	}
	done(outcome)
	span.SetAttributes(traces.Outcome(outcome), traces.Amount(p.FinalAmount))

	result := &Result{
		Outcome:    outcome,
		PurchaseID: p.ID,
		Amount:     p.FinalAmount,
		Currency:   p.Currency,
	}
	if outcome == OutcomeSettled {
		s.logger.Info("purchase credited",
			"purchase_id", p.ID,
			"amount", p.FinalAmount,
			"system_share", shares.System,
			"course_creation_share", shares.CourseCreation,
			"grading_share", shares.Grading,
			"plan_version", plan.Version)
		s.notify("purchase_settled", result)
	}
	return result, nil
}

// ReleaseCourseCreationFee pays the held course creation fee out to the
// course's teacher once the dispute window allows it. A pending refund
// request defers the payout (Blocked outcome) without error. Safe to
// call more than once per purchase.
func (s *Service) ReleaseCourseCreationFee(ctx context.Context, purchaseID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ReleaseCourseCreationFee", traces.PurchaseID(purchaseID))
	defer span.End()
	done := wallet.ObserveSettlement("release_course_fee")

	p, err := s.purchases.GetPurchase(ctx, purchaseID)
	if err != nil {
		done("error")
		return nil, err
	}
	if p.Status != purchase.StatusCompleted || p.PaidAt == nil {
		done("invalid_state")
		return nil, fmt.Errorf("%w: purchase %s is %s", ErrInvalidState, purchaseID, p.Status)
	}

	// The release moves exactly what the credit held for this purchase.
	plan, err := s.plans.At(*p.PaidAt)
	if err != nil {
		done("error")
		return nil, err
	}
	shares, err := plan.Split(p.FinalAmount)
	if err != nil {
		done("error")
		return nil, fmt.Errorf("failed to split purchase amount: %w", err)
	}

	outcome, err := s.settle(ctx, func() error {
		return s.wallets.ReleaseCourseFee(ctx, wallet.ReleaseCourseFee{
			PurchaseID: p.ID,
			TeacherID:  p.TeacherID,
			Currency:   p.Currency,
			Amount:     shares.CourseCreation,
		})
	})
	if err != nil {
		done("error")
		s.logger.Error("course fee release failed", "purchase_id", purchaseID, "error", err)
		return nil, err
	}
	done(outcome)
	span.SetAttributes(traces.Outcome(outcome), traces.TeacherID(p.TeacherID), traces.Amount(shares.CourseCreation))

	result := &Result{
		Outcome:    outcome,
		PurchaseID: p.ID,
		TeacherID:  p.TeacherID,
		Amount:     shares.CourseCreation,
		Currency:   p.Currency,
	}
	if outcome == OutcomeSettled {
		s.logger.Info("course creation fee released",
			"purchase_id", p.ID, "teacher_id", p.TeacherID, "amount", shares.CourseCreation)
		s.notify("teacher_paid", result)
	}
	return result, nil
}

// TeacherPayoutOnPurchase is the payout entry point used by the
// scheduler. It is the same settlement as ReleaseCourseCreationFee and
// shares its idempotency key, so a purchase can never pay a teacher
// through both names.
func (s *Service) TeacherPayoutOnPurchase(ctx context.Context, purchaseID string) (*Result, error) {
	return s.ReleaseCourseCreationFee(ctx, purchaseID)
}

// ReleaseGradingFee pays an approved grading allocation out of the
// platform hold to the grading teacher. Safe to call more than once per
// allocation.
func (s *Service) ReleaseGradingFee(ctx context.Context, allocationID string) (*Result, error) {
	ctx, span := traces.StartSpan(ctx, "settlement.ReleaseGradingFee", traces.AllocationID(allocationID))
	defer span.End()
	done := wallet.ObserveSettlement("release_grading_fee")

	alloc, err := s.purchases.GetAllocation(ctx, allocationID)
	if err != nil {
		done("error")
		return nil, err
	}
	if alloc.Status != purchase.AllocationApproved {
		done("invalid_state")
		return nil, fmt.Errorf("%w: allocation %s is %s", ErrInvalidState, allocationID, alloc.Status)
	}

	outcome, err := s.settle(ctx, func() error {
		return s.wallets.ReleaseGradingFee(ctx, wallet.ReleaseGradingFee{
			AllocationID: alloc.ID,
			TeacherID:    alloc.TeacherID,
			Currency:     alloc.Currency,
			Amount:       alloc.ExerciseGradingAmount,
		})
	})
	if err != nil {
		done("error")
		s.logger.Error("grading fee release failed", "allocation_id", allocationID, "error", err)
		return nil, err
	}
	done(outcome)
	span.SetAttributes(traces.Outcome(outcome), traces.TeacherID(alloc.TeacherID), traces.Amount(alloc.ExerciseGradingAmount))

	result := &Result{
		Outcome:   outcome,
		TeacherID: alloc.TeacherID,
		Amount:    alloc.ExerciseGradingAmount,
		Currency:  alloc.Currency,
	}
	if outcome == OutcomeSettled {
		s.logger.Info("grading fee released",
			"allocation_id", alloc.ID, "teacher_id", alloc.TeacherID, "amount", alloc.ExerciseGradingAmount)
		s.notify("grading_fee_paid", result)
	}
	return result, nil
}

func (s *Service) notify(event string, result *Result) {
	if s.broadcaster == nil {
		return
	}
	s.broadcaster.Broadcast(map[string]any{
		"event":  event,
		"result": result,
	})
}
