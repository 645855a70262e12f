// Package payout runs the background loop that turns matured holds
// into teacher payouts. It sweeps completed purchases whose dispute
// window has passed and approved grading allocations, and feeds them
// through the settlement service. Every settlement is idempotent, so a
// purchase picked up by two overlapping runs still pays out once.
package payout

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndthuan/coursepay/internal/purchase"
	"github.com/ndthuan/coursepay/internal/settlement"
)

const sweepBatchSize = 100

var (
	// SchedulerRunsTotal counts payout sweep runs.
	SchedulerRunsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "coursepay",
			Name:      "payout_scheduler_runs_total",
			Help:      "Total payout scheduler sweep runs.",
		},
	)

	// SchedulerPayoutsTotal counts payouts by kind and outcome.
	SchedulerPayoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursepay",
			Name:      "payout_scheduler_payouts_total",
			Help:      "Payout attempts made by the scheduler by kind and outcome.",
		},
		[]string{"kind", "outcome"},
	)
)

func init() {
	prometheus.MustRegister(SchedulerRunsTotal, SchedulerPayoutsTotal)
}

// Scheduler periodically releases matured course fees and approved
// grading fees.
type Scheduler struct {
	service       *settlement.Service
	purchases     purchase.Store
	disputeWindow time.Duration
	interval      time.Duration
	logger        *slog.Logger
	stop          chan struct{}
	running       atomic.Bool
}

// NewScheduler creates a payout scheduler.
func NewScheduler(service *settlement.Service, purchases purchase.Store, disputeWindow, interval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		service:       service,
		purchases:     purchases,
		disputeWindow: disputeWindow,
		interval:      interval,
		logger:        logger,
		stop:          make(chan struct{}),
	}
}

// Running reports whether the scheduler loop is actively running.
func (s *Scheduler) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeRun(ctx)
		}
	}
}

// Stop signals the scheduler to stop.
func (s *Scheduler) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Scheduler) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in payout scheduler", "panic", fmt.Sprint(r))
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce performs a single sweep: matured course fee payouts first,
// then approved grading fees.
func (s *Scheduler) RunOnce(ctx context.Context) {
	SchedulerRunsTotal.Inc()
	s.releaseMaturedCourseFees(ctx)
	s.releaseApprovedGradingFees(ctx)
}

func (s *Scheduler) releaseMaturedCourseFees(ctx context.Context) {
	cutoff := time.Now().Add(-s.disputeWindow)

	due, err := s.purchases.ListDueForPayout(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list purchases due for payout", "error", err)
		return
	}

	for _, p := range due {
		result, err := s.service.TeacherPayoutOnPurchase(ctx, p.ID)
		if err != nil {
			// Leave the purchase for the next sweep.
			SchedulerPayoutsTotal.WithLabelValues("course_fee", "error").Inc()
			s.logger.Warn("course fee payout failed",
				"purchase_id", p.ID, "teacher_id", p.TeacherID, "error", err)
			continue
		}
		SchedulerPayoutsTotal.WithLabelValues("course_fee", result.Outcome).Inc()

		switch result.Outcome {
		case settlement.OutcomeSettled:
			s.logger.Info("course fee paid out",
				"purchase_id", p.ID, "teacher_id", p.TeacherID, "amount", result.Amount)
		case settlement.OutcomeBlocked:
			s.logger.Debug("payout deferred, refund pending", "purchase_id", p.ID)
		}
	}
}

func (s *Scheduler) releaseApprovedGradingFees(ctx context.Context) {
	allocations, err := s.purchases.ListApprovedAllocations(ctx, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list approved allocations", "error", err)
		return
	}

	for _, a := range allocations {
		result, err := s.service.ReleaseGradingFee(ctx, a.ID)
		if err != nil {
			SchedulerPayoutsTotal.WithLabelValues("grading_fee", "error").Inc()
			s.logger.Warn("grading fee payout failed",
				"allocation_id", a.ID, "teacher_id", a.TeacherID, "error", err)
			continue
		}
		SchedulerPayoutsTotal.WithLabelValues("grading_fee", result.Outcome).Inc()

		if result.Outcome == settlement.OutcomeSettled {
			s.logger.Info("grading fee paid out",
				"allocation_id", a.ID, "teacher_id", a.TeacherID, "amount", result.Amount)
		}
	}
}
