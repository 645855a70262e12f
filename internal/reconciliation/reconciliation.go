// Package reconciliation replays the ledger against stored wallet
// balances. Every wallet's transaction rows must sum to its total; a
// mismatch means the append-only ledger and the balance columns have
// diverged and needs human attention.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ndthuan/coursepay/internal/wallet"
)

var (
	// MismatchGauge tracks the number of wallets whose ledger sum
	// disagrees with the stored total, as of the last run.
	MismatchGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "coursepay",
			Name:      "reconciliation_mismatched_wallets",
			Help:      "Wallets whose ledger sum disagrees with the stored total.",
		},
	)

	// RunsTotal counts reconciliation runs by result.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursepay",
			Name:      "reconciliation_runs_total",
			Help:      "Total reconciliation runs by result.",
		},
		[]string{"result"},
	)
)

func init() {
	prometheus.MustRegister(MismatchGauge, RunsTotal)
}

// Result is the reconciliation verdict for one wallet.
type Result struct {
	WalletID   string           `json:"walletId"`
	OwnerKind  wallet.OwnerKind `json:"ownerKind"`
	TeacherID  string           `json:"teacherId,omitempty"`
	Currency   string           `json:"currency"`
	Stored     int64            `json:"stored"`
	LedgerSum  int64            `json:"ledgerSum"`
	Projection bool             `json:"projectionHolds"`
	Match      bool             `json:"match"`
}

// Runner replays ledger rows against wallet balances.
type Runner struct {
	store  wallet.Store
	logger *slog.Logger
}

// NewRunner creates a reconciliation runner.
func NewRunner(store wallet.Store, logger *slog.Logger) *Runner {
	return &Runner{store: store, logger: logger}
}

// Run reconciles every wallet and refreshes the balance gauges.
func (r *Runner) Run(ctx context.Context) ([]*Result, error) {
	wallets, err := r.store.ListWallets(ctx)
	if err != nil {
		RunsTotal.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("failed to list wallets: %w", err)
	}

	results := make([]*Result, 0, len(wallets))
	mismatches := 0
	for _, w := range wallets {
		sum, err := r.store.SumTransactions(ctx, w.ID)
		if err != nil {
			RunsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to sum ledger for wallet %s: %w", w.ID, err)
		}

		res := &Result{
			WalletID:   w.ID,
			OwnerKind:  w.OwnerKind,
			TeacherID:  w.TeacherID,
			Currency:   w.Currency,
			Stored:     w.Total,
			LedgerSum:  sum,
			Projection: w.Total == w.Available+w.Hold,
			Match:      sum == w.Total && w.Total == w.Available+w.Hold,
		}
		results = append(results, res)

		if !res.Match {
			mismatches++
			r.logger.Error("wallet balance mismatch",
				"wallet_id", w.ID,
				"owner_kind", w.OwnerKind,
				"stored_total", w.Total,
				"ledger_sum", sum,
				"available", w.Available,
				"hold", w.Hold)
		}
	}

	MismatchGauge.Set(float64(mismatches))
	wallet.UpdateBalanceGauges(wallets)

	if mismatches > 0 {
		RunsTotal.WithLabelValues("mismatch").Inc()
	} else {
		RunsTotal.WithLabelValues("ok").Inc()
	}
	return results, nil
}

// Timer periodically reconciles wallet balances.
type Timer struct {
	runner   *Runner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
}

// NewTimer creates a reconciliation timer.
func NewTimer(runner *Runner, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		runner:   runner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the reconciliation loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in reconciliation timer", "panic", fmt.Sprint(r))
		}
	}()
	if _, err := t.runner.Run(ctx); err != nil {
		t.logger.Warn("reconciliation run failed", "error", err)
	}
}
