package wallet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// SettlementsTotal counts settlement attempts by operation and outcome.
	SettlementsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "coursepay",
			Name:      "wallet_settlements_total",
			Help:      "Total settlement attempts by operation and outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// SettlementDuration observes settlement latency by operation.
	SettlementDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "coursepay",
			Name:      "wallet_settlement_duration_seconds",
			Help:      "Settlement operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"operation"},
	)

	// BalanceAvailable tracks the sum of available balances across wallets.
	BalanceAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coursepay",
			Name:      "wallet_balance_available_total",
			Help:      "Sum of available balances by owner kind.",
		},
		[]string{"owner_kind"},
	)

	// BalanceHold tracks the sum of held balances across wallets.
	BalanceHold = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "coursepay",
			Name:      "wallet_balance_hold_total",
			Help:      "Sum of held balances by owner kind.",
		},
		[]string{"owner_kind"},
	)
)

func init() {
	prometheus.MustRegister(
		SettlementsTotal,
		SettlementDuration,
		BalanceAvailable,
		BalanceHold,
	)
}

// ObserveSettlement starts a settlement timer. The returned function
// records the attempt under its final outcome.
func ObserveSettlement(operation string) func(outcome string) {
	start := time.Now()
	return func(outcome string) {
		SettlementsTotal.WithLabelValues(operation, outcome).Inc()
		SettlementDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	}
}

// UpdateBalanceGauges refreshes the balance gauges from a wallet snapshot.
func UpdateBalanceGauges(wallets []*Wallet) {
	totals := map[OwnerKind][2]int64{}
	for _, w := range wallets {
		t := totals[w.OwnerKind]
		t[0] += w.Available
		t[1] += w.Hold
		totals[w.OwnerKind] = t
	}
	for kind, t := range totals {
		BalanceAvailable.WithLabelValues(string(kind)).Set(float64(t[0]))
		BalanceHold.WithLabelValues(string(kind)).Set(float64(t[1]))
	}
}
