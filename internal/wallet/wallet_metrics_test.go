package wallet

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func TestObserveSettlementIncrementsCounter(t *testing.T) {
	SettlementsTotal.Reset()

	done := ObserveSettlement("test_op")
	done("settled")

	m := &dto.Metric{}
	counter, err := SettlementsTotal.GetMetricWithLabelValues("test_op", "settled")
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = counter.Write(m)

	if m.Counter.GetValue() != 1.0 {
		t.Errorf("expected counter value 1, got %f", m.Counter.GetValue())
	}
}

func TestObserveSettlementObservesHistogram(t *testing.T) {
	SettlementDuration.Reset()

	done := ObserveSettlement("hist_test")
	done("settled")

	ch := make(chan prometheus.Metric, 10)
	SettlementDuration.Collect(ch)
	close(ch)

	found := false
	for metric := range ch {
		m := &dto.Metric{}
		_ = metric.Write(m)
		if m.Histogram != nil && m.Histogram.GetSampleCount() == 1 {
			found = true
		}
	}
	if !found {
		t.Error("expected histogram with 1 sample")
	}
}

func TestUpdateBalanceGauges(t *testing.T) {
	UpdateBalanceGauges([]*Wallet{
		{OwnerKind: OwnerPlatform, Available: 100, Hold: 900},
		{OwnerKind: OwnerTeacher, Available: 550, Hold: 0},
		{OwnerKind: OwnerTeacher, Available: 350, Hold: 0},
	})

	m := &dto.Metric{}
	g, err := BalanceAvailable.GetMetricWithLabelValues(string(OwnerTeacher))
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = g.Write(m)
	if m.Gauge.GetValue() != 900 {
		t.Errorf("teacher available gauge = %f, want 900", m.Gauge.GetValue())
	}

	m = &dto.Metric{}
	g, err = BalanceHold.GetMetricWithLabelValues(string(OwnerPlatform))
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	_ = g.Write(m)
	if m.Gauge.GetValue() != 900 {
		t.Errorf("platform hold gauge = %f, want 900", m.Gauge.GetValue())
	}
}
