package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestBusMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBusMetrics(reg)
	if err := m.Register(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	m.RecordPublish("user.created", "published")
	m.RecordPublish("user.created", "published")
	m.RecordProcessed("billing", "completed")
	m.RecordRetryScheduled("billing")
	m.RecordDeadLettered("billing")
	m.ObserveHandler("billing", 50*time.Millisecond)
	m.HandlerStarted("billing")
	m.HandlerFinished("billing")

	published := testutil.ToFloat64(m.publishedTotal.WithLabelValues("user.created", "published"))
	if published != 2 {
		t.Fatalf("expected 2 published, got %v", published)
	}
	retries := testutil.ToFloat64(m.retriesTotal.WithLabelValues("billing"))
	if retries != 1 {
		t.Fatalf("expected 1 retry, got %v", retries)
	}
}

func TestBusMetricsRegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewBusMetrics(reg)
	if err := m.Register(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := m.Register(); err != nil {
		t.Fatalf("expected re-registration tolerated, got %v", err)
	}
}

func TestBusMetricsNilReceiver(t *testing.T) {
	var m *BusMetrics
	m.RecordPublish("user.created", "published")
	m.RecordProcessed("billing", "completed")
	m.RecordRetryScheduled("billing")
	m.RecordDeadLettered("billing")
	m.ObserveHandler("billing", time.Millisecond)
	m.HandlerStarted("billing")
	m.HandlerFinished("billing")
}
