package runtime

import (
	"testing"
	"time"
)

func TestSubscriptionStatsSnapshot(t *testing.T) {
	stats := NewSubscriptionStats("billing")

	stats.RecordSuccess(100 * time.Millisecond)
	stats.RecordSuccess(300 * time.Millisecond)
	stats.RecordFailure(200 * time.Millisecond)

	health := stats.Snapshot()
	if health.Subscription != "billing" {
		t.Fatalf("unexpected subscription: %s", health.Subscription)
	}
	if health.Succeeded != 2 || health.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", health)
	}
	if health.AverageDuration != 200*time.Millisecond {
		t.Fatalf("expected 200ms average, got %s", health.AverageDuration)
	}
	if health.LastSuccess.IsZero() || health.LastFailure.IsZero() {
		t.Fatal("expected timestamps recorded")
	}
}

func TestSubscriptionStatsEmptySnapshot(t *testing.T) {
	health := NewSubscriptionStats("billing").Snapshot()
	if health.Succeeded != 0 || health.Failed != 0 || health.AverageDuration != 0 {
		t.Fatalf("unexpected zero snapshot: %+v", health)
	}
	if !health.LastSuccess.IsZero() || !health.LastFailure.IsZero() {
		t.Fatal("expected zero timestamps before any outcome")
	}
}
