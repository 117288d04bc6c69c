package saga

import (
	"testing"
	"time"

	"github.com/flowbus/flowbus/internal/runtime/errors"
)

func TestNewInstance(t *testing.T) {
	i := New("order-fulfillment", "corr-1", "evt-1")

	if i.ID == "" {
		t.Fatal("expected generated id")
	}
	if i.Status != StatusStarted {
		t.Fatalf("expected started, got %s", i.Status)
	}
	if i.CorrelationID != "corr-1" || i.InitiatingEvent != "evt-1" {
		t.Fatalf("expected references preserved, got %+v", i)
	}
}

func TestHappyPath(t *testing.T) {
	i := New("order-fulfillment", "corr-1", "evt-1")

	for _, step := range []string{"reserve-stock", "charge-payment", "ship"} {
		if err := i.Advance(step); err != nil {
			t.Fatalf("unexpected error advancing to %s: %v", step, err)
		}
		i.AddCompletedStep(step)
	}
	if err := i.Complete(); err != nil {
		t.Fatalf("unexpected error completing: %v", err)
	}

	if i.Status != StatusCompleted {
		t.Fatalf("expected completed, got %s", i.Status)
	}
	if len(i.CompletedSteps) != 3 {
		t.Fatalf("expected 3 completed steps, got %v", i.CompletedSteps)
	}
}

func TestAddCompletedStepIsIdempotent(t *testing.T) {
	i := New("s", "c", "e")

	i.AddCompletedStep("reserve-stock")
	i.AddCompletedStep("reserve-stock")

	if len(i.CompletedSteps) != 1 {
		t.Fatalf("expected one entry, got %v", i.CompletedSteps)
	}
}

func TestCompensationIsOneWay(t *testing.T) {
	i := New("s", "c", "e")
	if err := i.Advance("step-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	i.AddCompletedStep("step-1")

	if err := i.StartCompensation(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if i.Status != StatusCompensating {
		t.Fatalf("expected compensating, got %s", i.Status)
	}

	// No way back to running.
	if err := i.Advance("step-2"); err == nil {
		t.Fatal("expected advance from compensating to fail")
	}

	// Repeated StartCompensation is a no-op.
	if err := i.StartCompensation(); err != nil {
		t.Fatalf("expected idempotent compensation start, got %v", err)
	}

	if err := i.Complete(); err != nil {
		t.Fatalf("expected completion from compensating, got %v", err)
	}
}

func TestCancelFromAnyNonTerminalState(t *testing.T) {
	for _, prep := range []func(*Instance){
		func(i *Instance) {},
		func(i *Instance) { _ = i.Advance("s") },
		func(i *Instance) { _ = i.Advance("s"); _ = i.StartCompensation() },
	} {
		i := New("s", "c", "e")
		prep(i)
		if err := i.Cancel(); err != nil {
			t.Fatalf("expected cancel from %s, got %v", i.Status, err)
		}
	}

	i := New("s", "c", "e")
	if err := i.Complete(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := i.Cancel(); err == nil {
		t.Fatal("expected cancel of completed saga to fail")
	}
}

func TestTerminalStatesRejectTransitions(t *testing.T) {
	i := New("s", "c", "e")
	if err := i.Fail(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := i.StartCompensation(); err == nil {
		t.Fatal("expected compensation of failed saga to fail")
	}
	if err := i.Complete(); err == nil {
		t.Fatal("expected completion of failed saga to fail")
	}
}

func TestExpiry(t *testing.T) {
	i := New("s", "c", "e")
	past := time.Now().Add(-time.Hour)
	i.ExpiresAt = &past

	if !i.Expired(time.Now()) {
		t.Fatal("expected instance to be expired")
	}

	err := i.CheckExpiry(time.Now())
	timeoutErr, ok := err.(*errors.SagaTimeoutError)
	if !ok {
		t.Fatalf("expected SagaTimeoutError, got %v", err)
	}
	if timeoutErr.SagaID != i.ID {
		t.Fatalf("expected saga id on error, got %s", timeoutErr.SagaID)
	}

	// A terminal saga never times out.
	if err := i.Cancel(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := i.CheckExpiry(time.Now()); err != nil {
		t.Fatalf("expected no expiry error for terminal saga, got %v", err)
	}
}
