package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	storepkg "github.com/flowbus/flowbus/internal/runtime/store"
)

func newTestService(t *testing.T, broker *testBroker) *Service {
	t.Helper()
	svc, err := NewService(context.Background(), testConfig(), testLogger(), ServiceDependencies{
		Broker:     broker,
		Registerer: prometheus.NewRegistry(),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return svc
}

func TestServiceRequiresValidConfig(t *testing.T) {
	if _, err := NewService(context.Background(), nil, testLogger(), ServiceDependencies{}); err == nil {
		t.Fatal("expected error for nil config")
	}
}

func TestServicePublishAndConsume(t *testing.T) {
	broker := newTestBroker()
	svc := newTestService(t, broker)
	ctx := context.Background()

	svc.Schemas().MustRegister("user.created", "1", map[string]any{
		"type":     "object",
		"required": []string{"user_id", "email"},
	})

	processed := make(chan Delivery, 1)
	svc.MustRegisterHandler("record-signup", func(ctx context.Context, d Delivery) (map[string]any, error) {
		processed <- d
		return map[string]any{"ok": true}, nil
	})

	if err := svc.Subscribe(ctx, &storepkg.EventSubscription{
		Name:       "signup",
		Queue:      "user.created",
		EventTypes: []string{"user.*"},
		Handler:    "record-signup",
		Active:     true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })

	event, err := svc.Publish(ctx, "user.created", map[string]any{"user_id": "u1", "email": "a@b.com"}, PublishOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if event.Status != storepkg.EventPublished {
		t.Fatalf("expected published event, got %s", event.Status)
	}

	select {
	case d := <-processed:
		if d.Event.ID != event.ID || d.Message.Data["user_id"] != "u1" {
			t.Fatalf("unexpected delivery: %+v", d)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	proc := waitProcessorStatus(t, svc.store, event.ID, "signup", storepkg.ProcessorCompleted)
	if proc.Result["ok"] != true {
		t.Fatalf("expected handler result persisted, got %v", proc.Result)
	}

	reports, err := svc.SubscriptionHealth(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(reports) != 1 || reports[0].Subscription != "signup" || !reports[0].Running {
		t.Fatalf("unexpected health: %+v", reports)
	}
}

func TestServiceSubscribeValidation(t *testing.T) {
	svc := newTestService(t, newTestBroker())
	ctx := context.Background()

	if err := svc.Subscribe(ctx, nil); err == nil {
		t.Fatal("expected error for nil subscription")
	}
	if err := svc.Subscribe(ctx, &storepkg.EventSubscription{Name: "x"}); err == nil {
		t.Fatal("expected error for missing queue")
	}
	if err := svc.Subscribe(ctx, &storepkg.EventSubscription{
		Name: "x", Queue: "x.queue", Handler: "missing",
	}); err == nil {
		t.Fatal("expected error for unknown handler")
	}
}

func TestServiceSubscribeAfterStart(t *testing.T) {
	broker := newTestBroker()
	svc := newTestService(t, broker)
	ctx := context.Background()

	svc.MustRegisterHandler("audit", func(ctx context.Context, d Delivery) (map[string]any, error) {
		return nil, nil
	})

	if err := svc.Start(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	t.Cleanup(func() { _ = svc.Stop() })

	if err := svc.Subscribe(ctx, &storepkg.EventSubscription{
		Name:    "audit",
		Queue:   "audit.queue",
		Handler: "audit",
		Active:  true,
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitFor(t, "late subscription running", func() bool {
		reports, err := svc.SubscriptionHealth(ctx)
		if err != nil || len(reports) != 1 {
			return false
		}
		return reports[0].Running
	})
}

func TestServiceRetryProcessor(t *testing.T) {
	broker := newTestBroker()
	svc := newTestService(t, broker)
	ctx := context.Background()

	event, err := svc.Publish(ctx, "order.created", map[string]any{}, PublishOptions{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := svc.RetryProcessor(ctx, event.ID, "billing"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	proc, err := svc.store.GetProcessor(ctx, event.ID, "billing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if proc.Status != storepkg.ProcessorPending || proc.NextRetryAt == nil {
		t.Fatalf("expected pending row with retry time, got %+v", proc)
	}

	if err := svc.store.MarkProcessorDeadLettered(ctx, proc.ID, "x"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.RetryProcessor(ctx, event.ID, "billing"); err == nil {
		t.Fatal("expected error for terminal processor")
	}
}

func TestServiceSagaRoundTrip(t *testing.T) {
	broker := newTestBroker()
	svc := newTestService(t, broker)
	ctx := context.Background()

	instance, err := svc.Sagas().Start(ctx, "order-fulfillment", "corr-9", "order.created", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := svc.Sagas().CompleteStep(ctx, instance, "reserve-stock", "stock.reserved", map[string]any{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(broker.publishedTo("stock.reserved")) != 1 {
		t.Fatal("expected saga step event published")
	}
}
