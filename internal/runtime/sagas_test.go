package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/flowbus/flowbus/internal/runtime/envelope"
	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
	sagapkg "github.com/flowbus/flowbus/internal/runtime/saga"
	storepkg "github.com/flowbus/flowbus/internal/runtime/store"
)

func newTestCoordinator(t *testing.T, broker *testBroker) (*SagaCoordinator, *storepkg.MemoryStore) {
	t.Helper()
	store := storepkg.NewMemoryStore()
	publisher, err := NewPublisher(testConfig(), testLogger(), broker, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	coord, err := NewSagaCoordinator(store, publisher, testLogger())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return coord, store
}

func TestSagaStartAndLoad(t *testing.T) {
	coord, _ := newTestCoordinator(t, newTestBroker())
	ctx := context.Background()

	instance, err := coord.Start(ctx, "order-fulfillment", "corr-1", "order.created", map[string]any{"order_id": "o-1"}, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instance.Status != sagapkg.StatusStarted {
		t.Fatalf("expected started instance, got %s", instance.Status)
	}

	loaded, err := coord.Load(ctx, instance.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if loaded.State["order_id"] != "o-1" {
		t.Fatalf("expected state persisted, got %v", loaded.State)
	}

	byCorr, err := coord.LoadByCorrelation(ctx, "corr-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if byCorr.ID != instance.ID {
		t.Fatal("expected correlation lookup to find the instance")
	}
}

func TestCompleteStepPublishesNextEvent(t *testing.T) {
	broker := newTestBroker()
	coord, _ := newTestCoordinator(t, broker)
	ctx := context.Background()

	instance, err := coord.Start(ctx, "order-fulfillment", "corr-1", "order.created", nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := coord.CompleteStep(ctx, instance, "reserve-stock", "stock.reserved", map[string]any{"order_id": "o-1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instance.Status != sagapkg.StatusRunning || instance.CurrentStep != "reserve-stock" {
		t.Fatalf("unexpected instance after step: %+v", instance)
	}

	msgs := broker.publishedTo("stock.reserved")
	if len(msgs) != 1 {
		t.Fatalf("expected one step event, got %d", len(msgs))
	}
	env, err := envelope.FromTransport(msgs[0])
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.CorrelationID != "corr-1" {
		t.Fatalf("expected saga correlation carried, got %s", env.CorrelationID)
	}
	if env.Metadata.Get(KeySagaID) != instance.ID {
		t.Fatal("expected saga id in event metadata")
	}
}

func TestCompleteStepWithoutNextEvent(t *testing.T) {
	broker := newTestBroker()
	coord, _ := newTestCoordinator(t, broker)
	ctx := context.Background()

	instance, _ := coord.Start(ctx, "order-fulfillment", "corr-1", "order.created", nil, nil)
	if err := coord.CompleteStep(ctx, instance, "finalize", "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := coord.Complete(ctx, instance); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if instance.Status != sagapkg.StatusCompleted {
		t.Fatalf("expected completed, got %s", instance.Status)
	}
}

func TestCompensatePublishesReverseOrder(t *testing.T) {
	broker := newTestBroker()
	coord, store := newTestCoordinator(t, broker)
	ctx := context.Background()

	instance, _ := coord.Start(ctx, "order-fulfillment", "corr-1", "order.created", nil, nil)
	must := func(err error) {
		t.Helper()
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	must(coord.CompleteStep(ctx, instance, "reserve-stock", "", nil))
	must(coord.CompleteStep(ctx, instance, "charge-card", "", nil))
	must(coord.CompleteStep(ctx, instance, "notify", "", nil))

	steps := []CompensationStep{
		{Step: "reserve-stock", EventType: "stock.released", Data: map[string]any{"order_id": "o-1"}},
		{Step: "charge-card", EventType: "payment.refunded", Data: map[string]any{"order_id": "o-1"}},
	}
	must(coord.Compensate(ctx, instance, steps))

	// notify has no compensation and is auto-marked; the other two publish.
	if len(broker.publishedTo("payment.refunded")) != 1 || len(broker.publishedTo("stock.released")) != 1 {
		t.Fatal("expected both compensation events published")
	}
	if len(instance.CompensatedSteps) != 3 {
		t.Fatalf("expected all steps compensated, got %v", instance.CompensatedSteps)
	}
	if instance.CompensatedSteps[0] != "notify" || instance.CompensatedSteps[2] != "reserve-stock" {
		t.Fatalf("expected reverse completion order, got %v", instance.CompensatedSteps)
	}

	stored, err := store.GetSaga(ctx, instance.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != sagapkg.StatusCompensating {
		t.Fatalf("expected compensating persisted, got %s", stored.Status)
	}

	must(coord.Complete(ctx, instance))
	if instance.Status != sagapkg.StatusCompleted {
		t.Fatalf("expected compensated saga closable, got %s", instance.Status)
	}
}

func TestCompensatePublishFailureIsResumable(t *testing.T) {
	broker := newTestBroker()
	coord, _ := newTestCoordinator(t, broker)
	ctx := context.Background()

	instance, _ := coord.Start(ctx, "order-fulfillment", "corr-1", "order.created", nil, nil)
	if err := coord.CompleteStep(ctx, instance, "reserve-stock", "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := coord.CompleteStep(ctx, instance, "charge-card", "", nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	steps := []CompensationStep{
		{Step: "reserve-stock", EventType: "stock.released"},
		{Step: "charge-card", EventType: "payment.refunded"},
	}
	for i := range steps {
		steps[i].Data = map[string]any{"order_id": "o-1"}
	}

	broker.setPublishErr(errors.New("broker down"))
	err := coord.Compensate(ctx, instance, steps)
	var compErr *errspkg.SagaCompensationError
	if !errors.As(err, &compErr) {
		t.Fatalf("expected SagaCompensationError, got %v", err)
	}
	if compErr.Step != "charge-card" {
		t.Fatalf("expected the reverse walk to stop at charge-card, got %s", compErr.Step)
	}
	if instance.Status != sagapkg.StatusCompensating {
		t.Fatalf("expected instance left compensating, got %s", instance.Status)
	}

	broker.setPublishErr(nil)
	if err := coord.Compensate(ctx, instance, steps); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(instance.CompensatedSteps) != 2 {
		t.Fatalf("expected both steps compensated after resume, got %v", instance.CompensatedSteps)
	}
}

func TestSagaExpiryBlocksSteps(t *testing.T) {
	coord, _ := newTestCoordinator(t, newTestBroker())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute).UTC()
	instance, _ := coord.Start(ctx, "order-fulfillment", "corr-1", "order.created", nil, &past)

	err := coord.CompleteStep(ctx, instance, "reserve-stock", "", nil)
	var timeout *errspkg.SagaTimeoutError
	if !errors.As(err, &timeout) {
		t.Fatalf("expected SagaTimeoutError, got %v", err)
	}
}

func TestSagaCancel(t *testing.T) {
	coord, store := newTestCoordinator(t, newTestBroker())
	ctx := context.Background()

	instance, _ := coord.Start(ctx, "order-fulfillment", "corr-1", "order.created", nil, nil)
	if err := coord.Cancel(ctx, instance); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	stored, err := store.GetSaga(ctx, instance.ID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Status != sagapkg.StatusCancelled {
		t.Fatalf("expected cancelled persisted, got %s", stored.Status)
	}
}
