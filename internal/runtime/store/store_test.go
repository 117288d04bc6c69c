package store

import (
	"context"
	"testing"
	"time"

	"github.com/flowbus/flowbus/internal/runtime/ids"
	"github.com/flowbus/flowbus/internal/runtime/saga"
)

// fullStore is the combined contract both implementations satisfy. Every
// test runs against each.
type fullStore interface {
	EventStore
	ProcessorStore
	SubscriptionStore
	saga.Store
}

func forEachStore(t *testing.T, fn func(t *testing.T, s fullStore)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		fn(t, NewMemoryStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatalf("unexpected error opening store: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func newEvent(eventType string) *Event {
	return &Event{
		ID:            ids.NewID(),
		EventType:     eventType,
		Version:       "1",
		Payload:       map[string]any{"k": "v"},
		CorrelationID: ids.NewID(),
		Status:        EventPending,
		OccurredAt:    time.Now().UTC(),
	}
}

func TestEventLifecycle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		event := newEvent("order.created")

		if err := s.CreateEvent(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.CreateEvent(ctx, event); err == nil {
			t.Fatal("expected duplicate create to fail")
		}

		got, err := s.GetEvent(ctx, event.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.EventType != "order.created" || got.Status != EventPending {
			t.Fatalf("unexpected event: %+v", got)
		}
		if got.Payload["k"] != "v" {
			t.Fatalf("expected payload round-trip, got %v", got.Payload)
		}

		now := time.Now().UTC()
		if err := s.MarkEventPublished(ctx, event.ID, now); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err = s.GetEvent(ctx, event.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != EventPublished || got.PublishedAt == nil {
			t.Fatalf("expected published with timestamp, got %+v", got)
		}
	})
}

func TestGetEventNotFound(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		if _, err := s.GetEvent(context.Background(), "missing"); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestGetOrCreateEvent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		event := newEvent("user.created")

		_, created, err := s.GetOrCreateEvent(ctx, event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !created {
			t.Fatal("expected first call to create")
		}

		again, created, err := s.GetOrCreateEvent(ctx, event)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if created {
			t.Fatal("expected second call to find the existing row")
		}
		if again.ID != event.ID {
			t.Fatalf("expected same event id, got %s", again.ID)
		}
	})
}

func TestMarkEventFailedIncrementsAttempts(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		event := newEvent("order.created")
		if err := s.CreateEvent(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := s.MarkEventFailed(ctx, event.ID, "broker down"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.MarkEventFailed(ctx, event.ID, "broker still down"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := s.GetEvent(ctx, event.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != EventFailed || got.PublishAttempts != 2 {
			t.Fatalf("expected failed with 2 attempts, got %+v", got)
		}
		if got.LastError != "broker still down" {
			t.Fatalf("expected last error kept, got %q", got.LastError)
		}
	})
}

func TestFailedEventsFiltering(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()

		recent := newEvent("a.b")
		exhausted := newEvent("a.c")
		healthy := newEvent("a.d")
		for _, e := range []*Event{recent, exhausted, healthy} {
			if err := s.CreateEvent(ctx, e); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}
		if err := s.MarkEventFailed(ctx, recent.ID, "x"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		for i := 0; i < 5; i++ {
			if err := s.MarkEventFailed(ctx, exhausted.ID, "x"); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		got, err := s.FailedEvents(ctx, time.Now().Add(-time.Hour), 5)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got) != 1 || got[0].ID != recent.ID {
			t.Fatalf("expected only the recoverable failed event, got %d rows", len(got))
		}
	})
}

func TestProcessorUniquenessPerSubscription(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		event := newEvent("order.created")
		if err := s.CreateEvent(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		first, created, err := s.GetOrCreateProcessor(ctx, event.ID, "billing")
		if err != nil || !created {
			t.Fatalf("expected creation, got created=%v err=%v", created, err)
		}
		if first.Status != ProcessorPending {
			t.Fatalf("expected pending, got %s", first.Status)
		}

		second, created, err := s.GetOrCreateProcessor(ctx, event.ID, "billing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if created || second.ID != first.ID {
			t.Fatalf("expected the same row back, created=%v", created)
		}

		other, created, err := s.GetOrCreateProcessor(ctx, event.ID, "mail")
		if err != nil || !created {
			t.Fatalf("expected separate row per subscription, created=%v err=%v", created, err)
		}
		if other.ID == first.ID {
			t.Fatal("expected distinct processor ids per subscription")
		}
	})
}

func TestBeginProcessingClaimsOnce(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		event := newEvent("order.created")
		if err := s.CreateEvent(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		proc, _, err := s.GetOrCreateProcessor(ctx, event.ID, "billing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		claimed, err := s.BeginProcessing(ctx, proc.ID)
		if err != nil || !claimed {
			t.Fatalf("expected first claim to win, claimed=%v err=%v", claimed, err)
		}

		claimed, err = s.BeginProcessing(ctx, proc.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if claimed {
			t.Fatal("expected second claim to lose")
		}

		got, err := s.GetProcessor(ctx, event.ID, "billing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != ProcessorProcessing || got.Attempts != 1 || got.StartedAt == nil {
			t.Fatalf("expected processing with 1 attempt, got %+v", got)
		}
	})
}

func TestProcessorOutcomes(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		event := newEvent("order.created")
		if err := s.CreateEvent(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		claim := func(subscription string) *EventProcessor {
			t.Helper()
			proc, _, err := s.GetOrCreateProcessor(ctx, event.ID, subscription)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if _, err := s.BeginProcessing(ctx, proc.ID); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			return proc
		}

		done := claim("done")
		if err := s.MarkProcessorCompleted(ctx, done.ID, map[string]any{"ok": true}); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err := s.GetProcessor(ctx, event.ID, "done")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != ProcessorCompleted || got.CompletedAt == nil || got.Result["ok"] != true {
			t.Fatalf("expected completed with result, got %+v", got)
		}

		dead := claim("dead")
		if err := s.MarkProcessorDeadLettered(ctx, dead.ID, "exhausted"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err = s.GetProcessor(ctx, event.ID, "dead")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != ProcessorDeadLettered || got.LastError != "exhausted" {
			t.Fatalf("expected dead_lettered, got %+v", got)
		}
	})
}

func TestRowsAreIsolatedFromCallers(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		event := newEvent("order.created")
		if err := s.CreateEvent(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		// Mutating the caller's copy after the write must not reach the row.
		event.Payload["k"] = "mutated-after-create"
		got, err := s.GetEvent(ctx, event.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Payload["k"] != "v" {
			t.Fatalf("stored payload shared with caller: %+v", got.Payload)
		}

		// Same for the copy handed back on reads.
		got.Payload["k"] = "mutated-after-read"
		again, err := s.GetEvent(ctx, event.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if again.Payload["k"] != "v" {
			t.Fatalf("read payload shared with row: %+v", again.Payload)
		}

		proc, _, err := s.GetOrCreateProcessor(ctx, event.ID, "audit")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := s.BeginProcessing(ctx, proc.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		result := map[string]any{"ok": true}
		if err := s.MarkProcessorCompleted(ctx, proc.ID, result); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		result["ok"] = false
		gotProc, err := s.GetProcessor(ctx, event.ID, "audit")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotProc.Result["ok"] != true {
			t.Fatalf("stored result shared with caller: %+v", gotProc.Result)
		}

		instance := saga.New("order-fulfillment", ids.NewID(), event.ID)
		instance.State["total"] = "10"
		if err := s.CreateSaga(ctx, instance); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		instance.State["total"] = "99"
		gotSaga, err := s.GetSaga(ctx, instance.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if gotSaga.State["total"] != "10" {
			t.Fatalf("stored saga state shared with caller: %+v", gotSaga.State)
		}
	})
}

func TestScheduleRetryAndDueList(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		event := newEvent("order.created")
		if err := s.CreateEvent(ctx, event); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		proc, _, err := s.GetOrCreateProcessor(ctx, event.ID, "billing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if _, err := s.BeginProcessing(ctx, proc.ID); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		future := time.Now().UTC().Add(time.Hour)
		if err := s.ScheduleProcessorRetry(ctx, proc.ID, future, "boom"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		due, err := s.ProcessorsDueForRetry(ctx, time.Now().UTC(), 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(due) != 0 {
			t.Fatalf("expected nothing due yet, got %d", len(due))
		}

		due, err = s.ProcessorsDueForRetry(ctx, future.Add(time.Minute), 10)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(due) != 1 || due[0].ID != proc.ID {
			t.Fatalf("expected the scheduled row, got %d rows", len(due))
		}

		// The rescheduled row can be claimed again.
		claimed, err := s.BeginProcessing(ctx, proc.ID)
		if err != nil || !claimed {
			t.Fatalf("expected reclaim after retry schedule, claimed=%v err=%v", claimed, err)
		}
		got, err := s.GetProcessor(ctx, event.ID, "billing")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Attempts != 2 {
			t.Fatalf("expected second attempt recorded, got %d", got.Attempts)
		}
	})
}

func TestSubscriptionRoundTrip(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		sub := &EventSubscription{
			Name:             "mail",
			EventTypes:       []string{"user.created", "user.updated"},
			FilterExpression: `{"field": "data.email", "op": "exists"}`,
			Queue:            "mail.queue",
			Handler:          "send-mail",
			MaxRetries:       3,
			RetryPolicy:      RetryExponential,
			DeadLetterQueue:  "mail.dlq",
			Active:           true,
		}

		if err := s.SaveSubscription(ctx, sub); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := s.GetSubscription(ctx, "mail")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(got.EventTypes) != 2 || got.Queue != "mail.queue" || got.DeadLetterQueue != "mail.dlq" {
			t.Fatalf("unexpected subscription: %+v", got)
		}

		// Upsert replaces.
		sub.Queue = "mail.v2"
		if err := s.SaveSubscription(ctx, sub); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		got, err = s.GetSubscription(ctx, "mail")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Queue != "mail.v2" {
			t.Fatalf("expected upsert, got %q", got.Queue)
		}
	})
}

func TestListActiveSkipsPausedAndInactive(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		subs := []*EventSubscription{
			{Name: "a", Queue: "qa", Handler: "h", Active: true},
			{Name: "b", Queue: "qb", Handler: "h", Active: true, Paused: true},
			{Name: "c", Queue: "qc", Handler: "h", Active: false},
		}
		for _, sub := range subs {
			if err := s.SaveSubscription(ctx, sub); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		}

		active, err := s.ListActiveSubscriptions(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(active) != 1 || active[0].Name != "a" {
			t.Fatalf("expected only subscription a, got %d rows", len(active))
		}

		all, err := s.ListSubscriptions(ctx)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected all three, got %d", len(all))
		}
	})
}

func TestPauseAndErrorRecording(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		sub := &EventSubscription{Name: "mail", Queue: "q", Handler: "h", Active: true}
		if err := s.SaveSubscription(ctx, sub); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		if err := s.SetSubscriptionPaused(ctx, "mail", true); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if err := s.RecordSubscriptionError(ctx, "mail", "handler exploded"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := s.GetSubscription(ctx, "mail")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if !got.Paused || got.LastError != "handler exploded" || got.LastErrorAt == nil {
			t.Fatalf("unexpected state: %+v", got)
		}

		if err := s.SetSubscriptionPaused(ctx, "missing", true); err != ErrNotFound {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})
}

func TestSagaPersistence(t *testing.T) {
	forEachStore(t, func(t *testing.T, s fullStore) {
		ctx := context.Background()
		instance := saga.New("order-fulfillment", "corr-9", "evt-9")
		instance.State["order_id"] = "o-1"

		if err := s.CreateSaga(ctx, instance); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err := s.GetSaga(ctx, instance.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.SagaType != "order-fulfillment" || got.Status != saga.StatusStarted {
			t.Fatalf("unexpected saga: %+v", got)
		}
		if got.State["order_id"] != "o-1" {
			t.Fatalf("expected state round-trip, got %v", got.State)
		}

		byCorr, err := s.GetSagaByCorrelationID(ctx, "corr-9")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if byCorr.ID != instance.ID {
			t.Fatalf("expected lookup by correlation id, got %s", byCorr.ID)
		}

		if err := instance.Advance("reserve"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		instance.AddCompletedStep("reserve")
		if err := s.UpdateSaga(ctx, instance); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		got, err = s.GetSaga(ctx, instance.ID)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if got.Status != saga.StatusRunning || len(got.CompletedSteps) != 1 {
			t.Fatalf("expected updated saga, got %+v", got)
		}
	})
}
