package store

import (
	"context"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/flowbus/flowbus/internal/runtime/ids"
	"github.com/flowbus/flowbus/internal/runtime/saga"
)

// MemoryStore keeps all records in process memory behind one mutex. It backs
// tests and single-process deployments that do not need durability.
type MemoryStore struct {
	mu            sync.Mutex
	events        map[string]*Event
	processors    map[string]*EventProcessor
	processorKeys map[processorKey]string
	subscriptions map[string]*EventSubscription
	sagas         map[string]*saga.Instance
}

type processorKey struct {
	eventID      string
	subscription string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events:        make(map[string]*Event),
		processors:    make(map[string]*EventProcessor),
		processorKeys: make(map[processorKey]string),
		subscriptions: make(map[string]*EventSubscription),
		sagas:         make(map[string]*saga.Instance),
	}
}

func (m *MemoryStore) CreateEvent(ctx context.Context, event *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.events[event.ID]; ok {
		return ErrDuplicate
	}
	m.events[event.ID] = event.Clone()
	return nil
}

func (m *MemoryStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return nil, ErrNotFound
	}
	return event.Clone(), nil
}

func (m *MemoryStore) GetOrCreateEvent(ctx context.Context, event *Event) (*Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.events[event.ID]; ok {
		return existing.Clone(), false, nil
	}
	m.events[event.ID] = event.Clone()
	return event.Clone(), true, nil
}

func (m *MemoryStore) MarkEventPublished(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	event.Status = EventPublished
	event.PublishedAt = &at
	event.LastError = ""
	return nil
}

func (m *MemoryStore) MarkEventFailed(ctx context.Context, id string, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	event, ok := m.events[id]
	if !ok {
		return ErrNotFound
	}
	event.Status = EventFailed
	event.PublishAttempts++
	event.LastError = cause
	return nil
}

func (m *MemoryStore) FailedEvents(ctx context.Context, since time.Time, maxAttempts int) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*Event
	for _, event := range m.events {
		if event.Status != EventFailed {
			continue
		}
		if event.OccurredAt.Before(since) {
			continue
		}
		if maxAttempts > 0 && event.PublishAttempts >= maxAttempts {
			continue
		}
		out = append(out, event.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out, nil
}

func (m *MemoryStore) GetOrCreateProcessor(ctx context.Context, eventID, subscription string) (*EventProcessor, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := processorKey{eventID: eventID, subscription: subscription}
	if id, ok := m.processorKeys[key]; ok {
		return m.processors[id].Clone(), false, nil
	}

	proc := &EventProcessor{
		ID:           ids.NewID(),
		EventID:      eventID,
		Subscription: subscription,
		Status:       ProcessorPending,
	}
	m.processors[proc.ID] = proc
	m.processorKeys[key] = proc.ID
	return proc.Clone(), true, nil
}

func (m *MemoryStore) GetProcessor(ctx context.Context, eventID, subscription string) (*EventProcessor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.processorKeys[processorKey{eventID: eventID, subscription: subscription}]
	if !ok {
		return nil, ErrNotFound
	}
	return m.processors[id].Clone(), nil
}

func (m *MemoryStore) BeginProcessing(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	proc, ok := m.processors[id]
	if !ok {
		return false, ErrNotFound
	}
	if proc.Status != ProcessorPending {
		return false, nil
	}
	now := time.Now().UTC()
	proc.Status = ProcessorProcessing
	proc.Attempts++
	proc.StartedAt = &now
	proc.NextRetryAt = nil
	return true, nil
}

func (m *MemoryStore) MarkProcessorCompleted(ctx context.Context, id string, result map[string]any) error {
	return m.updateProcessor(id, func(proc *EventProcessor) {
		now := time.Now().UTC()
		proc.Status = ProcessorCompleted
		proc.CompletedAt = &now
		proc.Result = maps.Clone(result)
		proc.LastError = ""
	})
}

func (m *MemoryStore) MarkProcessorSkipped(ctx context.Context, id string) error {
	return m.updateProcessor(id, func(proc *EventProcessor) {
		now := time.Now().UTC()
		proc.Status = ProcessorSkipped
		proc.CompletedAt = &now
	})
}

func (m *MemoryStore) MarkProcessorFailed(ctx context.Context, id string, cause string) error {
	return m.updateProcessor(id, func(proc *EventProcessor) {
		proc.Status = ProcessorFailed
		proc.LastError = cause
	})
}

func (m *MemoryStore) MarkProcessorDeadLettered(ctx context.Context, id string, cause string) error {
	return m.updateProcessor(id, func(proc *EventProcessor) {
		now := time.Now().UTC()
		proc.Status = ProcessorDeadLettered
		proc.CompletedAt = &now
		proc.LastError = cause
	})
}

func (m *MemoryStore) ScheduleProcessorRetry(ctx context.Context, id string, at time.Time, cause string) error {
	return m.updateProcessor(id, func(proc *EventProcessor) {
		proc.Status = ProcessorPending
		proc.NextRetryAt = &at
		proc.LastError = cause
	})
}

func (m *MemoryStore) ProcessorsDueForRetry(ctx context.Context, now time.Time, limit int) ([]*EventProcessor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []*EventProcessor
	for _, proc := range m.processors {
		if proc.Status != ProcessorPending || proc.NextRetryAt == nil {
			continue
		}
		if proc.NextRetryAt.After(now) {
			continue
		}
		out = append(out, proc.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(*out[j].NextRetryAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) updateProcessor(id string, apply func(*EventProcessor)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	proc, ok := m.processors[id]
	if !ok {
		return ErrNotFound
	}
	apply(proc)
	return nil
}

func (m *MemoryStore) SaveSubscription(ctx context.Context, sub *EventSubscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.subscriptions[sub.Name] = sub.Clone()
	return nil
}

func (m *MemoryStore) GetSubscription(ctx context.Context, name string) (*EventSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[name]
	if !ok {
		return nil, ErrNotFound
	}
	return sub.Clone(), nil
}

func (m *MemoryStore) ListSubscriptions(ctx context.Context) ([]*EventSubscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*EventSubscription, 0, len(m.subscriptions))
	for _, sub := range m.subscriptions {
		out = append(out, sub.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MemoryStore) ListActiveSubscriptions(ctx context.Context) ([]*EventSubscription, error) {
	subs, err := m.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}
	out := subs[:0]
	for _, sub := range subs {
		if sub.Active && !sub.Paused {
			out = append(out, sub)
		}
	}
	return out, nil
}

func (m *MemoryStore) SetSubscriptionPaused(ctx context.Context, name string, paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[name]
	if !ok {
		return ErrNotFound
	}
	sub.Paused = paused
	return nil
}

func (m *MemoryStore) RecordSubscriptionError(ctx context.Context, name string, cause string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub, ok := m.subscriptions[name]
	if !ok {
		return ErrNotFound
	}
	now := time.Now().UTC()
	sub.LastError = cause
	sub.LastErrorAt = &now
	return nil
}

func (m *MemoryStore) CreateSaga(ctx context.Context, instance *saga.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sagas[instance.ID]; ok {
		return ErrDuplicate
	}
	m.sagas[instance.ID] = instance.Clone()
	return nil
}

func (m *MemoryStore) GetSaga(ctx context.Context, id string) (*saga.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	instance, ok := m.sagas[id]
	if !ok {
		return nil, ErrNotFound
	}
	return instance.Clone(), nil
}

func (m *MemoryStore) GetSagaByCorrelationID(ctx context.Context, correlationID string) (*saga.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, instance := range m.sagas {
		if instance.CorrelationID == correlationID {
			return instance.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateSaga(ctx context.Context, instance *saga.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sagas[instance.ID]; !ok {
		return ErrNotFound
	}
	m.sagas[instance.ID] = instance.Clone()
	return nil
}
