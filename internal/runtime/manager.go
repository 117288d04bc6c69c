package runtime

import (
	"context"
	"fmt"
	"sort"
	"sync"

	configpkg "github.com/flowbus/flowbus/internal/runtime/config"
	"github.com/flowbus/flowbus/internal/runtime/dedup"
	loggingpkg "github.com/flowbus/flowbus/internal/runtime/logging"
	storepkg "github.com/flowbus/flowbus/internal/runtime/store"
	transportpkg "github.com/flowbus/flowbus/transport"
)

// ConsumerManager runs one Consumer per active, unpaused subscription and
// exposes pause, resume, and health operations over the set.
type ConsumerManager struct {
	conf     *configpkg.Config
	logger   loggingpkg.ServiceLogger
	broker   transportpkg.Broker
	events   storepkg.EventStore
	procs    storepkg.ProcessorStore
	subs     storepkg.SubscriptionStore
	handlers *HandlerRegistry
	seen     dedup.Cache
	metrics  *BusMetrics

	mu        sync.Mutex
	consumers map[string]*Consumer
	runCtx    context.Context
	running   bool
}

// NewConsumerManager wires a manager from its collaborators.
func NewConsumerManager(conf *configpkg.Config, log loggingpkg.ServiceLogger, broker transportpkg.Broker, events storepkg.EventStore, procs storepkg.ProcessorStore, subs storepkg.SubscriptionStore, handlers *HandlerRegistry, seen dedup.Cache, metrics *BusMetrics) *ConsumerManager {
	if log == nil {
		log = loggingpkg.Nop()
	}
	if handlers == nil {
		handlers = NewHandlerRegistry()
	}
	return &ConsumerManager{
		conf:      conf,
		logger:    log,
		broker:    broker,
		events:    events,
		procs:     procs,
		subs:      subs,
		handlers:  handlers,
		seen:      seen,
		metrics:   metrics,
		consumers: map[string]*Consumer{},
	}
}

// Start launches consumers for every active subscription that is not paused.
// Subscriptions whose handler is unknown are logged and skipped, not fatal.
func (m *ConsumerManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return nil
	}

	subs, err := m.subs.ListActiveSubscriptions(ctx)
	if err != nil {
		return fmt.Errorf("flowbus: failed to list subscriptions: %w", err)
	}

	m.runCtx = ctx
	for _, sub := range subs {
		if sub.Paused {
			continue
		}
		if err := m.startConsumerLocked(ctx, sub); err != nil {
			m.stopAllLocked()
			return err
		}
	}

	m.running = true
	m.logger.Info("consumer manager started", loggingpkg.LogFields{"consumers": len(m.consumers)})
	return nil
}

// Stop stops every running consumer and waits for them to drain.
func (m *ConsumerManager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.stopAllLocked()
	m.running = false
	m.logger.Info("consumer manager stopped", nil)
}

// Pause marks the subscription paused and stops its consumer. Events keep
// accumulating on the queue while paused.
func (m *ConsumerManager) Pause(ctx context.Context, name string) error {
	if err := m.subs.SetSubscriptionPaused(ctx, name, true); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if consumer, ok := m.consumers[name]; ok {
		consumer.Stop()
		delete(m.consumers, name)
	}
	m.logger.Info("subscription paused", loggingpkg.LogFields{"subscription": name})
	return nil
}

// Resume clears the paused flag and restarts the consumer so the backlog
// drains.
func (m *ConsumerManager) Resume(ctx context.Context, name string) error {
	if err := m.subs.SetSubscriptionPaused(ctx, name, false); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return nil
	}
	if _, ok := m.consumers[name]; ok {
		return nil
	}

	sub, err := m.subs.GetSubscription(ctx, name)
	if err != nil {
		return err
	}
	if !sub.Active {
		return nil
	}
	if err := m.startConsumerLocked(m.runCtx, sub); err != nil {
		return err
	}
	m.logger.Info("subscription resumed", loggingpkg.LogFields{"subscription": name})
	return nil
}

// Health reports the state of every known subscription, running or not.
func (m *ConsumerManager) Health(ctx context.Context) ([]SubscriptionHealth, error) {
	subs, err := m.subs.ListSubscriptions(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	reports := make([]SubscriptionHealth, 0, len(subs))
	for _, sub := range subs {
		var health SubscriptionHealth
		if consumer, ok := m.consumers[sub.Name]; ok {
			health = consumer.Stats().Snapshot()
			health.Running = true
		} else {
			health.Subscription = sub.Name
		}
		health.Queue = sub.Queue
		health.Paused = sub.Paused
		health.LastError = sub.LastError
		reports = append(reports, health)
	}
	sort.Slice(reports, func(i, j int) bool { return reports[i].Subscription < reports[j].Subscription })
	return reports, nil
}

// Running returns the names of subscriptions with a live consumer.
func (m *ConsumerManager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	names := make([]string, 0, len(m.consumers))
	for name := range m.consumers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *ConsumerManager) startConsumerLocked(ctx context.Context, sub *storepkg.EventSubscription) error {
	handler, ok := m.handlers.Resolve(sub.Handler)
	if !ok {
		m.logger.Error("skipping subscription with unknown handler", fmt.Errorf("flowbus: unknown handler %q", sub.Handler), loggingpkg.LogFields{
			"subscription": sub.Name,
			"handler":      sub.Handler,
		})
		return nil
	}

	consumer, err := NewConsumer(m.conf, m.logger, m.broker, m.events, m.procs, m.subs, sub, handler, m.seen, m.metrics)
	if err != nil {
		return fmt.Errorf("flowbus: failed to build consumer for %s: %w", sub.Name, err)
	}
	if err := consumer.Start(ctx); err != nil {
		return err
	}
	m.consumers[sub.Name] = consumer
	return nil
}

func (m *ConsumerManager) stopAllLocked() {
	for name, consumer := range m.consumers {
		consumer.Stop()
		delete(m.consumers, name)
	}
}
