package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	configpkg "github.com/flowbus/flowbus/internal/runtime/config"
	"github.com/flowbus/flowbus/internal/runtime/dedup"
	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
	loggingpkg "github.com/flowbus/flowbus/internal/runtime/logging"
	sagapkg "github.com/flowbus/flowbus/internal/runtime/saga"
	schemapkg "github.com/flowbus/flowbus/internal/runtime/schema"
	storepkg "github.com/flowbus/flowbus/internal/runtime/store"
	transportpkg "github.com/flowbus/flowbus/transport"
)

// Store is the persistence surface the service needs: events, processor
// rows, subscriptions, and saga instances behind one implementation.
// Both the in-memory store and the SQLite store satisfy it.
type Store interface {
	storepkg.EventStore
	storepkg.ProcessorStore
	storepkg.SubscriptionStore
	sagapkg.Store
}

// ServiceDependencies holds the optional collaborators that the Service can
// use. Leave fields nil to get the configuration-driven defaults.
type ServiceDependencies struct {
	Broker     transportpkg.Broker
	Store      Store
	Router     EventRouter
	DedupCache dedup.Cache
	Registerer prometheus.Registerer
}

// Service wires the broker, stores, publisher, and consumer manager into one
// event bus. Register handlers and schemas on the returned Service before
// calling Start.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	broker   transportpkg.Broker
	store    Store
	schemas  *schemapkg.Registry
	handlers *HandlerRegistry
	metrics  *BusMetrics

	publisher *Publisher
	manager   *ConsumerManager
	sagas     *SagaCoordinator

	closeStore func() error
}

// NewService constructs a Service for the supplied configuration.
func NewService(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = loggingpkg.Nop()
	}

	log.Info("creating event bus service", loggingpkg.LogFields{
		"backend": conf.Backend,
		"config":  conf,
	})

	s := &Service{
		Conf:     conf,
		Logger:   log,
		schemas:  schemapkg.NewRegistry(),
		handlers: NewHandlerRegistry(),
	}

	if err := s.initStore(deps); err != nil {
		return nil, err
	}
	if err := s.initBroker(ctx, deps); err != nil {
		return nil, err
	}
	s.initMetrics(deps)
	seen := s.initDedup(deps)

	publisher, err := NewPublisher(conf, log, s.broker, s.store, s.schemas, deps.Router, s.metrics)
	if err != nil {
		return nil, err
	}
	s.publisher = publisher

	s.manager = NewConsumerManager(conf, log, s.broker, s.store, s.store, s.store, s.handlers, seen, s.metrics)

	sagas, err := NewSagaCoordinator(s.store, publisher, log)
	if err != nil {
		return nil, err
	}
	s.sagas = sagas

	return s, nil
}

func (s *Service) initStore(deps ServiceDependencies) error {
	if deps.Store != nil {
		s.store = deps.Store
		return nil
	}
	if s.Conf.StorePath == "" {
		s.store = storepkg.NewMemoryStore()
		return nil
	}
	sqliteStore, err := storepkg.NewSQLiteStore(s.Conf.StorePath)
	if err != nil {
		return fmt.Errorf("flowbus: failed to open store: %w", err)
	}
	s.store = sqliteStore
	s.closeStore = sqliteStore.Close
	return nil
}

func (s *Service) initBroker(ctx context.Context, deps ServiceDependencies) error {
	if deps.Broker != nil {
		s.broker = deps.Broker
		return nil
	}
	wmLogger := loggingpkg.NewWatermillAdapter(s.Logger)
	broker, err := transportpkg.Build(ctx, s.Conf, wmLogger)
	if err != nil {
		return err
	}
	s.broker = broker
	return nil
}

func (s *Service) initMetrics(deps ServiceDependencies) {
	if !s.Conf.MetricsEnabled {
		return
	}
	s.metrics = NewBusMetrics(deps.Registerer)
	if err := s.metrics.Register(); err != nil {
		s.Logger.Error("failed to register metrics", err, nil)
	}
}

func (s *Service) initDedup(deps ServiceDependencies) dedup.Cache {
	if deps.DedupCache != nil {
		return deps.DedupCache
	}
	if s.Conf.RedisAddr == "" {
		return dedup.Nop{}
	}
	client := redis.NewClient(&redis.Options{
		Addr:     s.Conf.RedisAddr,
		Password: s.Conf.RedisPassword,
		DB:       s.Conf.RedisDB,
	})
	return dedup.NewRedisCache(client)
}

// Start connects the broker and launches a consumer for every active
// subscription. It returns once consumption is running.
func (s *Service) Start(ctx context.Context) error {
	if err := s.broker.Connect(ctx); err != nil {
		return err
	}
	if err := s.manager.Start(ctx); err != nil {
		return err
	}
	s.Logger.Info("event bus service started", loggingpkg.LogFields{
		"subscriptions": s.manager.Running(),
	})
	return nil
}

// Stop drains consumers, closes the broker, and closes the store.
func (s *Service) Stop() error {
	s.manager.Stop()
	if err := s.broker.Close(); err != nil {
		s.Logger.Error("failed to close broker", err, nil)
	}
	if s.closeStore != nil {
		if err := s.closeStore(); err != nil {
			return err
		}
	}
	s.Logger.Info("event bus service stopped", nil)
	return nil
}

// Publisher exposes the durable publisher.
func (s *Service) Publisher() *Publisher {
	return s.publisher
}

// Sagas exposes the saga coordinator.
func (s *Service) Sagas() *SagaCoordinator {
	return s.sagas
}

// Publish validates, stores, and sends one event.
func (s *Service) Publish(ctx context.Context, eventType string, data map[string]any, opts PublishOptions) (*storepkg.Event, error) {
	return s.publisher.Publish(ctx, eventType, data, opts)
}

// RepublishFailed retries broker delivery for failed events newer than since.
func (s *Service) RepublishFailed(ctx context.Context, since time.Time) (recovered, failing int, err error) {
	return s.publisher.RepublishFailed(ctx, since)
}

// RegisterHandler adds a named handler. Subscriptions reference handlers by
// this name.
func (s *Service) RegisterHandler(name string, handler Handler) error {
	return s.handlers.Register(name, handler)
}

// MustRegisterHandler is RegisterHandler that panics on error, for static
// wiring at startup.
func (s *Service) MustRegisterHandler(name string, handler Handler) {
	s.handlers.MustRegister(name, handler)
}

// RegisterSchema adds or replaces an event schema.
func (s *Service) RegisterSchema(schema schemapkg.Schema) error {
	return s.schemas.Register(schema)
}

// Schemas exposes the schema registry.
func (s *Service) Schemas() *schemapkg.Registry {
	return s.schemas
}

// Subscribe persists the subscription. When the service is already running,
// an active unpaused subscription gets its consumer immediately through
// Resume.
func (s *Service) Subscribe(ctx context.Context, sub *storepkg.EventSubscription) error {
	if sub == nil || sub.Name == "" {
		return fmt.Errorf("flowbus: subscription name is required")
	}
	if sub.Queue == "" {
		return errspkg.ErrQueueRequired
	}
	if _, ok := s.handlers.Resolve(sub.Handler); !ok {
		return fmt.Errorf("flowbus: unknown handler %q", sub.Handler)
	}
	if err := s.store.SaveSubscription(ctx, sub); err != nil {
		return err
	}
	if sub.Active && !sub.Paused {
		return s.manager.Resume(ctx, sub.Name)
	}
	return nil
}

// PauseSubscription stops the subscription's consumer while its queue keeps
// accumulating events.
func (s *Service) PauseSubscription(ctx context.Context, name string) error {
	return s.manager.Pause(ctx, name)
}

// ResumeSubscription restarts a paused subscription so its backlog drains.
func (s *Service) ResumeSubscription(ctx context.Context, name string) error {
	return s.manager.Resume(ctx, name)
}

// SubscriptionHealth reports per-subscription processing counters and state.
func (s *Service) SubscriptionHealth(ctx context.Context) ([]SubscriptionHealth, error) {
	return s.manager.Health(ctx)
}

// RetryProcessor reschedules a non-terminal processor row for an immediate
// retry, for operator recovery of stuck deliveries.
func (s *Service) RetryProcessor(ctx context.Context, eventID, subscription string) error {
	proc, _, err := s.store.GetOrCreateProcessor(ctx, eventID, subscription)
	if err != nil {
		return err
	}
	if proc.Status.Terminal() {
		return fmt.Errorf("flowbus: processor for event %s on %s is already %s", eventID, subscription, proc.Status)
	}
	return s.store.ScheduleProcessorRetry(ctx, proc.ID, time.Now().UTC(), "manual retry")
}
