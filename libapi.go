package flowbus

import (
	runtimepkg "github.com/flowbus/flowbus/internal/runtime"
	configpkg "github.com/flowbus/flowbus/internal/runtime/config"
	dedupkg "github.com/flowbus/flowbus/internal/runtime/dedup"
	"github.com/flowbus/flowbus/internal/runtime/envelope"
	errspkg "github.com/flowbus/flowbus/internal/runtime/errors"
	filterpkg "github.com/flowbus/flowbus/internal/runtime/filter"
	idspkg "github.com/flowbus/flowbus/internal/runtime/ids"
	jsoncodec "github.com/flowbus/flowbus/internal/runtime/jsoncodec"
	loggingpkg "github.com/flowbus/flowbus/internal/runtime/logging"
	metadatapkg "github.com/flowbus/flowbus/internal/runtime/metadata"
	retrypkg "github.com/flowbus/flowbus/internal/runtime/retry"
	routerpkg "github.com/flowbus/flowbus/internal/runtime/router"
	sagapkg "github.com/flowbus/flowbus/internal/runtime/saga"
	schemapkg "github.com/flowbus/flowbus/internal/runtime/schema"
	storepkg "github.com/flowbus/flowbus/internal/runtime/store"
	transportpkg "github.com/flowbus/flowbus/transport"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	Store               = runtimepkg.Store

	Publisher        = runtimepkg.Publisher
	PublishOptions   = runtimepkg.PublishOptions
	BatchEvent       = runtimepkg.BatchEvent
	BatchResult      = runtimepkg.BatchResult
	Consumer         = runtimepkg.Consumer
	ConsumerManager  = runtimepkg.ConsumerManager
	Handler          = runtimepkg.Handler
	Delivery         = runtimepkg.Delivery
	HandlerRegistry  = runtimepkg.HandlerRegistry
	EventRouter      = runtimepkg.EventRouter
	SagaCoordinator  = runtimepkg.SagaCoordinator
	CompensationStep = runtimepkg.CompensationStep

	SubscriptionHealth = runtimepkg.SubscriptionHealth
	SubscriptionStats  = runtimepkg.SubscriptionStats
	BusMetrics         = runtimepkg.BusMetrics

	Event             = storepkg.Event
	EventStatus       = storepkg.EventStatus
	EventProcessor    = storepkg.EventProcessor
	ProcessorStatus   = storepkg.ProcessorStatus
	EventSubscription = storepkg.EventSubscription
	RetryPolicyKind   = storepkg.RetryPolicyKind
	MemoryStore       = storepkg.MemoryStore
	SQLiteStore       = storepkg.SQLiteStore

	Saga       = sagapkg.Instance
	SagaStatus = sagapkg.Status
	SagaStore  = sagapkg.Store

	Schema         = schemapkg.Schema
	SchemaRegistry = schemapkg.Registry

	RetryPolicy = retrypkg.Policy

	Filter    = filterpkg.Filter
	FilterEnv = filterpkg.Env

	Envelope = envelope.Message

	Router        = routerpkg.Router
	RuleRouter    = routerpkg.RuleRouter
	RoutingRule   = routerpkg.Rule
	ContentRouter = routerpkg.ContentRouter
	TopicRouter   = routerpkg.TopicRouter
	FanoutRouter    = routerpkg.FanoutRouter
	CompositeRouter = routerpkg.CompositeRouter

	DedupCache = dedupkg.Cache

	Metadata = metadatapkg.Metadata

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger

	SchemaNotFoundError   = errspkg.SchemaNotFoundError
	ValidationError       = errspkg.ValidationError
	PublishError          = errspkg.PublishError
	ProcessingError       = errspkg.ProcessingError
	TimeoutError          = errspkg.TimeoutError
	RetryExhaustedError   = errspkg.RetryExhaustedError
	RouterError           = errspkg.RouterError
	SagaCompensationError = errspkg.SagaCompensationError
	SagaTimeoutError      = errspkg.SagaTimeoutError

	// Modular transport types
	Broker                = transportpkg.Broker
	TransportBuilder      = transportpkg.Builder
	TransportConfig       = transportpkg.Config
	TransportRegistry     = transportpkg.Registry
	TransportCapabilities = transportpkg.Capabilities
	QueueConfig           = transportpkg.QueueConfig
	ExchangeConfig        = transportpkg.ExchangeConfig
)

var (
	NewService     = runtimepkg.NewService
	ValidateConfig = configpkg.ValidateConfig

	NewPublisher       = runtimepkg.NewPublisher
	NewConsumer        = runtimepkg.NewConsumer
	NewConsumerManager = runtimepkg.NewConsumerManager
	NewHandlerRegistry = runtimepkg.NewHandlerRegistry
	NewSagaCoordinator = runtimepkg.NewSagaCoordinator
	NewBusMetrics      = runtimepkg.NewBusMetrics

	NewMemoryStore = storepkg.NewMemoryStore
	NewSQLiteStore = storepkg.NewSQLiteStore

	NewSaga = sagapkg.New

	NewSchemaRegistry = schemapkg.NewRegistry

	RetryPolicyFromSubscription = retrypkg.FromSubscription

	CompileFilter = filterpkg.Compile

	NewRuleRouter      = routerpkg.NewRuleRouter
	NewContentRouter   = routerpkg.NewContentRouter
	NewTopicRouter     = routerpkg.NewTopicRouter
	NewFanoutRouter    = routerpkg.NewFanoutRouter
	NewCompositeRouter = routerpkg.NewCompositeRouter
	MatchTopic         = routerpkg.MatchTopic

	NewRedisDedupCache = dedupkg.NewRedisCache

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
	Encode        = jsoncodec.Encode
	Decode        = jsoncodec.Decode

	ErrServiceRequired      = errspkg.ErrServiceRequired
	ErrHandlerRequired      = errspkg.ErrHandlerRequired
	ErrHandlerNameRequired  = errspkg.ErrHandlerNameRequired
	ErrBrokerRequired       = errspkg.ErrBrokerRequired
	ErrQueueRequired        = errspkg.ErrQueueRequired
	ErrEventTypeRequired    = errspkg.ErrEventTypeRequired
	ErrEventPayloadRequired = errspkg.ErrEventPayloadRequired
	ErrConfigRequired       = errspkg.ErrConfigRequired
	ErrLoggerRequired       = errspkg.ErrLoggerRequired
	ErrSkip                 = errspkg.ErrSkip
	ErrNotFound             = storepkg.ErrNotFound
	ErrDuplicate            = storepkg.ErrDuplicate

	NewSlogServiceLogger = loggingpkg.NewSlogServiceLogger
	NopLogger            = loggingpkg.Nop

	NewMetadata = metadatapkg.New

	NewEventID = idspkg.NewID

	// Modular transport registry. Import individual transports via:
	// _ "github.com/flowbus/flowbus/transport/rabbitmq"
	DefaultTransportRegistry = transportpkg.DefaultRegistry
	RegisterTransport        = transportpkg.Register
	BuildTransport           = transportpkg.Build
	GetCapabilities          = transportpkg.DefaultRegistry.GetCapabilities
)

// Event status values.
const (
	EventPending   = storepkg.EventPending
	EventPublished = storepkg.EventPublished
	EventProcessed = storepkg.EventProcessed
	EventFailed    = storepkg.EventFailed
	EventExpired   = storepkg.EventExpired
)

// Processor status values.
const (
	ProcessorPending      = storepkg.ProcessorPending
	ProcessorProcessing   = storepkg.ProcessorProcessing
	ProcessorCompleted    = storepkg.ProcessorCompleted
	ProcessorFailed       = storepkg.ProcessorFailed
	ProcessorSkipped      = storepkg.ProcessorSkipped
	ProcessorDeadLettered = storepkg.ProcessorDeadLettered
)

// Saga status values.
const (
	SagaStarted      = sagapkg.StatusStarted
	SagaRunning      = sagapkg.StatusRunning
	SagaCompensating = sagapkg.StatusCompensating
	SagaCompleted    = sagapkg.StatusCompleted
	SagaFailed       = sagapkg.StatusFailed
	SagaCancelled    = sagapkg.StatusCancelled
)

// Retry policy kinds.
const (
	RetryExponential = storepkg.RetryExponential
	RetryLinear      = storepkg.RetryLinear
	RetryFixed       = storepkg.RetryFixed
)

// Metadata keys stamped on wire messages.
const (
	MetadataKeyEventType     = envelope.KeyEventType
	MetadataKeyMessageID     = envelope.KeyMessageID
	MetadataKeyCorrelationID = envelope.KeyCorrelationID
	MetadataKeyVersion       = envelope.KeyVersion
	MetadataKeyFailureReason = envelope.KeyFailureReason
	MetadataKeySubscription  = envelope.KeySubscription
	MetadataKeyAttempts      = envelope.KeyAttempts
	MetadataKeyFailedAt      = envelope.KeyFailedAt
	MetadataKeyOriginalQueue = envelope.KeyOriginalQueue
	MetadataKeyDeadLetter    = envelope.KeyDeadLetter
	MetadataKeySagaID        = runtimepkg.KeySagaID
)
