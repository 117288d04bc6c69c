package transport

// Capabilities describes the features supported by a broker backend. The
// consumer and publisher use it to decide what must be emulated at the
// application level.
type Capabilities struct {
	// SupportsRouting indicates the backend routes exchange/routing-key
	// pairs itself. When false, BindQueue bindings are honoured by the
	// broker wrapper, which fans published messages out to bound queues.
	SupportsRouting bool

	// SupportsDelay indicates native delayed delivery.
	SupportsDelay bool

	// SupportsNativeDLQ indicates built-in dead-letter-exchange support.
	// When false, flowbus publishes dead-letter copies itself.
	SupportsNativeDLQ bool

	// SupportsOrdering indicates in-order delivery within a queue/partition.
	SupportsOrdering bool

	// SupportsAck indicates explicit acknowledgment; for log-based backends
	// an ack commits the consumer offset.
	SupportsAck bool

	// SupportsNack indicates negative acknowledgment with redelivery.
	SupportsNack bool

	// SupportsReplay indicates late subscribers receive previously published
	// messages (backing list or log retention).
	SupportsReplay bool

	// SupportsPartitioning indicates partitioned consumption.
	SupportsPartitioning bool

	// MaxMessageSize is the maximum message size in bytes (0 = unknown).
	MaxMessageSize int64

	// Name is the human-readable backend name.
	Name string

	// Version is the backend/driver version, when known.
	Version string
}

// RequiresDLQEmulation reports whether dead-letter routing must happen at the
// application level.
func (c Capabilities) RequiresDLQEmulation() bool {
	return !c.SupportsNativeDLQ
}

// SupportsReliableDelivery reports at-least-once capability (ack + nack).
func (c Capabilities) SupportsReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Predefined capability sets for the bundled backends.
var (
	// ChannelCapabilities for the in-memory Go channel backend.
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsRouting:  false,
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	// RabbitMQCapabilities for the durable AMQP backend.
	RabbitMQCapabilities = Capabilities{
		Name:              "rabbitmq",
		SupportsRouting:   true,
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
	}

	// KafkaCapabilities for the partitioned log backend.
	KafkaCapabilities = Capabilities{
		Name:                 "kafka",
		SupportsRouting:      false,
		SupportsOrdering:     true,
		SupportsAck:          true,
		SupportsReplay:       true,
		SupportsPartitioning: true,
		MaxMessageSize:       1 << 20,
	}

	// RedisCapabilities for the pub/sub backend with backing-list replay.
	RedisCapabilities = Capabilities{
		Name:            "redis",
		SupportsRouting: false,
		SupportsAck:     true,
		SupportsNack:    true,
		SupportsReplay:  true,
	}

	// NATSCapabilities for the NATS core backend.
	NATSCapabilities = Capabilities{
		Name:            "nats",
		SupportsRouting: false,
		MaxMessageSize:  1 << 20,
	}

	// AWSCapabilities for the SNS/SQS backend.
	AWSCapabilities = Capabilities{
		Name:              "aws",
		SupportsRouting:   true,
		SupportsDelay:     true,
		SupportsNativeDLQ: true,
		SupportsOrdering:  true,
		SupportsAck:       true,
		SupportsNack:      true,
		MaxMessageSize:    256 << 10,
	}
)

// GetCapabilities returns the capabilities for a backend registered with the
// default registry. Returns a zero Capabilities struct for unknown names.
func GetCapabilities(name string) Capabilities {
	return DefaultRegistry.GetCapabilities(name)
}
