package transport

import (
	"context"
	"fmt"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// ConnectFunc builds the underlying Watermill publisher/subscriber pair for a
// backend. It is called at most once per connection lifetime.
type ConnectFunc func(ctx context.Context) (message.Publisher, message.Subscriber, error)

// Core adapts a Watermill publisher/subscriber pair to the Broker contract.
// Backend packages embed it and only add what their infrastructure needs:
// Core handles lazy connection, in-flight delivery tracking for Ack/Reject,
// and binding fan-out for backends without broker-side routing.
type Core struct {
	caps    Capabilities
	logger  watermill.LoggerAdapter
	connect ConnectFunc

	mu        sync.Mutex
	pub       message.Publisher
	sub       message.Subscriber
	connected bool
	closed    bool

	bindingsMu sync.RWMutex
	bindings   map[string][]string // topic -> bound queues

	inflight *Inflight
}

// NewCore constructs a Core for the given capabilities and connector.
func NewCore(caps Capabilities, connect ConnectFunc, logger watermill.LoggerAdapter) *Core {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Core{
		caps:     caps,
		logger:   logger,
		connect:  connect,
		bindings: make(map[string][]string),
		inflight: NewInflight(),
	}
}

// Connect establishes the underlying publisher/subscriber pair. It is
// idempotent and safe to call before every operation.
func (c *Core) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return fmt.Errorf("transport %s: broker is closed", c.caps.Name)
	}
	if c.connected {
		return nil
	}

	pub, sub, err := c.connect(ctx)
	if err != nil {
		return fmt.Errorf("transport %s: connect failed: %w", c.caps.Name, err)
	}

	c.pub = pub
	c.sub = sub
	c.connected = true
	c.logger.Info("Broker connected", watermill.LogFields{"backend": c.caps.Name})
	return nil
}

// Close shuts the underlying publisher and subscriber down.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	var firstErr error
	if c.pub != nil {
		if err := c.pub.Close(); err != nil {
			firstErr = err
		}
	}
	if c.sub != nil {
		if err := c.sub.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	c.connected = false
	return firstErr
}

func (c *Core) publisher(ctx context.Context) (message.Publisher, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pub, nil
}

func (c *Core) subscriber(ctx context.Context) (message.Subscriber, error) {
	if err := c.Connect(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sub, nil
}

// Publish sends msg towards the exchange/routing-key pair. Backends that do
// not route exchanges themselves have the message fanned out to every queue
// bound to the derived topic; without bindings it goes to the topic directly.
func (c *Core) Publish(ctx context.Context, exchange, routingKey string, msg *message.Message) error {
	pub, err := c.publisher(ctx)
	if err != nil {
		return err
	}

	if ctx != nil {
		msg.SetContext(ctx)
	}

	topic := Topic(exchange, routingKey)
	if topic == "" {
		return fmt.Errorf("transport %s: publish requires an exchange or routing key", c.caps.Name)
	}

	if c.caps.SupportsRouting {
		return pub.Publish(topic, msg)
	}

	targets := c.boundQueues(topic)
	if len(targets) == 0 {
		return pub.Publish(topic, msg)
	}

	for i, queue := range targets {
		out := msg
		if i > 0 {
			out = msg.Copy()
		}
		if err := pub.Publish(queue, out); err != nil {
			return fmt.Errorf("transport %s: publish to bound queue %s failed: %w", c.caps.Name, queue, err)
		}
	}
	return nil
}

// Subscribe opens a receive channel for the queue. Deliveries are tracked so
// Ack/Reject can settle them by message UUID.
func (c *Core) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	sub, err := c.subscriber(ctx)
	if err != nil {
		return nil, err
	}

	in, err := sub.Subscribe(ctx, queue)
	if err != nil {
		return nil, fmt.Errorf("transport %s: subscribe to %s failed: %w", c.caps.Name, queue, err)
	}

	out := make(chan *message.Message)
	go func() {
		defer close(out)
		for msg := range in {
			c.inflight.Track(msg)
			select {
			case out <- msg:
			case <-ctx.Done():
				c.inflight.Forget(msg.UUID)
				msg.Nack()
				return
			}
		}
	}()
	return out, nil
}

// DeclareQueue provisions the queue when the backend supports explicit
// topology initialisation; otherwise provisioning happens on first subscribe.
func (c *Core) DeclareQueue(ctx context.Context, cfg QueueConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("transport %s: queue name is required", c.caps.Name)
	}
	sub, err := c.subscriber(ctx)
	if err != nil {
		return err
	}
	if initializer, ok := sub.(message.SubscribeInitializer); ok {
		return initializer.SubscribeInitialize(cfg.Name)
	}
	return nil
}

// DeclareExchange provisions the exchange. Backends without exchange
// semantics treat the exchange purely as a topic prefix, so there is nothing
// to create ahead of time.
func (c *Core) DeclareExchange(ctx context.Context, cfg ExchangeConfig) error {
	if cfg.Name == "" {
		return fmt.Errorf("transport %s: exchange name is required", c.caps.Name)
	}
	if c.caps.SupportsRouting {
		sub, err := c.subscriber(ctx)
		if err != nil {
			return err
		}
		if initializer, ok := sub.(message.SubscribeInitializer); ok {
			return initializer.SubscribeInitialize(cfg.Name)
		}
	}
	return nil
}

// BindQueue records that queue receives messages published to the
// exchange/routing-key pair. Routing backends rely on broker-side bindings;
// for the rest the Core fans out on publish.
func (c *Core) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	if queue == "" {
		return fmt.Errorf("transport %s: queue is required for binding", c.caps.Name)
	}
	topic := Topic(exchange, routingKey)
	if topic == "" {
		return fmt.Errorf("transport %s: binding requires an exchange or routing key", c.caps.Name)
	}

	c.bindingsMu.Lock()
	defer c.bindingsMu.Unlock()
	for _, q := range c.bindings[topic] {
		if q == queue {
			return nil
		}
	}
	c.bindings[topic] = append(c.bindings[topic], queue)
	return nil
}

func (c *Core) boundQueues(topic string) []string {
	c.bindingsMu.RLock()
	defer c.bindingsMu.RUnlock()
	return c.bindings[topic]
}

// Ack settles a tracked delivery. For log-based backends this commits the
// consumer offset.
func (c *Core) Ack(messageID string) error {
	return c.inflight.Ack(messageID)
}

// Reject settles a tracked delivery negatively. With requeue the transport
// redelivers; without, the delivery is dropped from the transport's point of
// view (the processor store keeps the failure).
func (c *Core) Reject(messageID string, requeue bool) error {
	return c.inflight.Reject(messageID, requeue)
}

// Capabilities returns the backend's capability set.
func (c *Core) Capabilities() Capabilities {
	return c.caps
}

// Inflight tracks delivered messages awaiting acknowledgement, keyed by
// message UUID.
type Inflight struct {
	mu   sync.Mutex
	msgs map[string]*message.Message
}

// NewInflight creates an empty in-flight tracker.
func NewInflight() *Inflight {
	return &Inflight{msgs: make(map[string]*message.Message)}
}

// Track registers a delivery. A redelivered UUID replaces the stale entry.
func (i *Inflight) Track(msg *message.Message) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.msgs[msg.UUID] = msg
}

// Forget drops a delivery without settling it.
func (i *Inflight) Forget(messageID string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	delete(i.msgs, messageID)
}

// Ack settles the delivery positively.
func (i *Inflight) Ack(messageID string) error {
	msg, err := i.take(messageID)
	if err != nil {
		return err
	}
	msg.Ack()
	return nil
}

// Reject settles the delivery negatively. requeue nacks for redelivery;
// otherwise the message is acked away so the transport stops retrying.
func (i *Inflight) Reject(messageID string, requeue bool) error {
	msg, err := i.take(messageID)
	if err != nil {
		return err
	}
	if requeue {
		msg.Nack()
	} else {
		msg.Ack()
	}
	return nil
}

func (i *Inflight) take(messageID string) (*message.Message, error) {
	i.mu.Lock()
	defer i.mu.Unlock()
	msg, ok := i.msgs[messageID]
	if !ok {
		return nil, fmt.Errorf("transport: message %s is not in flight", messageID)
	}
	delete(i.msgs, messageID)
	return msg, nil
}
