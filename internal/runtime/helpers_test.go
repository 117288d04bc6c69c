package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/flowbus/flowbus/internal/runtime/config"
	loggingpkg "github.com/flowbus/flowbus/internal/runtime/logging"
	storepkg "github.com/flowbus/flowbus/internal/runtime/store"
	transportpkg "github.com/flowbus/flowbus/transport"
)

// testBroker is an in-memory Broker with inspectable publishes and
// hand-fed deliveries.
type testBroker struct {
	mu         sync.Mutex
	connected  bool
	publishErr error
	published  map[string][]*message.Message
	queues     map[string]chan *message.Message
	acked      []string
	requeued   []string
}

func newTestBroker() *testBroker {
	return &testBroker{
		published: make(map[string][]*message.Message),
		queues:    make(map[string]chan *message.Message),
	}
}

func (b *testBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	return nil
}

func (b *testBroker) Close() error { return nil }

func (b *testBroker) Publish(ctx context.Context, exchange, routingKey string, msg *message.Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.publishErr != nil {
		return b.publishErr
	}
	topic := transportpkg.Topic(exchange, routingKey)
	b.published[topic] = append(b.published[topic], msg)
	if ch, ok := b.queues[topic]; ok {
		select {
		case ch <- msg:
		default:
		}
	}
	return nil
}

func (b *testBroker) Subscribe(ctx context.Context, queue string) (<-chan *message.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.queues[queue]
	if !ok {
		ch = make(chan *message.Message, 16)
		b.queues[queue] = ch
	}
	return ch, nil
}

func (b *testBroker) DeclareQueue(ctx context.Context, cfg transportpkg.QueueConfig) error {
	return nil
}

func (b *testBroker) DeclareExchange(ctx context.Context, cfg transportpkg.ExchangeConfig) error {
	return nil
}

func (b *testBroker) BindQueue(ctx context.Context, queue, exchange, routingKey string) error {
	return nil
}

func (b *testBroker) Ack(messageID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acked = append(b.acked, messageID)
	return nil
}

func (b *testBroker) Reject(messageID string, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if requeue {
		b.requeued = append(b.requeued, messageID)
	}
	return nil
}

func (b *testBroker) Capabilities() transportpkg.Capabilities {
	return transportpkg.ChannelCapabilities
}

func (b *testBroker) publishedTo(topic string) []*message.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make([]*message.Message, len(b.published[topic]))
	copy(clone, b.published[topic])
	return clone
}

func (b *testBroker) deliver(queue string, msg *message.Message) {
	b.mu.Lock()
	ch, ok := b.queues[queue]
	b.mu.Unlock()
	if !ok {
		panic("test: no subscriber on queue " + queue)
	}
	ch <- msg
}

func (b *testBroker) ackedIDs() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make([]string, len(b.acked))
	copy(clone, b.acked)
	return clone
}

func (b *testBroker) setPublishErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

func testConfig() *configpkg.Config {
	return &configpkg.Config{
		Backend:           "channel",
		RetryMaxAttempts:  3,
		RetryBaseDelay:    time.Minute,
		RetryPollInterval: 10 * time.Millisecond,
	}
}

// waitFor polls until check passes or the deadline expires.
func waitFor(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if check() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func testLogger() loggingpkg.ServiceLogger {
	return loggingpkg.Nop()
}

func waitProcessorStatus(t *testing.T, s storepkg.ProcessorStore, eventID, subscription string, want storepkg.ProcessorStatus) *storepkg.EventProcessor {
	t.Helper()
	var got *storepkg.EventProcessor
	waitFor(t, "processor status "+string(want), func() bool {
		proc, err := s.GetProcessor(context.Background(), eventID, subscription)
		if err != nil {
			return false
		}
		got = proc
		return proc.Status == want
	})
	return got
}
