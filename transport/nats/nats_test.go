package nats

import (
	"context"
	"errors"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowbus/flowbus/transport"
)

func TestRegister(t *testing.T) {
	transport.DefaultRegistry = transport.NewRegistry()
	Register()

	caps := transport.GetCapabilities(BackendName)
	assert.Equal(t, "nats", caps.Name)
	assert.False(t, caps.SupportsAck)
	assert.False(t, caps.SupportsReplay)
}

func TestCapabilities(t *testing.T) {
	caps := Capabilities()
	assert.Equal(t, transport.NATSCapabilities, caps)
	assert.Equal(t, "nats", caps.Name)
}

func TestBackendName(t *testing.T) {
	assert.Equal(t, "nats", BackendName)
}

func TestConnect(t *testing.T) {
	t.Run("passes URL to factories", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		originalSubFactory := SubscriberFactory
		defer func() {
			PublisherFactory = originalPubFactory
			SubscriberFactory = originalSubFactory
		}()

		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			assert.Equal(t, "nats://localhost:4222", cfg.URL)
			return &mockPublisher{}, nil
		}
		SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
			assert.Equal(t, "nats://localhost:4222", cfg.URL)
			return &mockSubscriber{}, nil
		}

		cfg := &mockConfig{natsURL: "nats://localhost:4222"}
		broker, err := Build(context.Background(), cfg, watermill.NopLogger{})
		require.NoError(t, err)
		require.NoError(t, broker.Connect(context.Background()))
	})

	t.Run("returns error when publisher factory fails", func(t *testing.T) {
		originalPubFactory := PublisherFactory
		defer func() { PublisherFactory = originalPubFactory }()

		PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
			return nil, errors.New("publisher error")
		}

		broker, err := Build(context.Background(), &mockConfig{}, watermill.NopLogger{})
		require.NoError(t, err)

		err = broker.Connect(context.Background())
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "publisher error")
	})
}

type mockConfig struct {
	natsURL string
}

func (m *mockConfig) GetBackend() string            { return "nats" }
func (m *mockConfig) GetKafkaBrokers() []string     { return nil }
func (m *mockConfig) GetKafkaConsumerGroup() string { return "" }
func (m *mockConfig) GetRabbitMQURL() string        { return "" }
func (m *mockConfig) GetRedisAddr() string          { return "" }
func (m *mockConfig) GetRedisPassword() string      { return "" }
func (m *mockConfig) GetRedisDB() int               { return 0 }
func (m *mockConfig) GetNATSURL() string            { return m.natsURL }
func (m *mockConfig) GetAWSRegion() string          { return "" }
func (m *mockConfig) GetAWSAccountID() string       { return "" }
func (m *mockConfig) GetAWSAccessKeyID() string     { return "" }
func (m *mockConfig) GetAWSSecretAccessKey() string { return "" }
func (m *mockConfig) GetAWSEndpoint() string        { return "" }

type mockPublisher struct{}

func (m *mockPublisher) Publish(topic string, messages ...*message.Message) error { return nil }
func (m *mockPublisher) Close() error                                             { return nil }

type mockSubscriber struct{}

func (m *mockSubscriber) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	return make(chan *message.Message), nil
}
func (m *mockSubscriber) Close() error { return nil }
