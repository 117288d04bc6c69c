// Package nats provides a NATS Core broker for flowbus.
package nats

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-nats/v2/pkg/nats"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/flowbus/flowbus/transport"
)

// BackendName is the name used to register this broker.
const BackendName = "nats"

// PublisherFactory allows overriding the publisher creation for testing.
var PublisherFactory = func(cfg nats.PublisherConfig, logger watermill.LoggerAdapter) (message.Publisher, error) {
	return nats.NewPublisher(cfg, logger)
}

// SubscriberFactory allows overriding the subscriber creation for testing.
var SubscriberFactory = func(cfg nats.SubscriberConfig, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	return nats.NewSubscriber(cfg, logger)
}

func init() {
	Register()
}

// Register registers the NATS broker with the default registry.
func Register() {
	transport.RegisterWithCapabilities(BackendName, Build, transport.NATSCapabilities)
}

// Build creates a new NATS broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	url := cfg.GetNATSURL()

	core := transport.NewCore(transport.NATSCapabilities, func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		marshaler := &nats.NATSMarshaler{}

		publisher, err := PublisherFactory(
			nats.PublisherConfig{
				URL:       url,
				Marshaler: marshaler,
			},
			logger,
		)
		if err != nil {
			return nil, nil, err
		}

		subscriber, err := SubscriberFactory(
			nats.SubscriberConfig{
				URL:         url,
				Unmarshaler: marshaler,
			},
			logger,
		)
		if err != nil {
			return nil, nil, err
		}

		return publisher, subscriber, nil
	}, logger)
	return core, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.NATSCapabilities
}
