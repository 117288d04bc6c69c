// Package channel provides an in-memory Go channel broker for flowbus.
// This broker is useful for testing and local development.
package channel

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/flowbus/flowbus/transport"
)

// BackendName is the name used to register this broker.
const BackendName = "channel"

// Factory allows overriding the channel creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
	pubSub := gochannel.NewGoChannel(cfg, logger)
	return pubSub, pubSub
}

func init() {
	Register()
}

// Register registers the channel broker with the default registry.
func Register() {
	transport.RegisterWithCapabilities(BackendName, Build, transport.ChannelCapabilities)
}

// Build creates a new Go channel broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	core := transport.NewCore(transport.ChannelCapabilities, func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		pub, sub := Factory(gochannel.Config{}, logger)
		return pub, sub, nil
	}, logger)
	return core, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}
