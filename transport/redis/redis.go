// Package redis provides a Redis-backed broker for flowbus. Messages are
// pushed onto a per-topic list and consumed with blocking pops, which gives
// queue semantics with a persistent backlog rather than fire-and-forget
// pub/sub. Nacked deliveries are pushed back to the head of the list.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/redis/go-redis/v9"

	"github.com/flowbus/flowbus/internal/runtime/jsoncodec"
	"github.com/flowbus/flowbus/transport"
)

// BackendName is the name used to register this broker.
const BackendName = "redis"

const keyPrefix = "flowbus:queue:"

// popTimeout bounds each blocking pop so subscriptions notice closed
// contexts promptly.
const popTimeout = time.Second

// ClientFactory allows overriding the Redis client creation for testing.
var ClientFactory = func(opts *redis.Options) redis.UniversalClient {
	return redis.NewClient(opts)
}

func init() {
	Register()
}

// Register registers the Redis broker with the default registry.
func Register() {
	transport.RegisterWithCapabilities(BackendName, Build, transport.RedisCapabilities)
}

// Build creates a new Redis broker.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Broker, error) {
	addr := cfg.GetRedisAddr()
	password := cfg.GetRedisPassword()
	db := cfg.GetRedisDB()

	core := transport.NewCore(transport.RedisCapabilities, func(ctx context.Context) (message.Publisher, message.Subscriber, error) {
		client := ClientFactory(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, nil, fmt.Errorf("redis ping failed: %w", err)
		}
		ps := newPubSub(client, logger)
		return ps, ps, nil
	}, logger)
	return core, nil
}

// Capabilities returns the capabilities of this broker.
func Capabilities() transport.Capabilities {
	return transport.RedisCapabilities
}

type wireMessage struct {
	UUID     string            `json:"uuid"`
	Metadata map[string]string `json:"metadata,omitempty"`
	Payload  []byte            `json:"payload"`
}

// pubSub implements both message.Publisher and message.Subscriber on one
// Redis client, like gochannel does for in-memory channels.
type pubSub struct {
	client redis.UniversalClient
	logger watermill.LoggerAdapter

	closeOnce sync.Once
	closing   chan struct{}
	wg        sync.WaitGroup
}

func newPubSub(client redis.UniversalClient, logger watermill.LoggerAdapter) *pubSub {
	return &pubSub{
		client:  client,
		logger:  logger,
		closing: make(chan struct{}),
	}
}

func (p *pubSub) Publish(topic string, messages ...*message.Message) error {
	ctx := context.Background()
	for _, msg := range messages {
		if c := msg.Context(); c != nil {
			ctx = c
		}
		body, err := jsoncodec.Marshal(wireMessage{
			UUID:     msg.UUID,
			Metadata: msg.Metadata,
			Payload:  msg.Payload,
		})
		if err != nil {
			return fmt.Errorf("marshal message %s: %w", msg.UUID, err)
		}
		if err := p.client.RPush(ctx, keyPrefix+topic, body).Err(); err != nil {
			return fmt.Errorf("push message %s to %s: %w", msg.UUID, topic, err)
		}
	}
	return nil
}

func (p *pubSub) Subscribe(ctx context.Context, topic string) (<-chan *message.Message, error) {
	select {
	case <-p.closing:
		return nil, fmt.Errorf("redis pubsub is closed")
	default:
	}

	out := make(chan *message.Message)
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer close(out)
		p.consume(ctx, topic, out)
	}()
	return out, nil
}

func (p *pubSub) consume(ctx context.Context, topic string, out chan<- *message.Message) {
	key := keyPrefix + topic
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.closing:
			return
		default:
		}

		res, err := p.client.BLPop(ctx, popTimeout, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Blocking pop failed", err, watermill.LogFields{"topic": topic})
			continue
		}
		if len(res) != 2 {
			continue
		}

		var wire wireMessage
		if err := jsoncodec.Unmarshal([]byte(res[1]), &wire); err != nil {
			p.logger.Error("Dropping undecodable message", err, watermill.LogFields{"topic": topic})
			continue
		}

		msg := message.NewMessage(wire.UUID, wire.Payload)
		msg.Metadata = wire.Metadata
		if msg.Metadata == nil {
			msg.Metadata = message.Metadata{}
		}
		msg.SetContext(ctx)

		select {
		case out <- msg:
		case <-ctx.Done():
			p.requeue(topic, res[1])
			return
		case <-p.closing:
			p.requeue(topic, res[1])
			return
		}

		select {
		case <-msg.Acked():
		case <-msg.Nacked():
			p.requeue(topic, res[1])
		case <-ctx.Done():
			p.requeue(topic, res[1])
			return
		case <-p.closing:
			p.requeue(topic, res[1])
			return
		}
	}
}

// requeue pushes an unsettled message back to the head of its list so it is
// redelivered first.
func (p *pubSub) requeue(topic, raw string) {
	if err := p.client.LPush(context.Background(), keyPrefix+topic, raw).Err(); err != nil {
		p.logger.Error("Requeue failed", err, watermill.LogFields{"topic": topic})
	}
}

func (p *pubSub) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closing)
		p.wg.Wait()
		err = p.client.Close()
	})
	return err
}
