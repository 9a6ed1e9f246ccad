package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const defaultChannel = "huddle:realtime"

type envelope struct {
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// RedisBridge relays room frames between API instances over Redis pub/sub so
// a message posted on one instance reaches sockets held by another.
type RedisBridge struct {
	client  *redis.Client
	channel string
	log     *zap.Logger
}

func NewRedisBridge(redisURL string, logger *zap.Logger) (*RedisBridge, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisBridgeWithClient(client, logger), nil
}

func NewRedisBridgeWithClient(client *redis.Client, logger *zap.Logger) *RedisBridge {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisBridge{client: client, channel: defaultChannel, log: logger}
}

func (b *RedisBridge) Publish(ctx context.Context, room string, payload []byte) error {
	data, err := json.Marshal(envelope{Room: room, Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel, data).Err(); err != nil {
		return fmt.Errorf("publish to redis: %w", err)
	}
	return nil
}

// Listen subscribes to the relay channel and hands every frame to deliver
// until ctx is cancelled. It returns once the subscription is confirmed.
func (b *RedisBridge) Listen(ctx context.Context, deliver func(room string, payload []byte) int) error {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe to %s: %w", b.channel, err)
	}

	go func() {
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					b.log.Warn("drop malformed relay frame", zap.Error(err))
					continue
				}
				deliver(env.Room, env.Payload)
			}
		}
	}()
	return nil
}

func (b *RedisBridge) Close() error {
	return b.client.Close()
}
