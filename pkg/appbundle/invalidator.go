package appbundle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DefaultInvalidationChannel is the pub/sub channel used by RedisInvalidator.
const DefaultInvalidationChannel = "synkronus:appbundle:active"

// Invalidator fans out active-version changes to other server instances
// that share the bundle directory.
type Invalidator interface {
	// Publish announces that version became active.
	Publish(ctx context.Context, version string) error
	// Subscribe calls fn for every version switch made by another instance
	// until ctx is done. It returns once the subscription is established.
	Subscribe(ctx context.Context, fn func(version string)) error
	Close() error
}

// LocalInvalidator is the single-instance Invalidator. It does nothing.
type LocalInvalidator struct{}

func (LocalInvalidator) Publish(context.Context, string) error { return nil }
func (LocalInvalidator) Subscribe(context.Context, func(version string)) error { return nil }
func (LocalInvalidator) Close() error { return nil }

type invalidationMessage struct {
	Version  string `json:"version"`
	Instance string `json:"instance"`
}

// RedisInvalidator publishes switches on a Redis channel. Messages sent by
// this instance are ignored on receipt.
type RedisInvalidator struct {
	client   redis.UniversalClient
	channel  string
	instance string
	logger   *slog.Logger
}

// NewRedisInvalidator wraps client. An empty channel selects
// DefaultInvalidationChannel.
func NewRedisInvalidator(client redis.UniversalClient, channel string) *RedisInvalidator {
	if channel == "" {
		channel = DefaultInvalidationChannel
	}
	return &RedisInvalidator{
		client:   client,
		channel:  channel,
		instance: uuid.NewString(),
		logger:   slog.Default().With("component", "appbundle.invalidator"),
	}
}

// NewRedisInvalidatorFromURL parses a redis:// URL.
func NewRedisInvalidatorFromURL(url string) (*RedisInvalidator, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisInvalidator(redis.NewClient(opts), ""), nil
}

func (r *RedisInvalidator) encode(version string) ([]byte, error) {
	return json.Marshal(invalidationMessage{Version: version, Instance: r.instance})
}

// decode returns the version carried by payload and whether it came from
// another instance.
func (r *RedisInvalidator) decode(payload string) (string, bool) {
	var msg invalidationMessage
	if err := json.Unmarshal([]byte(payload), &msg); err != nil {
		r.logger.Warn("dropping malformed invalidation message", "error", err)
		return "", false
	}
	if msg.Instance == r.instance {
		return "", false
	}
	return msg.Version, true
}

func (r *RedisInvalidator) Publish(ctx context.Context, version string) error {
	payload, err := r.encode(version)
	if err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish invalidation: %w", err)
	}
	return nil
}

func (r *RedisInvalidator) Subscribe(ctx context.Context, fn func(version string)) error {
	sub := r.client.Subscribe(ctx, r.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return fmt.Errorf("subscribe %s: %w", r.channel, err)
	}

	go func() {
		defer func() { _ = sub.Close() }()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if version, remote := r.decode(msg.Payload); remote {
					fn(version)
				}
			}
		}
	}()
	return nil
}

func (r *RedisInvalidator) Close() error {
	return r.client.Close()
}
