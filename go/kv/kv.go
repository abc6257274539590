// Package kv is the shared key/value abstraction backing every persisted
// record of the gateway: tasks, sessions, flows, payments, and proof blobs.
// It exposes the minimal string / list / pub-sub surface the stores need,
// with TTLs on every written key. A single Store instance is shared by the
// whole process.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/attestry/proofgate/go/fault"
	"github.com/redis/go-redis/v9"
)

// Store is the key/value surface consumed by the gateway's record stores.
type Store interface {
	// Get returns the string value at |key|, or a NotFound fault.
	Get(ctx context.Context, key string) (string, error)
	// Set writes |value| at |key| with |ttl|. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Del removes |keys|. Missing keys are not an error.
	Del(ctx context.Context, keys ...string) error
	// RPush appends |values| to the list at |key|.
	RPush(ctx context.Context, key string, values ...string) error
	// LPop removes and returns the head of the list at |key|,
	// or a NotFound fault when the list is empty.
	LPop(ctx context.Context, key string) (string, error)
	// LRem removes occurrences of |value| from the list at |key|.
	LRem(ctx context.Context, key, value string) error
	// LRange returns the elements of the list at |key|.
	LRange(ctx context.Context, key string) ([]string, error)
	// Publish fans |payload| out to subscribers of |channel|.
	Publish(ctx context.Context, channel, payload string) error
	// Subscribe attaches to |channel|. The caller must Close the subscription.
	Subscribe(ctx context.Context, channel string) (Subscription, error)
	// Ping verifies connectivity.
	Ping(ctx context.Context) error
}

// Subscription is a live pub/sub attachment. Messages may be dropped by the
// transport; consumers are expected to tolerate gaps (the flow SSE endpoint
// runs a polling fallback behind its subscription for exactly this reason).
type Subscription interface {
	C() <-chan string
	Close() error
}

// redisStore implements Store over a go-redis client.
type redisStore struct {
	rdb *redis.Client
}

// NewRedis builds a Store from a Redis connection URL.
func NewRedis(redisURL string) (Store, error) {
	var opts, err = redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return &redisStore{rdb: redis.NewClient(opts)}, nil
}

// NewRedisClient wraps an existing client. Used by tests with miniredis.
func NewRedisClient(rdb *redis.Client) Store { return &redisStore{rdb: rdb} }

func (s *redisStore) Get(ctx context.Context, key string) (string, error) {
	var value, err = s.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", fault.New(fault.NotFound, "key %s not found", key)
	} else if err != nil {
		return "", fmt.Errorf("kv get %s: %w", key, err)
	}
	return value, nil
}

func (s *redisStore) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := s.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("kv set %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) Del(ctx context.Context, keys ...string) error {
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("kv del: %w", err)
	}
	return nil
}

func (s *redisStore) RPush(ctx context.Context, key string, values ...string) error {
	var args = make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	if err := s.rdb.RPush(ctx, key, args...).Err(); err != nil {
		return fmt.Errorf("kv rpush %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) LPop(ctx context.Context, key string) (string, error) {
	var value, err = s.rdb.LPop(ctx, key).Result()
	if err == redis.Nil {
		return "", fault.New(fault.NotFound, "list %s is empty", key)
	} else if err != nil {
		return "", fmt.Errorf("kv lpop %s: %w", key, err)
	}
	return value, nil
}

func (s *redisStore) LRem(ctx context.Context, key, value string) error {
	if err := s.rdb.LRem(ctx, key, 0, value).Err(); err != nil {
		return fmt.Errorf("kv lrem %s: %w", key, err)
	}
	return nil
}

func (s *redisStore) LRange(ctx context.Context, key string) ([]string, error) {
	var values, err = s.rdb.LRange(ctx, key, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("kv lrange %s: %w", key, err)
	}
	return values, nil
}

func (s *redisStore) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("kv publish %s: %w", channel, err)
	}
	return nil
}

func (s *redisStore) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	var pubsub = s.rdb.Subscribe(ctx, channel)
	// Force the subscription to be established before returning, so that
	// messages published immediately after Subscribe are not lost.
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("kv subscribe %s: %w", channel, err)
	}

	var out = make(chan string, 16)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- msg.Payload
		}
	}()
	return &redisSubscription{pubsub: pubsub, ch: out}, nil
}

func (s *redisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

type redisSubscription struct {
	pubsub *redis.PubSub
	ch     chan string
}

func (s *redisSubscription) C() <-chan string { return s.ch }
func (s *redisSubscription) Close() error     { return s.pubsub.Close() }

// GetJSON loads the value at |key| and unmarshals it into |out|.
func GetJSON(ctx context.Context, s Store, key string, out interface{}) error {
	var raw, err = s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err = json.Unmarshal([]byte(raw), out); err != nil {
		return fmt.Errorf("decoding %s: %w", key, err)
	}
	return nil
}

// SetJSON marshals |value| and writes it at |key| with |ttl|.
func SetJSON(ctx context.Context, s Store, key string, value interface{}, ttl time.Duration) error {
	var raw, err = json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", key, err)
	}
	return s.Set(ctx, key, string(raw), ttl)
}
