package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

// DefaultRetention keeps expired entries readable in Redis long enough for a
// caller to observe the expiry before Redis evicts them.
const DefaultRetention = time.Minute

const maxUpdateAttempts = 10

type redisEntry[V any] struct {
	Value     V     `msgpack:"v"`
	ExpiresAt int64 `msgpack:"e"`
}

// RedisStore is a Store whose entries live in Redis under a key prefix,
// encoded with msgpack.
type RedisStore[V any] struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

// RedisOption configures a RedisStore.
type RedisOption func(*redisConfig)

type redisConfig struct {
	retention time.Duration
}

// WithRetention sets how long past its expiry an entry stays in Redis.
func WithRetention(d time.Duration) RedisOption {
	return func(c *redisConfig) {
		c.retention = d
	}
}

// NewRedisStore creates a store using keys "<prefix>:<key>".
func NewRedisStore[V any](client redis.UniversalClient, prefix string, opts ...RedisOption) *RedisStore[V] {
	cfg := &redisConfig{retention: DefaultRetention}
	for _, opt := range opts {
		opt(cfg)
	}
	return &RedisStore[V]{
		client:    client,
		prefix:    prefix,
		retention: cfg.retention,
	}
}

func (s *RedisStore[V]) dbKey(key string) string {
	return fmt.Sprintf("%s:%s", s.prefix, key)
}

func (s *RedisStore[V]) decode(b []byte) (Entry[V], error) {
	var raw redisEntry[V]
	if err := msgpack.Unmarshal(b, &raw); err != nil {
		return Entry[V]{}, fmt.Errorf("failed to decode entry: %w", err)
	}
	entry := Entry[V]{Value: raw.Value}
	if raw.ExpiresAt != 0 {
		entry.ExpiresAt = time.UnixMilli(raw.ExpiresAt)
	}
	return entry, nil
}

func (s *RedisStore[V]) Get(ctx context.Context, key string) (Entry[V], error) {
	b, err := s.client.Get(ctx, s.dbKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry[V]{}, ErrNotFound
	}
	if err != nil {
		return Entry[V]{}, err
	}
	return s.decode(b)
}

func (s *RedisStore[V]) encode(value V, expiresAt time.Time) ([]byte, time.Duration, error) {
	raw := redisEntry[V]{Value: value}
	var ttl time.Duration
	if !expiresAt.IsZero() {
		raw.ExpiresAt = expiresAt.UnixMilli()
		ttl = time.Until(expiresAt) + s.retention
		if ttl <= 0 {
			ttl = s.retention
		}
	}

	b, err := msgpack.Marshal(&raw)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to encode entry: %w", err)
	}
	return b, ttl, nil
}

func (s *RedisStore[V]) Set(ctx context.Context, key string, value V, expiresAt time.Time) error {
	b, ttl, err := s.encode(value, expiresAt)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.dbKey(key), b, ttl).Err()
}

// SetNX relies on SET NX, so of two processes storing one key only one wins.
func (s *RedisStore[V]) SetNX(ctx context.Context, key string, value V, expiresAt time.Time) (bool, error) {
	b, ttl, err := s.encode(value, expiresAt)
	if err != nil {
		return false, err
	}
	return s.client.SetNX(ctx, s.dbKey(key), b, ttl).Result()
}

// Update runs fn inside a WATCH transaction and retries when another client
// writes the key first.
func (s *RedisStore[V]) Update(ctx context.Context, key string, fn func(Entry[V]) (Entry[V], error)) (Entry[V], error) {
	dbKey := s.dbKey(key)
	var prev Entry[V]

	txf := func(tx *redis.Tx) error {
		b, err := tx.Get(ctx, dbKey).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		if prev, err = s.decode(b); err != nil {
			return err
		}
		next, err := fn(prev)
		if err != nil {
			return err
		}
		payload, ttl, err := s.encode(next.Value, next.ExpiresAt)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, dbKey, payload, ttl)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.Watch(ctx, txf, dbKey)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return prev, err
	}
	return prev, fmt.Errorf("failed to update %s: too many concurrent writers", dbKey)
}

func (s *RedisStore[V]) Delete(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.dbKey(key)).Err()
}

// Take uses GETDEL, so concurrent takers across processes see the entry once.
func (s *RedisStore[V]) Take(ctx context.Context, key string) (Entry[V], error) {
	b, err := s.client.GetDel(ctx, s.dbKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry[V]{}, ErrNotFound
	}
	if err != nil {
		return Entry[V]{}, err
	}
	return s.decode(b)
}

func (s *RedisStore[V]) Range(ctx context.Context, fn func(key string, entry Entry[V]) bool) error {
	iter := s.client.Scan(ctx, 0, s.dbKey("*"), 100).Iterator()
	for iter.Next(ctx) {
		dbKey := iter.Val()
		b, err := s.client.Get(ctx, dbKey).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return err
		}
		entry, err := s.decode(b)
		if err != nil {
			return err
		}
		if !fn(dbKey[len(s.prefix)+1:], entry) {
			return nil
		}
	}
	return iter.Err()
}

func (s *RedisStore[V]) Sweep(ctx context.Context, now time.Time) (int, error) {
	var expired []string
	err := s.Range(ctx, func(key string, entry Entry[V]) bool {
		if entry.Expired(now) {
			expired = append(expired, s.dbKey(key))
		}
		return true
	})
	if err != nil {
		return 0, err
	}
	if len(expired) == 0 {
		return 0, nil
	}
	n, err := s.client.Del(ctx, expired...).Result()
	return int(n), err
}

var _ Store[int] = (*RedisStore[int])(nil)
