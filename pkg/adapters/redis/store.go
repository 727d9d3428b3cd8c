package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dialoguebranch/dlb-web-sub000/pkg/domain"
	backend "github.com/redis/go-redis/v9"
)

// noExpiryScore is the index score of keys without a TTL (2100-01-01).
const noExpiryScore = 4102444800

// Store implements ports.BlobStore using Redis.
// Keys are indexed twice so List needs neither SCAN nor a full range: an
// expiry index scored by deadline, and a key index with equal scores that
// is ranged lexicographically by prefix.
type Store struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

type Option func(*Store)

// WithTTL sets the expiration for stored blobs.
func WithTTL(ttl time.Duration) Option {
	return func(s *Store) {
		s.ttl = ttl
	}
}

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = prefix
	}
}

// New creates a new Redis store with options.
func New(address, password string, db int, opts ...Option) *Store {
	rdb := backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	})
	return NewFromClient(rdb, opts...)
}

// NewFromClient creates a new Redis store from an existing client.
func NewFromClient(client *backend.Client, opts ...Option) *Store {
	store := &Store{
		client: client,
		prefix: "dlb:blob:",
		ttl:    0, // No expiration by default
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *Store) key(key string) string {
	return s.prefix + key
}

func (s *Store) indexKey() string {
	return s.prefix + "index"
}

func (s *Store) keysKey() string {
	return s.prefix + "keys"
}

// Write stores data and indexes the key in one MULTI/EXEC transaction.
func (s *Store) Write(ctx context.Context, key string, data []byte) error {
	pipe := s.client.TxPipeline()

	pipe.Set(ctx, s.key(key), data, s.ttl)

	score := float64(time.Now().Add(s.ttl).Unix())
	if s.ttl == 0 {
		score = noExpiryScore
	}
	pipe.ZAdd(ctx, s.indexKey(), backend.Z{
		Score:  score,
		Member: key,
	})
	pipe.ZAdd(ctx, s.keysKey(), backend.Z{Member: key})

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Read retrieves the blob from Redis.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, domain.ErrBlobNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}
	return val, nil
}

// Delete removes the blob and its index entry.
func (s *Store) Delete(ctx context.Context, key string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.key(key))
	pipe.ZRem(ctx, s.indexKey(), key)
	pipe.ZRem(ctx, s.keysKey(), key)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// List returns indexed keys under prefix in lexical order, pruning expired
// entries first.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	now := fmt.Sprintf("%d", time.Now().Unix())
	expired, err := s.client.ZRangeByScore(ctx, s.indexKey(), &backend.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to find expired keys: %w", err)
	}
	if len(expired) > 0 {
		members := make([]any, len(expired))
		for i, k := range expired {
			members[i] = k
		}
		pipe := s.client.TxPipeline()
		pipe.ZRem(ctx, s.indexKey(), members...)
		pipe.ZRem(ctx, s.keysKey(), members...)
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("failed to prune expired keys: %w", err)
		}
	}

	lo, hi := "-", "+"
	if prefix != "" {
		lo, hi = "["+prefix, "("+prefix+"\xff"
	}
	keys, err := s.client.ZRangeByLex(ctx, s.keysKey(), &backend.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Client exposes the underlying client, e.g. to share it with a Locker.
func (s *Store) Client() *backend.Client {
	return s.client
}

// Close closes the redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
