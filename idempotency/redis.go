package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "txengine:idempotency:"

type RedisOption func(*RedisStore)

// WithKeyPrefix namespaces the redis keys.
func WithKeyPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// RedisStore keeps records in redis so several engine processes share them.
// Expiry is left to redis.
type RedisStore struct {
	client redis.UniversalClient
	ttl    time.Duration
	prefix string
	now    func() time.Time
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store over client. A zero ttl keeps records forever.
func NewRedisStore(client redis.UniversalClient, ttl time.Duration, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: DefaultKeyPrefix,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) key(k string) string { return s.prefix + k }

func (s *RedisStore) Get(ctx context.Context, key string) (*Record, error) {
	data, err := s.client.Get(ctx, s.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("idempotency get %s: %w", key, err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("idempotency decode %s: %w", key, err)
	}
	return &r, nil
}

// Create claims key with SET NX.
func (s *RedisStore) Create(ctx context.Context, key string) (*Record, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	now := s.now()
	r := &Record{Key: key, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}

	ok, err := s.client.SetNX(ctx, s.key(key), data, s.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("idempotency create %s: %w", key, err)
	}
	if !ok {
		existing, err := s.Get(ctx, key)
		if err != nil {
			return nil, errors.Join(ErrDuplicateKey, err)
		}
		return existing, ErrDuplicateKey
	}
	return r, nil
}

// Update overwrites an existing record and keeps its remaining TTL.
func (s *RedisStore) Update(ctx context.Context, record *Record) error {
	record.UpdatedAt = s.now()
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	err = s.client.SetArgs(ctx, s.key(record.Key), data, redis.SetArgs{Mode: "XX", KeepTTL: true}).Err()
	if errors.Is(err, redis.Nil) {
		return ErrKeyNotFound
	}
	if err != nil {
		return fmt.Errorf("idempotency update %s: %w", record.Key, err)
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("idempotency delete %s: %w", key, err)
	}
	return nil
}
