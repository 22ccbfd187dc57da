package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// Redis implements StateStore with one JSON blob per conversation key.
type Redis struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption configures a Redis store.
type RedisOption func(*Redis)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(s *Redis) {
		s.prefix = prefix
	}
}

// WithTTL expires records that are not written for ttl. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *Redis) {
		s.ttl = ttl
	}
}

// NewRedis creates a store from a redis:// URL.
func NewRedis(url string, opts ...RedisOption) (*Redis, error) {
	options, err := backend.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	return NewRedisFromClient(backend.NewClient(options), opts...), nil
}

// NewRedisFromClient creates a store from an existing client.
func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *Redis {
	s := &Redis{
		client: client,
		prefix: "conversational-bot:",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Redis) key(key string) string {
	return s.prefix + "fsm:" + key
}

// Get loads the record for key.
func (s *Redis) Get(ctx context.Context, key string) (*model.Record, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get from redis: %w", err)
	}

	var rec model.Record
	if err := json.Unmarshal(val, &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	if rec.History == nil {
		rec.History = model.History{}
	}
	return &rec, nil
}

// Set writes the record for key.
func (s *Redis) Set(ctx context.Context, key string, rec *model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	if err := s.client.Set(ctx, s.key(key), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("failed to save to redis: %w", err)
	}
	return nil
}

// Drop deletes the record for key.
func (s *Redis) Drop(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete from redis: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (s *Redis) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the redis client.
func (s *Redis) Close() error {
	return s.client.Close()
}
