package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/internal/store"
)

// DefaultBucket is the key-value bucket holding conversation records.
const DefaultBucket = "conversation_state"

// bucket is the part of jetstream.KeyValue the store needs.
type bucket interface {
	Get(ctx context.Context, key string) (jetstream.KeyValueEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string, opts ...jetstream.KVDeleteOpt) error
}

// KVStore is a store.StateStore backed by a JetStream key-value bucket.
type KVStore struct {
	kv bucket
}

var _ store.StateStore = (*KVStore)(nil)

// NewKVStore opens the bucket, creating it on first use.
func NewKVStore(ctx context.Context, client *Client, name string) (*KVStore, error) {
	js := client.JetStream()

	kv, err := js.KeyValue(ctx, name)
	if errors.Is(err, jetstream.ErrBucketNotFound) {
		kv, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
			Bucket:      name,
			Description: "Conversation state records",
			History:     1,
			Storage:     jetstream.FileStorage,
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open key-value bucket %q: %w", name, err)
	}
	return &KVStore{kv: kv}, nil
}

func (s *KVStore) Get(ctx context.Context, key string) (*model.Record, error) {
	entry, err := s.kv.Get(ctx, EncodeKey(key))
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get conversation: %w", err)
	}

	var rec model.Record
	if err := json.Unmarshal(entry.Value(), &rec); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupt, err)
	}
	if err := rec.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", store.ErrCorrupt, err)
	}
	if rec.History == nil {
		rec.History = model.History{}
	}
	return &rec, nil
}

func (s *KVStore) Set(ctx context.Context, key string, rec *model.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal conversation: %w", err)
	}
	if _, err := s.kv.Put(ctx, EncodeKey(key), data); err != nil {
		return fmt.Errorf("failed to put conversation: %w", err)
	}
	return nil
}

func (s *KVStore) Drop(ctx context.Context, key string) error {
	err := s.kv.Delete(ctx, EncodeKey(key))
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete conversation: %w", err)
	}
	return nil
}
