// Package store persists conversation records keyed by conversation.
package store

import (
	"context"
	"errors"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("conversation record not found")

// ErrCorrupt is returned by Get when the stored record cannot be decoded or
// holds an unknown state.
var ErrCorrupt = errors.New("conversation record corrupt")

// StateStore is durable keyed storage for conversation records.
//
// Writes for one key are applied in the order they are issued. Callers
// serialize access per key; implementations only need to be safe for
// concurrent use across keys.
type StateStore interface {
	// Get returns the record for key, ErrNotFound, or ErrCorrupt.
	Get(ctx context.Context, key string) (*model.Record, error)

	// Set stores rec under key, replacing any previous record.
	Set(ctx context.Context, key string, rec *model.Record) error

	// Drop removes the record for key. Dropping a missing key is not an error.
	Drop(ctx context.Context, key string) error
}
