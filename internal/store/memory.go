package store

import (
	"context"
	"sync"

	"github.com/capitalize-ai/conversational-bot/internal/model"
)

// Memory is an in-process StateStore. Records are copied on the way in and
// out so callers never share history slices with the store.
type Memory struct {
	records map[string]model.Record
	mu      sync.RWMutex
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]model.Record)}
}

// Get returns a copy of the record for key.
func (m *Memory) Get(ctx context.Context, key string) (*model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &model.Record{State: rec.State, History: rec.History.Clone()}, nil
}

// Set stores a copy of rec.
func (m *Memory) Set(ctx context.Context, key string, rec *model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = model.Record{State: rec.State, History: rec.History.Clone()}
	return nil
}

// Drop removes the record for key.
func (m *Memory) Drop(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, key)
	return nil
}

// Len returns the number of stored records.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}
