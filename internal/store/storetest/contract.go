// Package storetest provides a reusable contract suite for store.StateStore
// implementations.
package storetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capitalize-ai/conversational-bot/internal/model"
	"github.com/capitalize-ai/conversational-bot/internal/store"
)

// Run verifies that s honours the StateStore contract.
func Run(t *testing.T, s store.StateStore) {
	t.Helper()

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get(t.Context(), "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("RoundTrip", func(t *testing.T) {
		rec := &model.Record{
			State: model.StateAwaitingPrompt,
			History: model.History{
				{Role: model.RoleUser, Content: "hi"},
				{Role: model.RoleAssistant, Content: "Hello"},
			},
		}
		require.NoError(t, s.Set(t.Context(), "round-trip", rec))

		got, err := s.Get(t.Context(), "round-trip")
		require.NoError(t, err)
		assert.Equal(t, rec, got)
	})

	t.Run("EmptyHistory", func(t *testing.T) {
		require.NoError(t, s.Set(t.Context(), "empty", model.NewRecord()))

		got, err := s.Get(t.Context(), "empty")
		require.NoError(t, err)
		assert.Equal(t, model.NewRecord(), got)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.Set(t.Context(), "overwrite", model.NewRecord()))
		next := &model.Record{State: model.StateAwaitingPrompt, History: model.History{}}
		require.NoError(t, s.Set(t.Context(), "overwrite", next))

		got, err := s.Get(t.Context(), "overwrite")
		require.NoError(t, err)
		assert.Equal(t, model.StateAwaitingPrompt, got.State)
	})

	t.Run("ReturnedRecordIsDetached", func(t *testing.T) {
		rec := &model.Record{State: model.StateAwaitingPrompt, History: model.History{{Role: model.RoleUser, Content: "a"}}}
		require.NoError(t, s.Set(t.Context(), "detached", rec))
		rec.History[0].Content = "mutated"

		got, err := s.Get(t.Context(), "detached")
		require.NoError(t, err)
		assert.Equal(t, "a", got.History[0].Content)
	})

	t.Run("DropThenSet", func(t *testing.T) {
		require.NoError(t, s.Set(t.Context(), "drop", &model.Record{State: model.StateAwaitingPrompt, History: model.History{}}))
		require.NoError(t, s.Drop(t.Context(), "drop"))

		_, err := s.Get(t.Context(), "drop")
		require.ErrorIs(t, err, store.ErrNotFound)

		require.NoError(t, s.Set(t.Context(), "drop", model.NewRecord()))
		got, err := s.Get(t.Context(), "drop")
		require.NoError(t, err)
		assert.Equal(t, model.StateAwaitingStart, got.State)
	})

	t.Run("DropMissing", func(t *testing.T) {
		assert.NoError(t, s.Drop(t.Context(), "never-written"))
	})

	t.Run("KeysAreIndependent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := range 10 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := fmt.Sprintf("independent-%d", i)
				rec := &model.Record{State: model.StateAwaitingPrompt, History: model.History{{Role: model.RoleUser, Content: key}}}
				assert.NoError(t, s.Set(t.Context(), key, rec))
			}()
		}
		wg.Wait()

		for i := range 10 {
			key := fmt.Sprintf("independent-%d", i)
			got, err := s.Get(t.Context(), key)
			require.NoError(t, err)
			assert.Equal(t, key, got.History[0].Content)
		}
	})
}
