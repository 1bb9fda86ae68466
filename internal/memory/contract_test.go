package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// runStoreContract verifies the behavior every backend shares. Backend tests
// call it with a fresh, empty store.
func runStoreContract(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()

	sigSearch := Signature("Tap the search field")
	sigSubmit := Signature("Tap the submit button")

	searchSeq := []schemas.ActionProposal{
		{Type: schemas.ActionTap, Parameters: map[string]interface{}{"x": 120, "y": 640}},
		{Type: schemas.ActionInputText, Parameters: map[string]interface{}{"text": "wireless headphones"}},
	}
	submitSeq := []schemas.ActionProposal{
		{Type: schemas.ActionTap, Parameters: map[string]interface{}{"index": 3}},
	}

	t.Run("lookup misses on empty store", func(t *testing.T) {
		_, ok, err := store.Lookup(ctx, sigSearch)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("record then lookup round-trips", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, sigSearch, searchSeq))

		entry, ok, err := store.Lookup(ctx, sigSearch)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, sigSearch, entry.Signature)
		assert.Equal(t, 1, entry.SuccessCount)
		require.Len(t, entry.ActionSequence, 2)
		assert.Equal(t, schemas.ActionTap, entry.ActionSequence[0].Type)
		assert.Equal(t, schemas.ActionInputText, entry.ActionSequence[1].Type)
		assert.False(t, entry.LastUsed.IsZero())
	})

	t.Run("repeating the same sequence bumps the success count", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, sigSearch, searchSeq))

		entry, ok, err := store.Lookup(ctx, sigSearch)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 2, entry.SuccessCount)
	})

	t.Run("a different sequence replaces the entry and resets the count", func(t *testing.T) {
		replacement := []schemas.ActionProposal{
			{Type: schemas.ActionTap, Parameters: map[string]interface{}{"x": 500, "y": 640}},
		}
		require.NoError(t, store.Record(ctx, sigSearch, replacement))

		entry, ok, err := store.Lookup(ctx, sigSearch)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, entry.SuccessCount)
		require.Len(t, entry.ActionSequence, 1)
	})

	t.Run("signatures do not interfere", func(t *testing.T) {
		require.NoError(t, store.Record(ctx, sigSubmit, submitSeq))

		entry, ok, err := store.Lookup(ctx, sigSubmit)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 1, entry.SuccessCount)
		require.Len(t, entry.ActionSequence, 1)
	})

	t.Run("entries lists most recently used first", func(t *testing.T) {
		entries, err := store.Entries(ctx)
		require.NoError(t, err)
		require.Len(t, entries, 2)
		assert.Equal(t, sigSubmit, entries[0].Signature)
		assert.Equal(t, sigSearch, entries[1].Signature)
	})
}
