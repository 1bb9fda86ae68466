package memory

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

func TestOpenDisabledReturnsNopStore(t *testing.T) {
	ctx := context.Background()
	store, err := Open(ctx, config.MemoryConfig{Enabled: false}, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Record(ctx, Signature("anything"), []schemas.ActionProposal{{Type: schemas.ActionWait}}))

	_, ok, err := store.Lookup(ctx, Signature("anything"))
	require.NoError(t, err)
	assert.False(t, ok, "disabled memory drops records and always misses")

	entries, err := store.Entries(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestOpenSelectsBackend(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		store, err := Open(ctx, config.MemoryConfig{Enabled: true, Backend: config.BackendMemory}, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &MemStore{}, store)
	})

	t.Run("sqlite", func(t *testing.T) {
		cfg := config.MemoryConfig{
			Enabled:    true,
			Backend:    config.BackendSQLite,
			SQLitePath: filepath.Join(t.TempDir(), "memory.db"),
		}
		store, err := Open(ctx, cfg, zap.NewNop())
		require.NoError(t, err)
		defer store.Close()
		assert.IsType(t, &SQLiteStore{}, store)
	})

	t.Run("unknown backend", func(t *testing.T) {
		_, err := Open(ctx, config.MemoryConfig{Enabled: true, Backend: "papyrus"}, zap.NewNop())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown backend")
	})
}
