package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
	"github.com/xkilldash9x/marionette-cli/internal/config"
)

// Open builds the procedural memory store selected by the configuration.
// A disabled store is valid: every lookup misses and records are dropped,
// so callers never branch on whether memory is on.
func Open(ctx context.Context, cfg config.MemoryConfig, logger *zap.Logger) (Store, error) {
	if !cfg.Enabled {
		return &nopStore{}, nil
	}

	switch cfg.Backend {
	case config.BackendMemory:
		return NewMemStore(), nil
	case config.BackendSQLite:
		return NewSQLiteStore(ctx, cfg.SQLitePath)
	case config.BackendRedis:
		opts := []RedisOption{}
		if cfg.Redis.KeyPrefix != "" {
			opts = append(opts, WithPrefix(cfg.Redis.KeyPrefix))
		}
		if cfg.Redis.TTL > 0 {
			opts = append(opts, WithTTL(cfg.Redis.TTL))
		}
		return NewRedisStore(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, opts...), nil
	case config.BackendPostgres:
		return Connect(ctx, cfg.Postgres.DSN(), logger)
	default:
		return nil, fmt.Errorf("memory: unknown backend %q", cfg.Backend)
	}
}

// nopStore is the stand-in when procedural memory is disabled.
type nopStore struct{}

func (*nopStore) Lookup(context.Context, string) (schemas.MemoryEntry, bool, error) {
	return schemas.MemoryEntry{}, false, nil
}

func (*nopStore) Record(context.Context, string, []schemas.ActionProposal) error { return nil }

func (*nopStore) Entries(context.Context) ([]schemas.MemoryEntry, error) { return nil, nil }

func (*nopStore) Close() error { return nil }
