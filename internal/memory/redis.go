package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	backend "github.com/redis/go-redis/v9"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// redisEntry is the stored value. The sequence stays pre-encoded so the CAS
// comparison in Record is a plain string compare.
type redisEntry struct {
	Sequence     string    `json:"sequence"`
	SuccessCount int       `json:"success_count"`
	LastUsed     time.Time `json:"last_used"`
}

// RedisStore shares procedural memory between agent hosts.
type RedisStore struct {
	client *backend.Client
	prefix string
	ttl    time.Duration
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the expiration for entries. Zero keeps them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

// WithPrefix sets the key prefix for entries.
func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) { s.prefix = prefix }
}

// NewRedisStore connects to redis and returns a store.
func NewRedisStore(addr, password string, db int, opts ...RedisOption) *RedisStore {
	client := backend.NewClient(&backend.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return NewRedisStoreFromClient(client, opts...)
}

// NewRedisStoreFromClient wraps an existing client; tests hand in a
// miniredis-backed one.
func NewRedisStoreFromClient(client *backend.Client, opts ...RedisOption) *RedisStore {
	store := &RedisStore{
		client: client,
		prefix: "marionette:memory:",
		ttl:    0,
	}
	for _, opt := range opts {
		opt(store)
	}
	return store
}

func (s *RedisStore) key(signature string) string {
	return s.prefix + signature
}

func (s *RedisStore) indexKey() string {
	return s.prefix + "index"
}

// Lookup returns the entry for a signature, if one exists.
func (s *RedisStore) Lookup(ctx context.Context, signature string) (schemas.MemoryEntry, bool, error) {
	val, err := s.client.Get(ctx, s.key(signature)).Result()
	if err != nil {
		if errors.Is(err, backend.Nil) {
			return schemas.MemoryEntry{}, false, nil
		}
		return schemas.MemoryEntry{}, false, fmt.Errorf("memory: redis lookup: %w", err)
	}
	entry, err := s.decodeEntry(signature, val)
	if err != nil {
		return schemas.MemoryEntry{}, false, err
	}
	return entry, true, nil
}

// Record stores a successful action sequence. The watch/multi transaction
// keeps the read-compare-write single-writer per signature; on contention
// the optimistic retry loop runs again.
func (s *RedisStore) Record(ctx context.Context, signature string, sequence []schemas.ActionProposal) error {
	encoded, err := encodeSequence(sequence)
	if err != nil {
		return err
	}
	key := s.key(signature)

	txn := func(tx *backend.Tx) error {
		entry := redisEntry{Sequence: encoded, SuccessCount: 1, LastUsed: time.Now().UTC()}

		current, gerr := tx.Get(ctx, key).Result()
		if gerr != nil && !errors.Is(gerr, backend.Nil) {
			return gerr
		}
		if gerr == nil {
			var existing redisEntry
			if uerr := json.Unmarshal([]byte(current), &existing); uerr == nil && existing.Sequence == encoded {
				entry.SuccessCount = existing.SuccessCount + 1
			}
		}

		data, merr := json.Marshal(entry)
		if merr != nil {
			return merr
		}
		_, perr := tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl)
			pipe.ZAdd(ctx, s.indexKey(), backend.Z{
				Score:  float64(entry.LastUsed.UnixMicro()),
				Member: signature,
			})
			return nil
		})
		return perr
	}

	const casAttempts = 5
	for i := 0; i < casAttempts; i++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, backend.TxFailedErr) {
			continue
		}
		return fmt.Errorf("memory: redis record: %w", err)
	}
	return fmt.Errorf("memory: redis record: gave up after %d contended attempts", casAttempts)
}

// Entries lists every stored entry, most recently used first.
func (s *RedisStore) Entries(ctx context.Context) ([]schemas.MemoryEntry, error) {
	signatures, err := s.client.ZRevRange(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("memory: redis entries: %w", err)
	}
	out := make([]schemas.MemoryEntry, 0, len(signatures))
	for _, signature := range signatures {
		val, gerr := s.client.Get(ctx, s.key(signature)).Result()
		if gerr != nil {
			if errors.Is(gerr, backend.Nil) {
				// Entry expired; leave the stale index member for the next
				// write to overwrite.
				continue
			}
			return nil, fmt.Errorf("memory: redis entries: %w", gerr)
		}
		entry, derr := s.decodeEntry(signature, val)
		if derr != nil {
			return nil, derr
		}
		out = append(out, entry)
	}
	return out, nil
}

// Close closes the redis client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) decodeEntry(signature, val string) (schemas.MemoryEntry, error) {
	var stored redisEntry
	if err := json.Unmarshal([]byte(val), &stored); err != nil {
		return schemas.MemoryEntry{}, fmt.Errorf("memory: redis decode: %w", err)
	}
	sequence, err := decodeSequence(stored.Sequence)
	if err != nil {
		return schemas.MemoryEntry{}, err
	}
	return schemas.MemoryEntry{
		Signature:      signature,
		ActionSequence: sequence,
		SuccessCount:   stored.SuccessCount,
		LastUsed:       stored.LastUsed,
	}, nil
}
