package memory

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

const memShards = 32

type memShard struct {
	mu      sync.RWMutex
	entries map[string]schemas.MemoryEntry
}

// MemStore is the in-process backend: a sharded map with per-shard locks so
// concurrent episodes recording different signatures rarely contend. Data
// lives only as long as the process.
type MemStore struct {
	shards [memShards]*memShard
	now    func() time.Time
}

// NewMemStore builds an empty in-process store.
func NewMemStore() *MemStore {
	s := &MemStore{now: time.Now}
	for i := range s.shards {
		s.shards[i] = &memShard{entries: make(map[string]schemas.MemoryEntry)}
	}
	return s
}

func (s *MemStore) shard(signature string) *memShard {
	h := fnv.New32a()
	h.Write([]byte(signature))
	return s.shards[h.Sum32()%memShards]
}

// Lookup returns the entry for a signature, if one exists.
func (s *MemStore) Lookup(ctx context.Context, signature string) (schemas.MemoryEntry, bool, error) {
	if err := ctx.Err(); err != nil {
		return schemas.MemoryEntry{}, false, err
	}
	shard := s.shard(signature)
	shard.mu.RLock()
	defer shard.mu.RUnlock()
	entry, ok := shard.entries[signature]
	if ok {
		entry.ActionSequence = cloneSequence(entry.ActionSequence)
	}
	return entry, ok, nil
}

// Record stores a successful sequence. The shard lock makes the
// read-compare-write single-writer per signature.
func (s *MemStore) Record(ctx context.Context, signature string, sequence []schemas.ActionProposal) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// Encode up front so an unserializable sequence is rejected identically
	// across backends.
	encoded, err := encodeSequence(sequence)
	if err != nil {
		return err
	}
	shard := s.shard(signature)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	entry, ok := shard.entries[signature]
	if ok {
		existing, eerr := encodeSequence(entry.ActionSequence)
		if eerr == nil && existing == encoded {
			entry.SuccessCount++
			entry.LastUsed = s.now().UTC()
			shard.entries[signature] = entry
			return nil
		}
	}
	shard.entries[signature] = schemas.MemoryEntry{
		Signature:      signature,
		ActionSequence: cloneSequence(sequence),
		SuccessCount:   1,
		LastUsed:       s.now().UTC(),
	}
	return nil
}

// Entries lists every stored entry, most recently used first.
func (s *MemStore) Entries(ctx context.Context) ([]schemas.MemoryEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var out []schemas.MemoryEntry
	for _, shard := range s.shards {
		shard.mu.RLock()
		for _, entry := range shard.entries {
			entry.ActionSequence = cloneSequence(entry.ActionSequence)
			out = append(out, entry)
		}
		shard.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastUsed.After(out[j].LastUsed) })
	return out, nil
}

// Close is a no-op for the in-process store.
func (s *MemStore) Close() error { return nil }

func cloneSequence(sequence []schemas.ActionProposal) []schemas.ActionProposal {
	out := make([]schemas.ActionProposal, len(sequence))
	for i, p := range sequence {
		out[i] = schemas.ActionProposal{Type: p.Type, Rationale: p.Rationale}
		if p.Parameters != nil {
			out[i].Parameters = make(map[string]interface{}, len(p.Parameters))
			for k, v := range p.Parameters {
				out[i].Parameters[k] = v
			}
		}
	}
	return out
}
