// Package memory implements procedural memory: a map from the semantic
// signature of a subtask description to the action sequence that last
// completed it. Four backends share one contract; pick one with Open.
package memory

import (
	"context"
	"fmt"

	jsoniter "github.com/json-iterator/go"

	"github.com/xkilldash9x/marionette-cli/api/schemas"
)

// Sequence equality across backends is a string compare of the encoded
// form, so map keys must marshal in a stable order.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Store is the full surface of a procedural memory backend. The loop only
// needs schemas.ProceduralMemory; Entries exists for the inspection CLI.
type Store interface {
	schemas.ProceduralMemory
	// Entries lists every stored entry, most recently used first.
	Entries(ctx context.Context) ([]schemas.MemoryEntry, error)
}

func encodeSequence(sequence []schemas.ActionProposal) (string, error) {
	raw, err := json.Marshal(sequence)
	if err != nil {
		return "", fmt.Errorf("memory: encoding action sequence: %w", err)
	}
	return string(raw), nil
}

func decodeSequence(raw string) ([]schemas.ActionProposal, error) {
	var sequence []schemas.ActionProposal
	if err := json.Unmarshal([]byte(raw), &sequence); err != nil {
		return nil, fmt.Errorf("memory: decoding action sequence: %w", err)
	}
	return sequence, nil
}
