package store

import (
	"encoding/json"
	"fmt"
)

// SnapshotVersion is the current version of the snapshot format.
// Increment when making breaking changes to the format.
const SnapshotVersion = 1

// Snapshot is the serialized form of a store: the full key to value map.
type Snapshot struct {
	Version int                        `json:"version"`
	Values  map[string]json.RawMessage `json:"values"`
}

// EncodeSnapshot converts values to a snapshot blob.
func EncodeSnapshot(values map[string]json.RawMessage) ([]byte, error) {
	if values == nil {
		values = map[string]json.RawMessage{}
	}
	return json.Marshal(&Snapshot{Version: SnapshotVersion, Values: values})
}

// DecodeSnapshot parses a blob produced by EncodeSnapshot.
func DecodeSnapshot(blob []byte) (*Snapshot, error) {
	var s Snapshot
	if err := json.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("store: decode snapshot: %w", err)
	}
	if s.Version > SnapshotVersion {
		return nil, fmt.Errorf("store: snapshot version %d is newer than %d", s.Version, SnapshotVersion)
	}
	if s.Values == nil {
		s.Values = map[string]json.RawMessage{}
	}
	return &s, nil
}
