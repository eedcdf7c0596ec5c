package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Canonical returns the canonical JSON encoding of v: compact, with object
// keys sorted. Both ends hash canonical bytes, so equal values always hash
// equally regardless of how they were produced.
func Canonical(v any) (json.RawMessage, error) {
	var raw []byte
	switch x := v.(type) {
	case json.RawMessage:
		raw = x
	case nil:
		return json.RawMessage("null"), nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return json.RawMessage("null"), nil
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("protocol: canonicalize: %w", err)
	}
	out, err := json.Marshal(decoded)
	if err != nil {
		return nil, fmt.Errorf("protocol: canonicalize: %w", err)
	}
	return out, nil
}

// Hash returns the content fingerprint of canonical JSON bytes.
func Hash(canonical []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(canonical))
}

// Entry is a canonical value with its hash.
type Entry struct {
	Value json.RawMessage
	Hash  string
}

// NewEntry canonicalizes v and computes its hash.
func NewEntry(v any) (Entry, error) {
	c, err := Canonical(v)
	if err != nil {
		return Entry{}, err
	}
	return Entry{Value: c, Hash: Hash(c)}, nil
}
