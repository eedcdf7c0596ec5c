package protocol

import (
	"bytes"
	"encoding/json"
	"errors"

	jsonpatch "github.com/evanphx/json-patch"
)

// ErrDiffBase is returned when a merge diff is applied to a value that is
// not a JSON object.
var ErrDiffBase = errors.New("protocol: diff base is not an object")

// Diff transforms a previous value into a new one. Exactly one field is set:
// Merge holds an RFC 7386 merge patch, Replace holds the full new value.
type Diff struct {
	Merge   json.RawMessage `json:"m,omitempty"`
	Replace json.RawMessage `json:"r,omitempty"`
}

// Valid reports whether exactly one of Merge and Replace is set.
func (d Diff) Valid() bool {
	return (len(d.Merge) > 0) != (len(d.Replace) > 0)
}

// IsReplace reports whether the diff carries the full value.
func (d Diff) IsReplace() bool {
	return len(d.Replace) > 0
}

// ReplaceDiff returns a diff that replaces any previous value with next.
func ReplaceDiff(next json.RawMessage) Diff {
	if len(next) == 0 {
		next = json.RawMessage("null")
	}
	return Diff{Replace: next}
}

// MakeDiff computes the diff from prev to next. Both must be canonical.
// A merge patch is only used when both values are objects, the patch is
// smaller than next, and applying it reproduces next exactly; merge patches
// cannot express explicit nulls, so anything else falls back to Replace.
func MakeDiff(prev, next json.RawMessage) Diff {
	if !isObject(prev) || !isObject(next) {
		return ReplaceDiff(next)
	}
	patch, err := jsonpatch.CreateMergePatch(prev, next)
	if err != nil || len(patch) >= len(next) {
		return ReplaceDiff(next)
	}
	applied, err := jsonpatch.MergePatch(prev, patch)
	if err != nil {
		return ReplaceDiff(next)
	}
	applied, err = Canonical(json.RawMessage(applied))
	if err != nil || !bytes.Equal(applied, next) {
		return ReplaceDiff(next)
	}
	return Diff{Merge: patch}
}

// Apply transforms prev with the diff and returns the canonical result.
func (d Diff) Apply(prev json.RawMessage) (json.RawMessage, error) {
	if !d.Valid() {
		return nil, Violation("invalid diff")
	}
	if d.IsReplace() {
		return Canonical(d.Replace)
	}
	if !isObject(prev) {
		return nil, ErrDiffBase
	}
	out, err := jsonpatch.MergePatch(prev, d.Merge)
	if err != nil {
		return nil, err
	}
	return Canonical(json.RawMessage(out))
}

func isObject(raw json.RawMessage) bool {
	raw = bytes.TrimSpace(raw)
	return len(raw) > 1 && raw[0] == '{'
}
