// Package codec implements the document codec: an operation-based
// last-writer-wins register map. A document is a set of named fields, each
// holding a JSON value tagged with the Lamport counter and actor that wrote
// it. A change assigns one field, and application keeps the maximal write
// under the (counter, actor, value) ordering, which makes folding changes
// commutative, associative, and idempotent regardless of delivery order.
//
// The rest of the system treats snapshots and changes as opaque bytes; only
// this package looks inside them.
package codec

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
)

const snapshotVersion = 1

// Change is a single decoded edit: one actor assigning one field.
type Change struct {
	Actor   string          `json:"actor"`
	Counter uint64          `json:"counter"`
	Field   string          `json:"field"`
	Value   json.RawMessage `json:"value"`
}

// register is the persisted per-field state: the winning write.
type register struct {
	Value   json.RawMessage `json:"value"`
	Counter uint64          `json:"counter"`
	Actor   string          `json:"actor"`
}

type snapshot struct {
	Version int                 `json:"version"`
	Fields  map[string]register `json:"fields"`
}

// Doc is an in-memory document.
type Doc struct {
	fields map[string]register
}

// EmptySnapshot returns the canonical encoding of a document with no fields.
func EmptySnapshot() []byte {
	return (&Doc{fields: map[string]register{}}).Save()
}

// DecodeChange parses and validates an encoded change. It returns an error,
// never panics, on malformed input.
func DecodeChange(b []byte) (Change, error) {
	var dec = json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var c Change
	if err := dec.Decode(&c); err != nil {
		return Change{}, fmt.Errorf("parsing change: %w", err)
	}
	if dec.More() {
		return Change{}, errors.New("change carries trailing data")
	}
	if c.Actor == "" {
		return Change{}, errors.New("change is missing its actor")
	}
	if c.Counter == 0 {
		return Change{}, errors.New("change counter must be positive")
	}
	if c.Field == "" {
		return Change{}, errors.New("change is missing its field")
	}
	if len(c.Value) == 0 {
		return Change{}, errors.New("change is missing its value")
	}
	return c, nil
}

// Encode serializes a change. It's the inverse of DecodeChange, used by
// clients and tests; the server itself only decodes.
func (c Change) Encode() ([]byte, error) {
	if c.Actor == "" || c.Counter == 0 || c.Field == "" || len(c.Value) == 0 {
		return nil, errors.New("change is incomplete")
	}
	if !json.Valid(c.Value) {
		return nil, errors.New("change value is not valid JSON")
	}
	return json.Marshal(c)
}

// LoadSnapshot parses a document snapshot.
func LoadSnapshot(b []byte) (*Doc, error) {
	var snap snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot: %w", err)
	}
	if snap.Version != snapshotVersion {
		return nil, fmt.Errorf("unsupported snapshot version %d", snap.Version)
	}
	if snap.Fields == nil {
		snap.Fields = make(map[string]register)
	}
	return &Doc{fields: snap.Fields}, nil
}

// Apply folds changes into the document in any order.
func (d *Doc) Apply(changes ...Change) {
	for _, c := range changes {
		var next = register{Value: c.Value, Counter: c.Counter, Actor: c.Actor}
		if cur, ok := d.fields[c.Field]; !ok || wins(next, cur) {
			d.fields[c.Field] = next
		}
	}
}

// wins orders two writes of the same field. The value is the final tiebreak
// so that application stays deterministic even for writes that illegally
// share a (counter, actor) pair.
func wins(a, b register) bool {
	if a.Counter != b.Counter {
		return a.Counter > b.Counter
	}
	if a.Actor != b.Actor {
		return a.Actor > b.Actor
	}
	return bytes.Compare(a.Value, b.Value) > 0
}

// Save serializes the document. The encoding is canonical (encoding/json
// emits map keys sorted), so equal documents produce equal bytes and
// load-then-save is a fixpoint.
func (d *Doc) Save() []byte {
	// Values were validated as JSON when decoded, so this cannot fail.
	var b, _ = json.Marshal(snapshot{Version: snapshotVersion, Fields: d.fields})
	return b
}

// Value returns the current value of a field.
func (d *Doc) Value(field string) (json.RawMessage, bool) {
	var reg, ok = d.fields[field]
	return reg.Value, ok
}

// Fields returns the document's field names, sorted.
func (d *Doc) Fields() []string {
	var out = make([]string, 0, len(d.fields))
	for name := range d.fields {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
