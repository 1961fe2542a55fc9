package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func mustChange(t *testing.T, actor string, counter uint64, field string, value interface{}) Change {
	t.Helper()
	var raw, err = json.Marshal(value)
	require.NoError(t, err)

	b, err := Change{Actor: actor, Counter: counter, Field: field, Value: raw}.Encode()
	require.NoError(t, err)

	c, err := DecodeChange(b)
	require.NoError(t, err)
	return c
}

func TestEmptySnapshotRoundTrip(t *testing.T) {
	var doc, err = LoadSnapshot(EmptySnapshot())
	require.NoError(t, err)
	require.Empty(t, doc.Fields())
	require.Equal(t, EmptySnapshot(), doc.Save())
}

func TestDecodeChangeRejectsMalformedInput(t *testing.T) {
	var cases = []struct {
		name  string
		input string
	}{
		{"notJSON", "\x00\x01\x02"},
		{"truncated", `{"actor":"a","counter":1,`},
		{"trailingData", `{"actor":"a","counter":1,"field":"f","value":1}{"again":true}`},
		{"unknownField", `{"actor":"a","counter":1,"field":"f","value":1,"extra":true}`},
		{"missingActor", `{"counter":1,"field":"f","value":1}`},
		{"zeroCounter", `{"actor":"a","counter":0,"field":"f","value":1}`},
		{"missingField", `{"actor":"a","counter":1,"value":1}`},
		{"missingValue", `{"actor":"a","counter":1,"field":"f"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var _, err = DecodeChange([]byte(tc.input))
			require.Error(t, err)
		})
	}
}

func TestDecodeChange(t *testing.T) {
	var c, err = DecodeChange([]byte(`{"actor":"alice","counter":7,"field":"body","value":"hello"}`))
	require.NoError(t, err)
	require.Equal(t, "alice", c.Actor)
	require.Equal(t, uint64(7), c.Counter)
	require.Equal(t, "body", c.Field)
	require.JSONEq(t, `"hello"`, string(c.Value))
}

func TestApplyConvergesUnderReordering(t *testing.T) {
	var changes = []Change{
		mustChange(t, "alice", 1, "title", "draft"),
		mustChange(t, "bob", 2, "title", "final"),
		mustChange(t, "alice", 2, "body", "once upon a time"),
		mustChange(t, "carol", 1, "tags", []string{"story"}),
	}

	// Apply the same set in reversed order to a second document.
	var forward, err = LoadSnapshot(EmptySnapshot())
	require.NoError(t, err)
	forward.Apply(changes...)

	reversed, err := LoadSnapshot(EmptySnapshot())
	require.NoError(t, err)
	for i := len(changes) - 1; i >= 0; i-- {
		reversed.Apply(changes[i])
	}

	require.Equal(t, forward.Save(), reversed.Save())

	var title, ok = forward.Value("title")
	require.True(t, ok)
	require.JSONEq(t, `"final"`, string(title))
}

func TestApplyIsIdempotent(t *testing.T) {
	var c = mustChange(t, "alice", 3, "body", "text")

	var doc, err = LoadSnapshot(EmptySnapshot())
	require.NoError(t, err)
	doc.Apply(c)
	var once = doc.Save()

	doc.Apply(c, c)
	require.Equal(t, once, doc.Save())
}

func TestLastWriterWins(t *testing.T) {
	var doc, err = LoadSnapshot(EmptySnapshot())
	require.NoError(t, err)

	doc.Apply(mustChange(t, "bob", 5, "title", "late"))
	doc.Apply(mustChange(t, "alice", 2, "title", "early"))

	var v, _ = doc.Value("title")
	require.JSONEq(t, `"late"`, string(v))

	// Equal counters fall back to the actor ordering.
	doc.Apply(mustChange(t, "zed", 5, "title", "tiebreak"))
	v, _ = doc.Value("title")
	require.JSONEq(t, `"tiebreak"`, string(v))
}

func TestSaveLoadFixpoint(t *testing.T) {
	var doc, err = LoadSnapshot(EmptySnapshot())
	require.NoError(t, err)
	doc.Apply(
		mustChange(t, "alice", 1, "title", "a title"),
		mustChange(t, "bob", 1, "body", map[string]int{"lines": 3}),
	)

	var first = doc.Save()
	reloaded, err := LoadSnapshot(first)
	require.NoError(t, err)
	require.Equal(t, first, reloaded.Save())
	require.Equal(t, []string{"body", "title"}, reloaded.Fields())
}

func TestLoadSnapshotRejectsGarbage(t *testing.T) {
	var _, err = LoadSnapshot([]byte("not a snapshot"))
	require.Error(t, err)

	_, err = LoadSnapshot([]byte(`{"version":99,"fields":{}}`))
	require.Error(t, err)
}
