package rooms

import (
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// memSink records frames in memory and can be told to fail.
type memSink struct {
	mu     sync.Mutex
	binary [][]byte
	text   []string
	fail   bool
	closed bool
}

func (s *memSink) SendBinary(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink failed")
	}
	s.binary = append(s.binary, append([]byte(nil), p...))
	return nil
}

func (s *memSink) SendText(t string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("sink failed")
	}
	s.text = append(s.text, t)
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *memSink) frames() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]byte(nil), s.binary...)
}

func newMember() (*Connection, *memSink) {
	var sink = new(memSink)
	return &Connection{ID: uuid.New(), Sink: sink}, sink
}

func TestAddRemoveLifecycle(t *testing.T) {
	var reg = NewRegistry()
	var doc = uuid.New()

	var first, _ = newMember()
	var second, _ = newMember()

	var wasEmpty, err = reg.Add(doc, first)
	require.NoError(t, err)
	require.True(t, wasEmpty)

	wasEmpty, err = reg.Add(doc, second)
	require.NoError(t, err)
	require.False(t, wasEmpty)
	require.Equal(t, 2, reg.Len(doc))

	// The same connection can't join twice.
	_, err = reg.Add(doc, first)
	require.Error(t, err)

	reg.Remove(doc, first.ID)
	require.True(t, reg.Contains(doc))
	require.Equal(t, 1, reg.Len(doc))

	// Removing the last member deletes the room entry itself.
	reg.Remove(doc, second.ID)
	require.False(t, reg.Contains(doc))
	require.Zero(t, reg.Len(doc))

	// A rejoin creates the room anew.
	wasEmpty, err = reg.Add(doc, first)
	require.NoError(t, err)
	require.True(t, wasEmpty)
}

func TestRemoveUnknownIsNoop(t *testing.T) {
	var reg = NewRegistry()
	var doc = uuid.New()

	var conn, _ = newMember()
	var _, err = reg.Add(doc, conn)
	require.NoError(t, err)

	reg.Remove(doc, uuid.New())
	require.Equal(t, 1, reg.Len(doc))

	reg.Remove(uuid.New(), conn.ID)
	require.Equal(t, 1, reg.Len(doc))
}

func TestBroadcastSkipsOrigin(t *testing.T) {
	var reg = NewRegistry()
	var doc = uuid.New()

	var origin, originSink = newMember()
	var peerA, sinkA = newMember()
	var peerB, sinkB = newMember()

	for _, c := range []*Connection{origin, peerA, peerB} {
		var _, err = reg.Add(doc, c)
		require.NoError(t, err)
	}

	var sent = reg.Broadcast(doc, origin.ID, []byte("change-1"))
	require.Equal(t, 2, sent)

	require.Empty(t, originSink.frames())
	require.Equal(t, [][]byte{[]byte("change-1")}, sinkA.frames())
	require.Equal(t, [][]byte{[]byte("change-1")}, sinkB.frames())
}

func TestBroadcastSkipsFailingSink(t *testing.T) {
	var reg = NewRegistry()
	var doc = uuid.New()

	var origin, _ = newMember()
	var broken, brokenSink = newMember()
	brokenSink.fail = true
	var healthy, healthySink = newMember()

	for _, c := range []*Connection{origin, broken, healthy} {
		var _, err = reg.Add(doc, c)
		require.NoError(t, err)
	}

	// The failing member doesn't prevent delivery to the healthy one.
	var sent = reg.Broadcast(doc, origin.ID, []byte("payload"))
	require.Equal(t, 1, sent)
	require.Len(t, healthySink.frames(), 1)
	require.Empty(t, brokenSink.frames())

	// A failing member stays in the room; broadcast doesn't evict.
	require.Equal(t, 3, reg.Len(doc))
}

func TestBroadcastToAbsentRoom(t *testing.T) {
	var reg = NewRegistry()
	require.Zero(t, reg.Broadcast(uuid.New(), uuid.New(), []byte("x")))
}

func TestConcurrentChurn(t *testing.T) {
	var reg = NewRegistry()
	var docs = []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(doc uuid.UUID) {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				var conn, _ = newMember()
				var _, err = reg.Add(doc, conn)
				require.NoError(t, err)
				reg.Broadcast(doc, conn.ID, []byte("frame"))
				reg.Remove(doc, conn.ID)
			}
		}(docs[i%len(docs)])
	}
	wg.Wait()

	for _, doc := range docs {
		require.False(t, reg.Contains(doc))
	}
}
