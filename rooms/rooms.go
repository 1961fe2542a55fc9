// Package rooms tracks the live WebSocket connections of each document and
// fans changes out to them. The registry is purely in-process: a room exists
// exactly while it has at least one member, and the entry is created and
// deleted inside the same critical sections that add the first member and
// remove the last one.
package rooms

import (
	"fmt"
	"hash/fnv"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Sink is the outbound half of a connection. The production implementation
// wraps a WebSocket; tests substitute an in-memory one.
type Sink interface {
	SendBinary(p []byte) error
	SendText(s string) error
	Close() error
}

// Connection is a live member of a room.
type Connection struct {
	ID   uuid.UUID
	Sink Sink
}

const numShards = 16

// Registry maps document ids to their rooms, sharded so that traffic on
// unrelated documents doesn't contend.
type Registry struct {
	shards [numShards]shard
}

type shard struct {
	mu    sync.RWMutex
	rooms map[uuid.UUID][]*Connection
}

func NewRegistry() *Registry {
	var r = new(Registry)
	for i := range r.shards {
		r.shards[i].rooms = make(map[uuid.UUID][]*Connection)
	}
	return r
}

func (r *Registry) shardFor(docID uuid.UUID) *shard {
	var w = fnv.New32a()
	w.Write(docID[:])
	return &r.shards[w.Sum32()%numShards]
}

// Add registers conn as a member of the document's room, creating the room
// as needed. It returns true iff this call created the room, which is the
// caller's cue to start the document's merge task. Adding a connection id
// that's already present is an error.
func (r *Registry) Add(docID uuid.UUID, conn *Connection) (bool, error) {
	var s = r.shardFor(docID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var members = s.rooms[docID]
	for _, m := range members {
		if m.ID == conn.ID {
			return false, fmt.Errorf("connection %s is already in room %s", conn.ID, docID)
		}
	}
	s.rooms[docID] = append(members, conn)

	connectionsAdded.Inc()
	if len(members) == 0 {
		roomsCreated.Inc()
		return true, nil
	}
	return false, nil
}

// Remove drops the connection from the document's room. When the last member
// leaves, the room entry is deleted in the same critical section, so an
// empty room is never observable. Removing an unknown connection is a no-op.
func (r *Registry) Remove(docID, connID uuid.UUID) {
	var s = r.shardFor(docID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var members = s.rooms[docID]
	for i, m := range members {
		if m.ID != connID {
			continue
		}
		connectionsRemoved.Inc()
		if len(members) == 1 {
			delete(s.rooms, docID)
			roomsRemoved.Inc()
			return
		}
		var next = make([]*Connection, 0, len(members)-1)
		next = append(next, members[:i]...)
		next = append(next, members[i+1:]...)
		s.rooms[docID] = next
		return
	}
}

// Broadcast sends payload as a binary frame to every member of the
// document's room except origin. The member list is snapshotted first so no
// lock is held while sinks are written; members joining or leaving during
// the sends are unaffected. Per-recipient failures are logged and skipped.
// It returns the number of members the frame was delivered to.
func (r *Registry) Broadcast(docID, originID uuid.UUID, payload []byte) int {
	var s = r.shardFor(docID)
	s.mu.RLock()
	var members = make([]*Connection, len(s.rooms[docID]))
	copy(members, s.rooms[docID])
	s.mu.RUnlock()

	var sent int
	for _, m := range members {
		if m.ID == originID {
			continue
		}
		if err := m.Sink.SendBinary(payload); err != nil {
			broadcastFrames.WithLabelValues("error").Inc()
			log.WithFields(log.Fields{
				"doc":  docID,
				"conn": m.ID,
				"err":  err,
			}).Warn("failed to forward change to room member")
			continue
		}
		broadcastFrames.WithLabelValues("ok").Inc()
		sent++
	}
	return sent
}

// Contains tells whether the document currently has a live room.
func (r *Registry) Contains(docID uuid.UUID) bool {
	var s = r.shardFor(docID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var _, ok = s.rooms[docID]
	return ok
}

// Len returns the current number of members in the document's room.
func (r *Registry) Len(docID uuid.UUID) int {
	var s = r.shardFor(docID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.rooms[docID])
}
