// Package scheduler runs the per-document merge daemons that periodically
// fold a document's pending change log into its snapshot.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/FantRS/co-write/codec"
	"github.com/FantRS/co-write/store"
)

// DefaultMergeInterval is how often a live document's changes are folded
// into its snapshot.
const DefaultMergeInterval = 300 * time.Second

// Store opens merge transactions.
type Store interface {
	Begin(ctx context.Context) (Tx, error)
}

// Tx is one merge transaction. Its reads and writes commit or roll back
// together.
type Tx interface {
	ReadSnapshot(ctx context.Context, docID uuid.UUID) ([]byte, error)
	ListChanges(ctx context.Context, docID uuid.UUID) ([]store.ChangeRecord, error)
	UpdateSnapshot(ctx context.Context, docID uuid.UUID, snapshot []byte) error
	DeleteChanges(ctx context.Context, ids []int64) error
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Rooms is the registry view the scheduler consults for room liveness.
type Rooms interface {
	Contains(docID uuid.UUID) bool
}

// Supervisor collects the live merge tasks, at most one per document, and
// matches newly created rooms to a new or existing task.
type Supervisor struct {
	ctx      context.Context
	store    Store
	rooms    Rooms
	interval time.Duration

	tasks map[uuid.UUID]*mergeTask
	mu    sync.Mutex
}

// NewSupervisor returns a Supervisor whose tasks run on contexts derived
// from ctx. A non-positive interval falls back to DefaultMergeInterval.
func NewSupervisor(ctx context.Context, s Store, r Rooms, interval time.Duration) *Supervisor {
	if interval <= 0 {
		interval = DefaultMergeInterval
	}
	return &Supervisor{
		ctx:      ctx,
		store:    s,
		rooms:    r,
		interval: interval,
		tasks:    make(map[uuid.UUID]*mergeTask),
	}
}

// Ensure starts a merge task for the document if none is live. A task still
// draining a just-emptied room is adopted rather than raced: it observes the
// refilled room on its next tick and carries on as the document's only task.
func (s *Supervisor) Ensure(docID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.tasks[docID]; ok {
		return
	}

	var ctx, cancel = context.WithCancel(s.ctx)
	var task = &mergeTask{
		supervisor: s,
		ctx:        ctx,
		cancel:     cancel,
		docID:      docID,
	}
	s.tasks[docID] = task

	task.log().Debug("starting merge task")
	go task.serve()
}

// Live reports whether a merge task currently exists for the document.
func (s *Supervisor) Live(docID uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	var _, ok = s.tasks[docID]
	return ok
}

// Len returns the number of live merge tasks.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// mergeTask periodically folds one document's pending changes into its
// snapshot, for as long as the document's room is live.
type mergeTask struct {
	supervisor *Supervisor
	ctx        context.Context
	cancel     context.CancelFunc
	docID      uuid.UUID
}

func (t *mergeTask) serve() {
	var ticker = time.NewTicker(t.supervisor.interval)
	defer ticker.Stop()
	defer t.cancel()

	for {
		select {
		case <-ticker.C:
			if t.retireIfIdle() {
				t.log().Debug("merge task exiting, room is gone")
				return
			}
			if err := t.runCycle(); err != nil {
				mergeCycles.WithLabelValues("error").Inc()
				// The task stays live and the next tick retries.
				t.log().WithField("err", err).Error("merge cycle failed")
			}
		case <-t.ctx.Done():
			t.supervisor.delink(t.docID)
			t.log().Debug("merge task exiting, context cancelled")
			return
		}
	}
}

// retireIfIdle de-links the task when its room no longer exists. The
// liveness check and the de-link share the supervisor's lock, and sessions
// register with the room before calling Ensure, so a task can't slip away
// while a fresh member's Ensure would still adopt it.
func (t *mergeTask) retireIfIdle() bool {
	t.supervisor.mu.Lock()
	defer t.supervisor.mu.Unlock()

	if t.supervisor.rooms.Contains(t.docID) {
		return false
	}
	delete(t.supervisor.tasks, t.docID)
	return true
}

func (s *Supervisor) delink(docID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, docID)
}

// runCycle folds the document's pending changes into its snapshot inside a
// single transaction. A malformed logged change aborts the cycle and rolls
// back, leaving the record in the log for inspection.
func (t *mergeTask) runCycle() error {
	var ctx = t.ctx

	var tx, err = t.supervisor.store.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning merge transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	snapshot, err := tx.ReadSnapshot(ctx, t.docID)
	if err != nil {
		return fmt.Errorf("reading snapshot: %w", err)
	}
	doc, err := codec.LoadSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("loading snapshot: %w", err)
	}

	records, err := tx.ListChanges(ctx, t.docID)
	if err != nil {
		return fmt.Errorf("listing changes: %w", err)
	}
	if len(records) == 0 {
		if err = tx.Commit(ctx); err != nil {
			return err
		}
		mergeCycles.WithLabelValues("empty").Inc()
		return nil
	}

	var changes = make([]codec.Change, len(records))
	var ids = make([]int64, len(records))
	for i, rec := range records {
		if changes[i], err = codec.DecodeChange(rec.Payload); err != nil {
			return fmt.Errorf("decoding logged change %d: %w", rec.ID, err)
		}
		ids[i] = rec.ID
	}
	doc.Apply(changes...)

	if err = tx.UpdateSnapshot(ctx, t.docID, doc.Save()); err != nil {
		return fmt.Errorf("updating snapshot: %w", err)
	}
	if err = tx.DeleteChanges(ctx, ids); err != nil {
		return fmt.Errorf("deleting folded changes: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		return err
	}

	mergeCycles.WithLabelValues("ok").Inc()
	mergeFoldedChanges.Add(float64(len(records)))
	t.log().WithField("changes", len(records)).Info("merged changes into snapshot")
	return nil
}

func (t *mergeTask) log() *log.Entry {
	return log.WithFields(log.Fields{
		"doc":      t.docID,
		"interval": t.supervisor.interval,
	})
}
