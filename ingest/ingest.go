// Package ingest accepts change payloads from live sessions, logs them
// durably, and fans them out to the rest of the room.
package ingest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/FantRS/co-write/apperr"
	"github.com/FantRS/co-write/codec"
	"github.com/FantRS/co-write/rooms"
)

// ChangeLog is the slice of the store the ingest path appends to.
type ChangeLog interface {
	AppendChange(ctx context.Context, docID uuid.UUID, payload []byte) error
}

// Service validates, persists, and fans out document changes.
type Service struct {
	Log   ChangeLog
	Rooms *rooms.Registry
}

// PushChange runs one change through the ingest pipeline: validate, append
// to the durable log, then broadcast to the other members of the room. The
// change is durable before any fan-out starts, and fan-out delivery
// failures never fail the push.
func (s *Service) PushChange(ctx context.Context, docID, originID uuid.UUID, payload []byte) error {
	if _, err := codec.DecodeChange(payload); err != nil {
		changesRejected.WithLabelValues("malformed").Inc()
		return apperr.BadRequest("invalid change payload: %v", err)
	}

	if err := s.Log.AppendChange(ctx, docID, payload); err != nil {
		changesRejected.WithLabelValues("store").Inc()
		return fmt.Errorf("logging change of document %s: %w", docID, err)
	}

	var sent = s.Rooms.Broadcast(docID, originID, payload)
	changesAccepted.Inc()

	log.WithFields(log.Fields{
		"doc":    docID,
		"conn":   originID,
		"bytes":  len(payload),
		"fanout": sent,
	}).Debug("ingested change")
	return nil
}
