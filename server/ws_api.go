package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"github.com/FantRS/co-write/apperr"
	"github.com/FantRS/co-write/rooms"
)

// Maximum time we'll wait for a write we initiate to complete.
// We don't use websocket's ping-pong mechanism, instead relying on TCP keep-alive.
const wsWriteTimeout = 10 * time.Second

// Outbound frames buffered per connection before fan-out sends start failing.
const wsSendBuffer = 64

// ackEnvelope is the receipt sent back for every submitted change.
type ackEnvelope struct {
	Status  uint16 `json:"status"`
	Message string `json:"message"`
}

// serveSession upgrades the request and runs a collaboration session over it.
func serveSession(a APIArgs, w http.ResponseWriter, r *http.Request) {
	var docID, err = parseDocID(r)
	if err != nil {
		apperr.WriteHTTP(w, err)
		return
	}

	var upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// Origins are unrestricted, as on the HTTP surface.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// A response has already been sent to the client by |upgrader|.
		log.WithFields(log.Fields{"err": err, "url": r.URL.String(), "client": r.RemoteAddr}).
			Warn("failed to upgrade session request to websocket")
		return
	}
	_ = runSession(a, conn, docID, r)
}

// runSession is one connection's life: catch up from the durable log, join
// the room, then pump frames until the client leaves or the server drains.
func runSession(a APIArgs, conn *websocket.Conn, docID uuid.UUID, r *http.Request) (err error) {
	var connID = uuid.New()
	var sink = newWSSink(conn)
	var logEntry = log.WithFields(log.Fields{
		"doc":    docID,
		"conn":   connID,
		"client": r.RemoteAddr,
	})

	sessionsTotal.Inc()
	sessionsActive.Inc()
	defer sessionsActive.Dec()

	// Ensure the peer connection is closed (gracefully, if possible) on
	// every exit path.
	defer func() {
		if err != nil {
			logEntry.WithField("err", err).Warn("collaboration session failed")
		}
		var deadline = time.Now().Add(wsWriteTimeout)
		var closeMessage = websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		if cErr := conn.WriteControl(websocket.CloseMessage, closeMessage, deadline); cErr != nil {
			logEntry.WithField("err", cErr).Debug("failed to write websocket close")
		}
		sink.Close()
	}()

	// Catch the joiner up from the durable log before it joins the room, so
	// its view converges from a consistent replay prefix. A change a peer
	// commits between this read and the room join below reaches the session
	// on neither path; the joiner recovers it on its next catch-up.
	records, err := a.Store.ListChanges(r.Context(), docID)
	if err != nil {
		return fmt.Errorf("listing changes for catch-up: %w", err)
	}
	for _, rec := range records {
		if err = sink.sendWait(websocket.BinaryMessage, rec.Payload); err != nil {
			return fmt.Errorf("replaying logged change %d: %w", rec.ID, err)
		}
	}

	wasEmpty, err := a.Rooms.Add(docID, &rooms.Connection{ID: connID, Sink: sink})
	if err != nil {
		return fmt.Errorf("joining room: %w", err)
	}
	defer a.Rooms.Remove(docID, connID)

	if wasEmpty {
		a.Merges.Ensure(docID)
	}
	logEntry.WithField("replayed", len(records)).Info("collaboration session started")

	var frames = newSessionReadPump(r.Context(), conn)
	for {
		select {
		case <-r.Context().Done():
			return nil
		case in, ok := <-frames:
			if !ok {
				return nil
			}
			if in.err != nil {
				if websocket.IsCloseError(in.err,
					websocket.CloseNormalClosure,
					websocket.CloseGoingAway,
					websocket.CloseNoStatusReceived) {
					logEntry.Debug("client closed the session")
					return nil
				}
				return fmt.Errorf("reading frame: %w", in.err)
			}

			switch in.messageType {
			case websocket.TextMessage:
				// Text frames are a connectivity check, echoed verbatim.
				if err = sink.sendWait(websocket.TextMessage, in.payload); err != nil {
					return fmt.Errorf("echoing text frame: %w", err)
				}
			case websocket.BinaryMessage:
				var ack = ackEnvelope{Status: http.StatusOK, Message: "Ok"}
				if pushErr := a.Ingest.PushChange(r.Context(), docID, connID, in.payload); pushErr != nil {
					var e = apperr.From(pushErr)
					ack = ackEnvelope{Status: uint16(e.Status()), Message: e.Message()}
					logEntry.WithField("err", pushErr).Warn("rejected change")
				}
				body, mErr := json.Marshal(ack)
				if mErr != nil {
					panic(mErr) // Marshal cannot fail.
				}
				if err = sink.sendWait(websocket.BinaryMessage, body); err != nil {
					return fmt.Errorf("sending ack: %w", err)
				}
			}
		}
	}
}

type wsInbound struct {
	messageType int
	payload     []byte
	err         error
}

// newSessionReadPump reads frames into a channel so the session loop can
// select on them alongside cancellation. The channel closes after the first
// read error is delivered.
func newSessionReadPump(ctx context.Context, conn *websocket.Conn) <-chan wsInbound {
	var ch = make(chan wsInbound, 1)

	go func() {
		defer close(ch)
		for {
			var mt, payload, err = conn.ReadMessage()
			select {
			case ch <- wsInbound{mt, payload, err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	return ch
}

// wsSink funnels all writes to one WebSocket through a buffered channel and
// a single writer goroutine, so fan-out from other sessions never
// interleaves with the session's own acks mid-frame.
type wsSink struct {
	conn *websocket.Conn
	ch   chan wsFrame
	stop chan struct{}
	once sync.Once
}

type wsFrame struct {
	messageType int
	payload     []byte
}

func newWSSink(conn *websocket.Conn) *wsSink {
	var s = &wsSink{
		conn: conn,
		ch:   make(chan wsFrame, wsSendBuffer),
		stop: make(chan struct{}),
	}
	go s.pump()
	return s
}

func (s *wsSink) pump() {
	for {
		select {
		case frame := <-s.ch:
			s.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := s.conn.WriteMessage(frame.messageType, frame.payload); err != nil {
				log.WithField("err", err).Warn("websocket write failed, closing connection")
				// Closing the connection errors the session's read side as
				// well, so a peer with a dead write half can't idle forever.
				_ = s.Close()
				return
			}
		case <-s.stop:
			return
		}
	}
}

// SendBinary enqueues a binary frame without blocking: a slow consumer
// surfaces as a send error to the broadcaster rather than stalling it.
func (s *wsSink) SendBinary(p []byte) error {
	return s.send(wsFrame{websocket.BinaryMessage, p})
}

// SendText enqueues a text frame without blocking.
func (s *wsSink) SendText(text string) error {
	return s.send(wsFrame{websocket.TextMessage, []byte(text)})
}

func (s *wsSink) send(frame wsFrame) error {
	select {
	case <-s.stop:
		return errors.New("connection is closed")
	default:
	}
	select {
	case s.ch <- frame:
		return nil
	case <-s.stop:
		return errors.New("connection is closed")
	default:
		return errors.New("connection send buffer is full")
	}
}

// sendWait enqueues a frame, waiting for buffer room. The session's own
// writes (catch-up replay, acks, echoes) use it so a long replay can't
// overrun the buffer.
func (s *wsSink) sendWait(messageType int, payload []byte) error {
	select {
	case s.ch <- wsFrame{messageType, payload}:
		return nil
	case <-s.stop:
		return errors.New("connection is closed")
	}
}

// Close stops the write pump and closes the connection, dropping any
// undelivered frames. It may be called more than once.
func (s *wsSink) Close() error {
	s.once.Do(func() { close(s.stop) })
	return s.conn.Close()
}
