// Package app assembles the co-write service: the store, room registry,
// ingest pipeline, merge supervisor, and HTTP server, all running on one
// task group.
package app

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/FantRS/co-write/ingest"
	"github.com/FantRS/co-write/rooms"
	"github.com/FantRS/co-write/scheduler"
	"github.com/FantRS/co-write/server"
	"github.com/FantRS/co-write/store"
)

// Config configures the co-write server.
type Config struct {
	Server struct {
		Host string `long:"host" env:"SERVER_HOST" default:"127.0.0.1" description:"Address the server binds"`
		Port uint16 `long:"port" env:"SERVER_PORT" default:"8080" description:"Port the server listens on"`
	} `group:"Server" namespace:"server"`

	Postgres store.Config `group:"Postgres" namespace:"postgres"`

	Merge struct {
		Interval time.Duration `long:"interval" env:"MERGE_INTERVAL" default:"300s" description:"Interval between folds of a live document's change log into its snapshot"`
	} `group:"Merge" namespace:"merge"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// drainTimeout bounds the graceful drain of in-flight requests on shutdown.
const drainTimeout = 5 * time.Second

// Args configures StartAppService.
type Args struct {
	// Host and Port the HTTP server binds. A zero Port picks a random
	// available one.
	Host string
	Port uint16
	// Store of documents and their change logs.
	Store *store.Store
	// MergeInterval between folds of a live document's change log into its
	// snapshot. Non-positive falls back to scheduler.DefaultMergeInterval.
	MergeInterval time.Duration
	// Tasks are independent, cancelable goroutines having the lifetime of
	// the service. StartAppService queues the HTTP serve and drain loops
	// here; applications may add additional tasks which should be started
	// with the service.
	Tasks *task.Group
}

// App is the assembled co-write service.
type App struct {
	Store  *store.Store
	Rooms  *rooms.Registry
	Ingest *ingest.Service
	Merges *scheduler.Supervisor

	listener net.Listener
}

// StartAppService wires up the service and queues its serve and drain loops
// on args.Tasks. The listener is bound before returning, so the App is
// dialable as soon as the task group runs.
func StartAppService(args Args) (*App, error) {
	var registry = rooms.NewRegistry()
	var ingester = &ingest.Service{Log: args.Store, Rooms: registry}
	var merges = scheduler.NewSupervisor(
		args.Tasks.Context(), mergeStore{db: args.Store}, registry, args.MergeInterval)

	var router = mux.NewRouter()
	server.RegisterAPIs(router, server.APIArgs{
		Store:  args.Store,
		Ingest: ingester,
		Rooms:  registry,
		Merges: merges,
	})

	var addr = net.JoinHostPort(args.Host, strconv.Itoa(int(args.Port)))
	var listener, err = net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("binding %s: %w", addr, err)
	}

	// Request contexts derive from the task group, so cancelling the group
	// reaches every live editing session.
	var srv = &http.Server{
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return args.Tasks.Context() },
	}

	args.Tasks.Queue("server.Serve", func() error {
		if err := srv.Serve(listener); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	args.Tasks.Queue("server.Drain", func() error {
		<-args.Tasks.Context().Done()

		var ctx, cancel = context.WithTimeout(context.Background(), drainTimeout)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			log.WithField("err", err).Warn("failed to drain HTTP server, closing")
			_ = srv.Close()
		}
		return nil
	})

	return &App{
		Store:    args.Store,
		Rooms:    registry,
		Ingest:   ingester,
		Merges:   merges,
		listener: listener,
	}, nil
}

// Addr returns the server's bound address.
func (a *App) Addr() string { return a.listener.Addr().String() }

// mergeStore adapts the store's concrete transaction type to the
// scheduler's interface.
type mergeStore struct {
	db *store.Store
}

func (m mergeStore) Begin(ctx context.Context) (scheduler.Tx, error) {
	var tx, err = m.db.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return tx, nil
}
