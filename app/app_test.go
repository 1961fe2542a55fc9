package app

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.gazette.dev/core/task"

	"github.com/FantRS/co-write/store"
)

func TestServeAndDrain(t *testing.T) {
	var tasks = task.NewGroup(context.Background())

	// A zero-valued Store suffices: /metrics never touches the database, and
	// with no rooms the merge supervisor opens no transactions.
	var app, err = StartAppService(Args{
		Host:          "127.0.0.1",
		Port:          0,
		Store:         &store.Store{},
		MergeInterval: time.Hour,
		Tasks:         tasks,
	})
	require.NoError(t, err)
	tasks.GoRun()

	resp, err := http.Get("http://" + app.Addr() + "/metrics")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, resp.Body.Close())

	tasks.Cancel()
	require.NoError(t, tasks.Wait())
}

func TestBindFailure(t *testing.T) {
	var taken, err = net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer taken.Close()

	_, err = StartAppService(Args{
		Host:  "127.0.0.1",
		Port:  uint16(taken.Addr().(*net.TCPAddr).Port),
		Store: &store.Store{},
		Tasks: task.NewGroup(context.Background()),
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "binding")
}
