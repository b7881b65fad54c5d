package client

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/exaworker/pkg/api"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubController struct {
	record   *types.WorkerRecord
	shutdown atomic.Bool
}

func (s *stubController) WorkerRecord() (*types.WorkerRecord, error) { return s.record, nil }
func (s *stubController) RequestShutdown()                           { s.shutdown.Store(true) }

// startWorker serves a real control plane over plain HTTP and returns its port
func startWorker(t *testing.T) (int, *stubController, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)

	ctrl := &stubController{}
	srv := api.NewServer(ctrl, store, api.Config{User: "admin", Password: "secret"})
	require.NoError(t, srv.Listen("127.0.0.1:0"))
	port := srv.Addr().(*net.TCPAddr).Port
	ctrl.record = types.NewWorkerRecord(port, 77, types.WorkerTypeWorker, time.Now())

	go srv.Serve()
	t.Cleanup(func() { _ = srv.Stop(context.Background()) })
	return port, ctrl, store
}

func TestControlClient(t *testing.T) {
	port, ctrl, store := startWorker(t)
	c := NewControlClient("127.0.0.1", "admin", "secret", nil, 2*time.Second)
	ctx := context.Background()

	st, err := c.Status(ctx, port)
	require.NoError(t, err)
	assert.Equal(t, port, st.Port)
	assert.True(t, st.Success)

	require.NoError(t, store.CreateRequest(&types.JobRequest{UUID: "r1", Status: types.JobStatusDone, Error: "701-617"}))
	rs, err := c.RequestStatus(ctx, port, "r1")
	require.NoError(t, err)
	assert.True(t, rs.Success)

	_, err = c.RequestStatus(ctx, port, "missing")
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusNotFound, se.Code)
	assert.Equal(t, types.ErrCodeRequestNotFound, se.Response.Error)

	require.NoError(t, c.Shutdown(ctx, port))
	assert.True(t, ctrl.shutdown.Load())
}

func TestControlClient_BadCredentials(t *testing.T) {
	port, _, _ := startWorker(t)
	c := NewControlClient("127.0.0.1", "admin", "wrong", nil, 2*time.Second)

	_, err := c.Status(context.Background(), port)
	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusUnauthorized, se.Code)
}

func TestControlClient_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()

	c := NewControlClient("127.0.0.1", "admin", "secret", nil, time.Second)
	assert.Error(t, c.Shutdown(context.Background(), port))
}

func TestControlClient_URL(t *testing.T) {
	c := NewControlClient("localhost", "u", "p", nil, time.Second)
	assert.Equal(t, "http://localhost:9001/wctrl?cmd=status", c.URL(9001, "/wctrl", map[string][]string{"cmd": {"status"}}))
}

func TestCoordinatorClient(t *testing.T) {
	polls := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, _, _ := r.BasicAuth()
		assert.Equal(t, "proxy", user)
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/jobs":
			var job types.JobRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&job))
			_ = json.NewEncoder(w).Encode(RemoteJob{UUID: job.UUID, Status: types.JobStatusPending})
		case r.Method == http.MethodGet && r.URL.Path == "/jobs/j1":
			polls++
			status := types.JobStatusPending
			if polls > 1 {
				status = types.JobStatusDone
			}
			_ = json.NewEncoder(w).Encode(RemoteJob{UUID: "j1", Status: status, Error: "0"})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	c := NewCoordinatorClient(server.URL+"/", "proxy", "pw", nil)
	ctx := context.Background()

	job, err := c.Submit(ctx, &types.JobRequest{UUID: "j1", Type: "patch"})
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)

	job, err = c.Poll(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusPending, job.Status)
	job, err = c.Poll(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusDone, job.Status)

	_, err = c.Poll(ctx, "unknown")
	assert.Error(t, err)
}
