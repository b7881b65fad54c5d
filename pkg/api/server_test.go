package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

type fakeController struct {
	record   *types.WorkerRecord
	shutdown atomic.Bool
}

func (f *fakeController) WorkerRecord() (*types.WorkerRecord, error) { return f.record, nil }
func (f *fakeController) RequestShutdown()                           { f.shutdown.Store(true) }

type fixture struct {
	ctrl   *fakeController
	store  storage.Store
	server *Server
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	if cfg.User == "" {
		cfg.User, cfg.Password = "admin", "secret"
	}
	ctrl := &fakeController{record: types.NewWorkerRecord(9001, 4242, types.WorkerTypeWorker, time.Now())}
	return &fixture{ctrl: ctrl, store: store, server: NewServer(ctrl, store, cfg)}
}

func (f *fixture) do(t *testing.T, method, target string, auth bool) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	if auth {
		r.SetBasicAuth("admin", "secret")
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, r)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	for _, field := range []string{"status", "error", "error_str", "success"} {
		assert.Contains(t, body, field, "every reply carries %s", field)
	}
	return w, body
}

func TestStatusWithoutUUIDDumpsRequests(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.store.CreateRequest(&types.JobRequest{UUID: "a", Status: types.JobStatusPending, Error: "0"}))
	require.NoError(t, f.store.CreateRequest(&types.JobRequest{UUID: "b", Status: types.JobStatusDone, Error: "0"}))

	w, body := f.do(t, http.MethodGet, "/status", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "503", body["error"])
	assert.Len(t, body["requests"], 2)
}

func TestStatusBenignCodeIsSuccess(t *testing.T) {
	f := newFixture(t, Config{})
	tests := []struct {
		uuid    string
		code    string
		success bool
	}{
		{"benign", "701-614", true},
		{"clean", "0", true},
		{"failed", "701-12", false},
		{"terminated", types.ErrCodeTerminated, false},
	}
	for _, tt := range tests {
		require.NoError(t, f.store.CreateRequest(&types.JobRequest{
			UUID: tt.uuid, Cmd: "patch_cell", Status: types.JobStatusDone, Error: tt.code,
		}))
	}
	for _, tt := range tests {
		t.Run(tt.uuid, func(t *testing.T) {
			w, body := f.do(t, http.MethodGet, "/status?uuid="+tt.uuid, true)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.success, body["success"])
			assert.Equal(t, tt.code, body["error"], "stored code is reported verbatim")
			assert.Equal(t, "patch_cell", body["cmd"])
		})
	}
}

func TestStatusUnknownUUID(t *testing.T) {
	f := newFixture(t, Config{})
	w, body := f.do(t, http.MethodGet, "/status?uuid=nope", true)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, types.ErrCodeRequestNotFound, body["error"])
}

func TestWctrl(t *testing.T) {
	f := newFixture(t, Config{})

	w, body := f.do(t, http.MethodGet, "/wctrl?cmd=status", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, float64(9001), body["port"])
	assert.Equal(t, float64(4242), body["pid"])
	assert.Equal(t, "Idle", body["status"])
	assert.Equal(t, "null", body["uuid"])

	w, body = f.do(t, http.MethodGet, "/wctrl?cmd=reboot", true)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
	assert.False(t, f.ctrl.shutdown.Load())

	w, body = f.do(t, http.MethodGet, "/wctrl?cmd=shutdown", true)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.True(t, f.ctrl.shutdown.Load())
}

func TestAuthAndRouting(t *testing.T) {
	f := newFixture(t, Config{})

	w, _ := f.do(t, http.MethodGet, "/wctrl?cmd=status", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, authRealm, w.Header().Get("WWW-Authenticate"))

	w, _ = f.do(t, http.MethodGet, "/nope", true)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = f.do(t, http.MethodPost, "/status", true)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAuthFailurePacing(t *testing.T) {
	f := newFixture(t, Config{
		AuthFailureRate:     rate.Every(time.Hour),
		AuthFailureBurst:    1,
		AuthFailureMaxDelay: 50 * time.Millisecond,
	})
	wrongPassword := func() (*httptest.ResponseRecorder, time.Duration) {
		r := httptest.NewRequest(http.MethodGet, "/status", nil)
		r.SetBasicAuth("admin", "wrong")
		w := httptest.NewRecorder()
		start := time.Now()
		f.server.Handler().ServeHTTP(w, r)
		return w, time.Since(start)
	}

	w, _ := wrongPassword()
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w, took := wrongPassword()
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, authRealm, w.Header().Get("WWW-Authenticate"))
	assert.GreaterOrEqual(t, took, 50*time.Millisecond, "repeated failures are held back")

	w, _ = f.do(t, http.MethodGet, "/status", false)
	assert.Equal(t, http.StatusUnauthorized, w.Code, "a missing header is always challenged")
	assert.Equal(t, authRealm, w.Header().Get("WWW-Authenticate"))

	w, _ = f.do(t, http.MethodGet, "/wctrl?cmd=status", true)
	assert.Equal(t, http.StatusOK, w.Code, "valid credentials are never held back")
}

func TestClearedHandleRejectsAndStops(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.server.Listen("127.0.0.1:0"))
	go f.server.Serve()

	f.server.ClearHandle()

	w, body := f.do(t, http.MethodGet, "/wctrl?cmd=status", true)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "Rest Listener not available", body["error_str"])

	select {
	case <-f.server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop itself")
	}
}

func TestListenBindFailure(t *testing.T) {
	f := newFixture(t, Config{})
	require.NoError(t, f.server.Listen("127.0.0.1:0"))
	defer f.server.listener.Close()

	other := newFixture(t, Config{})
	err := other.server.Listen(f.server.Addr().String())
	assert.Error(t, err)
}
