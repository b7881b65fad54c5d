package worker

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/cuemby/exaworker/pkg/config"
	"github.com/cuemby/exaworker/pkg/jobs"
	"github.com/cuemby/exaworker/pkg/process"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testPort = 9101
	testPID  = 4242
)

type fakeProc struct {
	mu        sync.Mutex
	alive     map[int]bool
	survivors []int
	killed    int
}

func (f *fakeProc) Alive(pid int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *fakeProc) Terminate(ctx context.Context, pid int, grace time.Duration) error { return nil }
func (f *fakeProc) KillTree(pid int) ([]int, error)                                   { return nil, nil }
func (f *fakeProc) Descendants(pid int) ([]int, error)                                { return nil, nil }
func (f *fakeProc) Spawn(spec process.SpawnSpec) (int, error)                         { return 0, nil }

func (f *fakeProc) KillDescendants(pid int) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.killed++
	return f.survivors, nil
}

type fakeProbe struct {
	open       int
	limit      uint64
	goroutines int
}

func (p *fakeProbe) OpenFDs() (int, error)        { return p.open, nil }
func (p *fakeProbe) FDLimit() (uint64, error)     { return p.limit, nil }
func (p *fakeProbe) FDTargets() ([]string, error) { return []string{"/dev/null", "socket:[1]"}, nil }
func (p *fakeProbe) Goroutines() int              { return p.goroutines }

type fakePorts map[int]bool

func (f fakePorts) InUse(ctx context.Context, port int) bool { return f[port] }

type harness struct {
	daemon *Daemon
	store  storage.Store
	cfg    *config.Config
	proc   *fakeProc
	probe  *fakeProbe
	ports  fakePorts
}

func testRegistry(t *testing.T, overrides map[jobs.Kind]jobs.Handler) *jobs.Registry {
	t.Helper()
	handlers := make(map[jobs.Kind]jobs.Handler)
	for _, k := range jobs.Kinds {
		handlers[k] = &jobs.MockHandler{}
	}
	for k, h := range overrides {
		handlers[k] = h
	}
	r, err := jobs.NewRegistry(handlers)
	require.NoError(t, err)
	return r
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	cfg.LogDir = t.TempDir()
	cfg.Admin.Password = "secret"

	h := &harness{
		store: store,
		cfg:   cfg,
		proc:  &fakeProc{alive: map[int]bool{}},
		probe: &fakeProbe{open: 10, limit: 1024, goroutines: 20},
		ports: fakePorts{},
	}
	opts := Options{
		Config:       cfg,
		Store:        store,
		Port:         testPort,
		Type:         types.WorkerTypeWorker,
		Registry:     testRegistry(t, nil),
		Process:      h.proc,
		Probe:        h.probe,
		Ports:        h.ports,
		PollInterval: 10 * time.Millisecond,
		PID:          testPID,
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.daemon, err = NewDaemon(opts)
	require.NoError(t, err)
	return h
}

// register stores an idle record for the daemon as Startup would
func (h *harness) register(t *testing.T) {
	t.Helper()
	require.NoError(t, h.store.UpsertWorker(types.NewWorkerRecord(h.daemon.port, h.daemon.pid, h.daemon.wtype, time.Now())))
}

func (h *harness) assign(t *testing.T, req *types.JobRequest) {
	t.Helper()
	require.NoError(t, storage.AssignRequest(h.store, req, h.daemon.port))
}

func (h *harness) record(t *testing.T) *types.WorkerRecord {
	t.Helper()
	rec, err := h.store.GetWorker(h.daemon.port)
	require.NoError(t, err)
	return rec
}

func (h *harness) request(t *testing.T, uuid string) *types.JobRequest {
	t.Helper()
	req, err := h.store.GetRequest(uuid)
	require.NoError(t, err)
	return req
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestNewDaemonValidation(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()

	base := Options{Config: config.Default(), Store: store, Port: 9000, Process: &fakeProc{}}

	_, err = NewDaemon(base)
	assert.Error(t, err, "worker type needs a registry")

	opts := base
	opts.Type = types.WorkerTypeProxy
	_, err = NewDaemon(opts)
	assert.NoError(t, err)

	opts.Type = "bogus"
	_, err = NewDaemon(opts)
	assert.Error(t, err)

	opts = base
	opts.Type = types.WorkerTypeMonitor
	opts.Port = 70000
	_, err = NewDaemon(opts)
	assert.Error(t, err)
}

func TestWorkerRunsAssignedJob(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)
	h.assign(t, &types.JobRequest{UUID: "job-1", Type: "patch", Cmd: "patch_cell", ClusterName: "clu1"})

	h.daemon.iterate(context.Background())

	req := h.request(t, "job-1")
	assert.Equal(t, types.JobStatusDone, req.Status)
	assert.Equal(t, types.NoError, req.Error)
	assert.Contains(t, req.StatusInfo, "patch_cell")

	rec := h.record(t)
	assert.Equal(t, types.WorkerStatusIdle, rec.Status)
	assert.Equal(t, types.NullUUID, rec.UUID)
	assert.Equal(t, types.HealthStateNormal, rec.State)
	assert.Equal(t, 1, h.proc.killed, "leftover children are killed after every job")

	logDir := filepath.Join(h.cfg.JobLogDir(), "job-1")
	data, err := os.ReadFile(filepath.Join(logDir, JobLogName))
	require.NoError(t, err)
	assert.Contains(t, string(data), "mock patch patch_cell")

	target, err := os.Readlink(filepath.Join(h.cfg.ClusterLogDir("clu1"), "job-1"))
	require.NoError(t, err)
	assert.Equal(t, logDir, target)
}

func TestReaperRunsAfterJob(t *testing.T) {
	reaped := 0
	h := newHarness(t, func(o *Options) {
		o.Reaper = func() int { reaped++; return 2 }
	})
	h.register(t)

	h.daemon.iterate(context.Background())
	assert.Zero(t, reaped, "idle iterations do not reap")

	h.assign(t, &types.JobRequest{UUID: "job-1", Type: "patch", Cmd: "patch_cell"})
	h.daemon.iterate(context.Background())
	assert.Equal(t, 1, reaped)
}

// releasingStore lets go of an assigner's sync lock right after the daemon
// first loads its record, so the daemon holds a copy with a stale stamp
type releasingStore struct {
	storage.Store
	owner string
	once  sync.Once
}

func (s *releasingStore) GetWorker(port int) (*types.WorkerRecord, error) {
	w, err := s.Store.GetWorker(port)
	s.once.Do(func() { _, _ = s.Store.ReleaseSyncLock(port, s.owner) })
	return w, err
}

func TestStaleSyncLockNotWrittenBack(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Store = &releasingStore{Store: o.Store, owner: "assigner-1"}
	})
	h.register(t)
	h.assign(t, &types.JobRequest{UUID: "job-1", Type: "patch", Cmd: "patch_cell"})
	ok, err := h.store.AcquireSyncLock(testPort, "assigner-1")
	require.NoError(t, err)
	require.True(t, ok)

	h.daemon.iterate(context.Background())

	rec := h.record(t)
	assert.Equal(t, types.WorkerStatusIdle, rec.Status)
	assert.Equal(t, types.NullUUID, rec.UUID)
	assert.Empty(t, rec.SyncLock)

	idle, err := storage.FindIdleWorker(h.store, types.WorkerTypeWorker)
	require.NoError(t, err)
	assert.Equal(t, testPort, idle.Port)
	h.assign(t, &types.JobRequest{UUID: "job-2", Type: "patch", Cmd: "patch_cell"})
}

func TestWorkerIdleWithoutJob(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)
	before := h.record(t)

	h.daemon.iterate(context.Background())

	after := h.record(t)
	assert.Equal(t, before.LastActiveTime, after.LastActiveTime, "idle iterations do not write the record")
	assert.Zero(t, h.proc.killed)
}

func TestWorkerResultCodes(t *testing.T) {
	boom := jobs.HandlerFunc(func(ctx context.Context, ec *jobs.ExecContext, job *types.JobRequest) (int, error) {
		switch job.Cmd {
		case "panic":
			panic("handler exploded")
		case "domain":
			return 0, types.HandlerError(12, "cell unreachable")
		}
		return 0, os.ErrPermission
	})

	tests := []struct {
		name    string
		req     *types.JobRequest
		code    string
		success bool
	}{
		{"benign handler code", &types.JobRequest{Type: "patch", Params: map[string]interface{}{"mock_code": float64(0x7010266)}}, "701-614", true},
		{"hex failure", &types.JobRequest{Type: "patch", Params: map[string]interface{}{"mock_code": float64(3)}}, "0x3", false},
		{"invalid type", &types.JobRequest{Type: "reboot"}, types.ErrCodeInvalidJobType, false},
		{"malformed workflow id", &types.JobRequest{Type: "patch", WorkflowID: "../../etc"}, types.ErrCodeInvalidRequestID, false},
		{"panic", &types.JobRequest{Type: "sop", Cmd: "panic"}, types.ErrCodeUnexpected, false},
		{"domain error", &types.JobRequest{Type: "sop", Cmd: "domain"}, "701-12", false},
		{"generic error", &types.JobRequest{Type: "sop", Cmd: "other"}, types.ErrCodeUnexpected, false},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, func(o *Options) {
				o.Registry = testRegistry(t, map[jobs.Kind]jobs.Handler{jobs.KindSOP: boom})
			})
			h.register(t)
			tt.req.UUID = "job-" + string(rune('a'+i))
			h.assign(t, tt.req)

			h.daemon.iterate(context.Background())

			req := h.request(t, tt.req.UUID)
			assert.Equal(t, types.JobStatusDone, req.Status)
			assert.Equal(t, tt.code, req.Error)
			assert.Equal(t, tt.success, types.IsSuccessCode(req.Error))

			rec := h.record(t)
			assert.Equal(t, types.WorkerStatusIdle, rec.Status)
			assert.Equal(t, types.NullUUID, rec.UUID)
		})
	}
}

func TestPanicWritesIncident(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Registry = testRegistry(t, map[jobs.Kind]jobs.Handler{
			jobs.KindVMBackup: jobs.HandlerFunc(func(context.Context, *jobs.ExecContext, *types.JobRequest) (int, error) {
				panic("disk gone")
			}),
		})
	})
	h.register(t)
	h.assign(t, &types.JobRequest{UUID: "job-p", Type: "vmbackup"})

	h.daemon.iterate(context.Background())

	req := h.request(t, "job-p")
	assert.Contains(t, req.ErrorStr, "disk gone")

	logDir := filepath.Join(h.cfg.JobLogDir(), "job-p")
	incidents, err := filepath.Glob(filepath.Join(logDir, "incident_*.json"))
	require.NoError(t, err)
	require.Len(t, incidents, 1)

	var inc incident
	data, err := os.ReadFile(incidents[0])
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &inc))
	assert.Equal(t, "job-p", inc.UUID)
	assert.Contains(t, inc.Stack, "panic")

	bundles, err := filepath.Glob(filepath.Join(logDir, "incident_*.log.gz"))
	require.NoError(t, err)
	assert.Len(t, bundles, 1)
}

func TestStartupRegistersAndServes(t *testing.T) {
	port := freePort(t)
	h := newHarness(t, func(o *Options) { o.Port = port })

	require.NoError(t, h.daemon.Startup(context.Background()))
	rec := h.record(t)
	assert.Equal(t, types.WorkerStatusIdle, rec.Status)
	assert.Equal(t, testPID, rec.PID)

	url := "http://" + net.JoinHostPort("localhost", strconv.Itoa(port)) + "/wctrl?cmd=status"
	r, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	r.SetBasicAuth("admin", "secret")
	resp, err := http.DefaultClient.Do(r)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, float64(port), body["port"])
	assert.Equal(t, true, body["success"])

	require.NoError(t, h.daemon.Shutdown())
	select {
	case <-h.daemon.server.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("control plane still serving after shutdown")
	}
	assert.Equal(t, types.WorkerStatusExited, h.record(t).Status)
}

func TestStartupAlreadyRunning(t *testing.T) {
	h := newHarness(t, nil)
	other := types.NewWorkerRecord(testPort, 777, types.WorkerTypeWorker, time.Now())
	require.NoError(t, h.store.UpsertWorker(other))

	h.proc.alive[777] = true
	h.ports[testPort] = true
	err := h.daemon.Startup(context.Background())
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, 777, h.record(t).PID, "the live owner's record is untouched")

	h.ports[testPort] = false
	assert.NoError(t, h.daemon.CheckRunning(context.Background()), "a pid without a bound port is stale")

	h.ports[testPort] = true
	h.proc.alive[777] = false
	assert.NoError(t, h.daemon.CheckRunning(context.Background()), "a dead pid is stale")
}

func TestStartupBindFailure(t *testing.T) {
	l, err := net.Listen("tcp", "localhost:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	h := newHarness(t, func(o *Options) { o.Port = port })
	err = h.daemon.Startup(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrAlreadyRunning)

	_, err = h.store.GetWorker(port)
	assert.ErrorIs(t, err, storage.ErrNotFound, "nothing is registered without a control plane")
}

func TestShutdownTerminatesPendingRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)
	h.assign(t, &types.JobRequest{UUID: "job-pending", Type: "patch"})

	require.NoError(t, h.daemon.Shutdown())

	req := h.request(t, "job-pending")
	assert.Equal(t, types.JobStatusDone, req.Status)
	assert.Equal(t, types.ErrCodeTerminated, req.Error)
	assert.Equal(t, types.ErrStrTerminated, req.ErrorStr)

	_, err := h.store.GetRequestWorker("job-pending")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	rec := h.record(t)
	assert.Equal(t, types.WorkerStatusExited, rec.Status)
	assert.Zero(t, rec.PID)
	assert.Equal(t, types.HealthStateNormal, rec.State)
	assert.True(t, h.daemon.Exiting())
}

func TestShutdownLeavesRunningRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)
	h.assign(t, &types.JobRequest{UUID: "job-running", Type: "patch"})

	req := h.request(t, "job-running")
	req.Status = types.JobStatusRunning
	require.NoError(t, h.store.UpdateRequest(req))

	require.NoError(t, h.daemon.Shutdown())

	req = h.request(t, "job-running")
	assert.Equal(t, types.JobStatusRunning, req.Status)
	port, err := h.store.GetRequestWorker("job-running")
	require.NoError(t, err)
	assert.Equal(t, testPort, port)
}

func TestShutdownKeepsForeignRecord(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.UpsertWorker(types.NewWorkerRecord(testPort, 999, types.WorkerTypeWorker, time.Now())))

	require.NoError(t, h.daemon.Shutdown())
	rec := h.record(t)
	assert.Equal(t, 999, rec.PID)
	assert.Equal(t, types.WorkerStatusIdle, rec.Status)
}

func TestRunStopsOnShutdownRequest(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)

	done := make(chan error, 1)
	go func() { done <- h.daemon.Run(context.Background()) }()

	time.Sleep(50 * time.Millisecond)
	h.daemon.RequestShutdown()
	h.daemon.RequestShutdown()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after RequestShutdown")
	}
}

func TestRunHonorsContext(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, h.daemon.Run(ctx), context.DeadlineExceeded)
}

func TestSignalLetsJobFinish(t *testing.T) {
	h := newHarness(t, nil)
	h.register(t)
	h.assign(t, &types.JobRequest{
		UUID:   "job-1",
		Type:   "patch",
		Cmd:    "patch_cell",
		Params: map[string]interface{}{"mock_delay_ms": float64(300), "mock_code": float64(0)},
	})
	stop := h.daemon.ShutdownOnSignal(syscall.SIGUSR1)
	defer stop()

	done := make(chan error, 1)
	go func() { done <- h.daemon.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		req, err := h.store.GetRequest("job-1")
		return err == nil && req.Status == types.JobStatusRunning
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGUSR1))

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after the signal")
	}

	req := h.request(t, "job-1")
	assert.Equal(t, types.JobStatusDone, req.Status)
	assert.Equal(t, types.NoError, req.Error, "the job completes with its own code")
	assert.True(t, h.daemon.Exiting())
}
