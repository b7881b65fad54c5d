package worker

import (
	"archive/tar"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cuemby/exaworker/pkg/client"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeCoordinator struct {
	mu       sync.Mutex
	polls    []*client.RemoteJob
	pollErr  error
	polled   int
	received *types.JobRequest
}

func (f *fakeCoordinator) Submit(ctx context.Context, job *types.JobRequest) (*client.RemoteJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = job
	return &client.RemoteJob{UUID: job.UUID, Status: types.JobStatusPending}, nil
}

func (f *fakeCoordinator) Poll(ctx context.Context, uuid string) (*client.RemoteJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polled++
	if f.pollErr != nil {
		return nil, f.pollErr
	}
	next := f.polls[0]
	if len(f.polls) > 1 {
		f.polls = f.polls[1:]
	}
	return next, nil
}

func newProxyHarness(t *testing.T, coord Coordinator) *harness {
	h := newHarness(t, func(o *Options) {
		o.Type = types.WorkerTypeProxy
		o.Registry = nil
		o.Coordinator = coord
	})
	h.cfg.Proxy.PollInterval = time.Millisecond
	h.cfg.Proxy.CriticalPollInterval = time.Millisecond
	h.register(t)
	return h
}

func TestProxyForwardsUntilDone(t *testing.T) {
	coord := &fakeCoordinator{polls: []*client.RemoteJob{
		{UUID: "job-x", Status: types.JobStatusPending},
		{UUID: "job-x", Status: types.JobStatusRunning},
		{UUID: "job-x", Status: types.JobStatusDone, Error: "701-617", ErrorStr: "already applied", StatusInfo: "ok"},
	}}
	h := newProxyHarness(t, coord)
	h.assign(t, &types.JobRequest{UUID: "job-x", Type: "patch", Cmd: "patch_cell"})

	h.daemon.iterate(context.Background())

	assert.Equal(t, "job-x", coord.received.UUID)
	assert.Equal(t, 3, coord.polled)

	req := h.request(t, "job-x")
	assert.Equal(t, types.JobStatusDone, req.Status)
	assert.Equal(t, "701-617", req.Error)
	assert.Equal(t, "ok", req.StatusInfo)
	assert.True(t, types.IsSuccessCode(req.Error))

	rec := h.record(t)
	assert.Equal(t, types.WorkerStatusIdle, rec.Status)
	assert.Equal(t, types.NullUUID, rec.UUID)
}

func TestProxyGivesUpAfterPollFailures(t *testing.T) {
	coord := &fakeCoordinator{pollErr: errors.New("connection refused")}
	h := newProxyHarness(t, coord)
	h.assign(t, &types.JobRequest{UUID: "job-y", Type: "patch"})

	h.daemon.iterate(context.Background())

	assert.Equal(t, maxPollFailures, coord.polled)
	req := h.request(t, "job-y")
	assert.Equal(t, types.ErrCodeUnexpected, req.Error)
	assert.Contains(t, req.ErrorStr, "connection refused")
}

func TestProxyWithoutCoordinator(t *testing.T) {
	h := newProxyHarness(t, nil)
	h.assign(t, &types.JobRequest{UUID: "job-z", Type: "patch"})

	h.daemon.iterate(context.Background())
	assert.Equal(t, types.ErrCodeUnexpected, h.request(t, "job-z").Error)
	assert.Equal(t, types.WorkerStatusIdle, h.record(t).Status)
}

func TestMonitorRefreshesClusters(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Type = types.WorkerTypeMonitor
		o.Registry = nil
	})
	clusters := t.TempDir()
	for _, name := range []string{"clu1.yaml", "clu2.json", ".hidden", "bad name.yaml"} {
		require.NoError(t, os.WriteFile(filepath.Join(clusters, name), nil, 0644))
	}
	h.cfg.Monitor.ClusterConfigDir = clusters
	h.cfg.Monitor.Command = []string{"sh", "-c", `echo "refreshed $0"`}
	h.cfg.Monitor.RefreshIterations = 3
	h.register(t)

	other := types.NewWorkerRecord(testPort+1, 1, types.WorkerTypeMonitor, time.Now())
	require.NoError(t, h.store.UpsertWorker(other))

	h.daemon.iterate(context.Background())

	for _, c := range []string{"clu1", "clu2"} {
		data, err := os.ReadFile(filepath.Join(h.cfg.ClusterLogDir(c), "monitor.log"))
		require.NoError(t, err)
		assert.Equal(t, "refreshed "+c+"\n", string(data))
	}
	assert.Equal(t, types.WorkerStatusRunning, h.record(t).Status)
	assert.Equal(t, 1, mustGetWorker(t, h, testPort+1).PID, "a conflicting monitor is only reported")

	// next refresh is due on the third iteration
	h.daemon.iterate(context.Background())
	h.daemon.iterate(context.Background())
	data, err := os.ReadFile(filepath.Join(h.cfg.ClusterLogDir("clu1"), "monitor.log"))
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(data), "refreshed"))

	h.daemon.iterate(context.Background())
	data, err = os.ReadFile(filepath.Join(h.cfg.ClusterLogDir("clu1"), "monitor.log"))
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(string(data), "refreshed"))
}

func TestMonitorResumesInterruptedRefresh(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Type = types.WorkerTypeMonitor
		o.Registry = nil
	})
	h.register(t)
	h.daemon.iteration = 1

	rec := h.record(t)
	rec.Status = types.WorkerStatusRefreshing
	require.NoError(t, h.store.UpdateWorker(rec))

	h.daemon.iterate(context.Background())
	assert.Equal(t, types.WorkerStatusRunning, h.record(t).Status)
}

func mustGetWorker(t *testing.T, h *harness, port int) *types.WorkerRecord {
	t.Helper()
	w, err := h.store.GetWorker(port)
	require.NoError(t, err)
	return w
}

func TestJobLogDir(t *testing.T) {
	long := make([]string, 30)
	for i := range long {
		long[i] = "step_number_" + string(rune('a'+i%26))
	}

	tests := []struct {
		name string
		req  types.JobRequest
		want string
		err  bool
	}{
		{"uuid only", types.JobRequest{UUID: "u1"}, "u1", false},
		{"exaunit", types.JobRequest{UUID: "u1", ExaunitID: "42"}, "42_u1", false},
		{"workflow wins", types.JobRequest{UUID: "u1", ExaunitID: "42", WorkflowID: "wf-7"}, "wf-7_u1", false},
		{"steps and undo", types.JobRequest{UUID: "u1", Steps: []string{"pre check", "install"}, Undo: true}, "u1_pre-check-install_undo", false},
		{"malformed uuid", types.JobRequest{UUID: "a/b"}, "", true},
		{"malformed exaunit", types.JobRequest{UUID: "u1", ExaunitID: "-1"}, "", true},
		{"missing uuid", types.JobRequest{WorkflowID: "wf"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir, err := JobLogDir("/logs", &tt.req)
			if tt.err {
				require.Error(t, err)
				re, ok := types.AsRuntimeError(err)
				require.True(t, ok)
				assert.Equal(t, types.ErrCodeInvalidRequestID, re.Code)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, filepath.Join("/logs", tt.want), dir)
		})
	}

	t.Run("long step list is truncated", func(t *testing.T) {
		a, err := JobLogDir("/logs", &types.JobRequest{UUID: "u1", Steps: long})
		require.NoError(t, err)
		b, err := JobLogDir("/logs", &types.JobRequest{UUID: "u1", Steps: append(long[:29:29], "other")})
		require.NoError(t, err)

		assert.LessOrEqual(t, len(filepath.Base(a)), len("u1_")+maxStepsLen)
		assert.NotEqual(t, a, b, "truncated names stay distinct")
	})
}

func TestArchiveWorkspace(t *testing.T) {
	h := newHarness(t, nil)
	ws := t.TempDir()
	src := filepath.Join(ws, "clu1")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "conf"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "conf", "cluster.xml"), []byte("<cluster/>"), 0644))

	h.cfg.Workspace.Dir = ws
	h.cfg.Workspace.Archive = true
	h.cfg.Workspace.Cleanup = true
	h.cfg.Workspace.ArchiveDir = filepath.Join(t.TempDir(), "archive")

	require.NoError(t, h.daemon.archiveWorkspace("clu1", "job-1"))

	_, err := os.Stat(src)
	assert.True(t, os.IsNotExist(err), "workspace is removed after archival")

	f, err := os.Open(filepath.Join(h.cfg.Workspace.ArchiveDir, "clu1_job-1.tar.gz"))
	require.NoError(t, err)
	defer f.Close()
	zr, err := gzip.NewReader(f)
	require.NoError(t, err)

	var names []string
	tr := tar.NewReader(zr)
	for {
		hdr, err := tr.Next()
		if err != nil {
			break
		}
		names = append(names, hdr.Name)
	}
	assert.Contains(t, names, "clu1/conf/cluster.xml")

	assert.NoError(t, h.daemon.archiveWorkspace("missing", "job-2"), "absent workspaces are skipped")
}
