package factory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"

	"github.com/cuemby/exaworker/pkg/api"
	"github.com/cuemby/exaworker/pkg/events"
	"github.com/cuemby/exaworker/pkg/health"
	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/network"
	"github.com/cuemby/exaworker/pkg/process"
	"github.com/cuemby/exaworker/pkg/types"
)

// ErrWorkerNotReady is returned when a spawned worker never answers its control plane
var ErrWorkerNotReady = errors.New("worker did not become ready")

// Spawner starts one worker process
type Spawner interface {
	Spawn(port int, wtype types.WorkerType) (int, error)
}

// ProcessSpawner starts workers by re-running the exaworker binary
type ProcessSpawner struct {
	Process process.Manager

	// Binary defaults to the running executable
	Binary     string
	ConfigPath string
	LogLevel   string
	JSONLogs   bool
}

// Args returns the command line of a worker on port. Proxy workers run the
// proxy subcommand; every other type runs worker.
func (s *ProcessSpawner) Args(port int, wtype types.WorkerType) []string {
	args := []string{"worker"}
	if wtype == types.WorkerTypeProxy {
		args = []string{"proxy"}
	} else if wtype != types.WorkerTypeWorker {
		args = append(args, "--type", string(wtype))
	}
	args = append(args, "--daemon", "--port", strconv.Itoa(port))

	if s.ConfigPath != "" {
		args = append(args, "--config", s.ConfigPath)
	}
	if s.LogLevel != "" {
		args = append(args, "--log-level", s.LogLevel)
	}
	if s.JSONLogs {
		args = append(args, "--json-logs")
	}
	return args
}

// Spawn starts the worker in its own session and returns its pid
func (s *ProcessSpawner) Spawn(port int, wtype types.WorkerType) (int, error) {
	bin := s.Binary
	if bin == "" {
		exe, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("failed to resolve executable: %w", err)
		}
		bin = exe
	}
	return s.Process.Spawn(process.SpawnSpec{
		Path: bin,
		Args: s.Args(port, wtype),
		Env:  os.Environ(),
	})
}

// StartWorkers spawns count workers of wtype on fresh ports and waits for each
// to answer /wctrl?cmd=status. The first worker that never becomes ready aborts
// the batch; the ports started so far are returned with the error.
func (f *Factory) StartWorkers(ctx context.Context, count int, wtype types.WorkerType) ([]int, error) {
	if f.spawner == nil {
		return nil, errors.New("no spawner configured")
	}
	if count <= 0 {
		return nil, nil
	}

	workers, err := f.store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	candidate := f.cfg.BasePort
	claimed := make(map[int]struct{})
	for _, w := range workers {
		if w.Port >= candidate {
			candidate = w.Port + 1
		}
		if w.Status != types.WorkerStatusExited {
			claimed[w.Port] = struct{}{}
		}
	}

	var started []int
	for i := 0; i < count; i++ {
		port, err := network.FindPort(ctx, f.ports, candidate, claimed)
		if err != nil {
			return started, err
		}
		claimed[port] = struct{}{}
		candidate = port + 1

		pid, err := f.spawner.Spawn(port, wtype)
		if err != nil {
			return started, fmt.Errorf("failed to spawn worker on port %d: %w", port, err)
		}
		metrics.WorkersSpawned.Inc()
		logger := f.logger.With().Int("port", port).Int("pid", pid).Logger()
		logger.Info().Str("type", string(wtype)).Msg("Worker spawned")
		f.events.Publish(&events.Event{Type: events.EventWorkerSpawned, Port: port, PID: pid, Message: string(wtype)})

		if err := f.waitReady(ctx, port); err != nil {
			logger.Error().Err(err).Msg("Worker not ready, aborting spawn batch")
			f.events.Publish(&events.Event{Type: events.EventWorkerNotReady, Port: port, PID: pid, Message: err.Error()})
			return started, fmt.Errorf("port %d: %w: %v", port, ErrWorkerNotReady, err)
		}
		started = append(started, port)
	}
	return started, nil
}

// waitReady polls the worker's status endpoint until it reports the expected port
func (f *Factory) waitReady(ctx context.Context, port int) error {
	checker := health.NewHTTPChecker(f.control.URL(port, "/wctrl", url.Values{"cmd": {"status"}})).
		WithBasicAuth(f.control.Credentials()).
		WithStatusRange(200, 299).
		WithExpect(func(body []byte) error {
			var st api.WorkerStatus
			if err := json.Unmarshal(body, &st); err != nil {
				return fmt.Errorf("malformed status reply: %w", err)
			}
			if !st.Success || st.Port != port {
				return fmt.Errorf("status reply for port %d on port %d", st.Port, port)
			}
			return nil
		})
	checker.Client = f.control.HTTPClient()

	_, err := health.WaitHealthy(ctx, checker, health.Config{
		Interval: f.cfg.Spawn.ReadyDelay,
		Retries:  f.cfg.Spawn.ReadyRetries,
	})
	return err
}
