package factory

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/cuemby/exaworker/pkg/config"
	"github.com/cuemby/exaworker/pkg/events"
	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/network"
	"github.com/cuemby/exaworker/pkg/process"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DefaultTerminateGrace is how long a worker gets between SIGTERM and SIGKILL
const DefaultTerminateGrace = 5 * time.Second

// maxParallelProbes bounds concurrent liveness probes and shutdown requests
const maxParallelProbes = 16

// Control is the control-plane client the factory drives workers with
type Control interface {
	Shutdown(ctx context.Context, port int) error
	URL(port int, path string, query url.Values) string
	Credentials() (string, string)
	HTTPClient() *http.Client
}

// Options configures a Factory
type Options struct {
	Config  *config.Config
	Store   storage.Store
	Control Control
	Spawner Spawner
	Process process.Manager
	Ports   network.Prober
	// Events receives pool lifecycle events; nil discards them
	Events *events.Broker

	TerminateGrace time.Duration
	Now            func() time.Time
}

// Factory is the worker pool supervisor
type Factory struct {
	cfg     *config.Config
	store   storage.Store
	control Control
	spawner Spawner
	proc    process.Manager
	ports   network.Prober
	events  *events.Broker

	grace  time.Duration
	now    func() time.Time
	logger zerolog.Logger
}

// New creates a factory
func New(opts Options) (*Factory, error) {
	if opts.Config == nil || opts.Store == nil {
		return nil, errors.New("config and store are required")
	}
	if opts.Control == nil || opts.Process == nil {
		return nil, errors.New("control client and process manager are required")
	}
	if opts.Ports == nil {
		opts.Ports = network.NewPortChecker(opts.Config)
	}
	if opts.TerminateGrace <= 0 {
		opts.TerminateGrace = DefaultTerminateGrace
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Factory{
		cfg:     opts.Config,
		store:   opts.Store,
		control: opts.Control,
		spawner: opts.Spawner,
		proc:    opts.Process,
		ports:   opts.Ports,
		events:  opts.Events,
		grace:   opts.TerminateGrace,
		now:     opts.Now,
		logger:  log.WithComponent("factory"),
	}, nil
}

// Events returns the broker pool events are published to, possibly nil
func (f *Factory) Events() *events.Broker {
	return f.events
}

// ResetWorkersList deletes every Exited worker record
func (f *Factory) ResetWorkersList() (int, error) {
	n, err := f.store.DeleteWorkersByStatus(types.WorkerStatusExited)
	if err != nil {
		return 0, fmt.Errorf("failed to reset workers list: %w", err)
	}
	if n > 0 {
		f.logger.Info().Int("deleted", n).Msg("Removed exited worker records")
	}
	return n, nil
}

// ComputeWorkerCount resolves the pool size: a positive override first, then
// worker_count, then the production or development count, then the default.
func (f *Factory) ComputeWorkerCount(override int) int {
	switch {
	case override > 0:
		return override
	case f.cfg.WorkerCount > 0:
		return f.cfg.WorkerCount
	case f.cfg.Production && f.cfg.ProdWorkerCount > 0:
		return f.cfg.ProdWorkerCount
	case !f.cfg.Production && f.cfg.DevWorkerCount > 0:
		return f.cfg.DevWorkerCount
	}
	return config.DefaultWorkerCount
}

// InitFactory is the pool cold start: reconcile, drop exited records, then
// start enough workers to reach the computed count.
func (f *Factory) InitFactory(ctx context.Context, override int) ([]int, error) {
	if _, err := f.CheckFactory(ctx); err != nil {
		return nil, err
	}
	if _, err := f.ResetWorkersList(); err != nil {
		return nil, err
	}

	want := f.ComputeWorkerCount(override)
	active, err := f.activeWorkers(types.WorkerTypeWorker)
	if err != nil {
		return nil, err
	}
	missing := want - len(active)
	f.logger.Info().Int("wanted", want).Int("active", len(active)).Msg("Initializing worker pool")
	if missing <= 0 {
		return nil, nil
	}
	return f.StartWorkers(ctx, missing, types.WorkerTypeWorker)
}

// ShutdownFactory asks every active pool worker to exit and blocks until all
// of them are Exited. Workers whose pid is gone are deregistered directly.
func (f *Factory) ShutdownFactory(ctx context.Context) error {
	workers, err := f.activeWorkers("")
	if err != nil {
		return err
	}
	if len(workers) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)
	for _, w := range workers {
		w := w
		g.Go(func() error {
			if err := f.control.Shutdown(gctx, w.Port); err != nil {
				f.logger.Warn().Err(err).Int("port", w.Port).Msg("Shutdown request failed")
			}
			return nil
		})
	}
	_ = g.Wait()

	poll := f.cfg.ShutdownPollInterval
	if poll <= 0 {
		poll = time.Second
	}
	for {
		pending, err := f.activeWorkers("")
		if err != nil {
			return err
		}
		for _, w := range pending {
			if w.PID == 0 || !f.proc.Alive(w.PID) {
				f.deregister(w, "process gone during shutdown")
			}
		}
		pending, err = f.activeWorkers("")
		if err != nil {
			return err
		}
		if len(pending) == 0 {
			f.logger.Info().Int("workers", len(workers)).Msg("Worker pool stopped")
			f.events.Publish(&events.Event{Type: events.EventPoolStopped, Message: fmt.Sprintf("%d workers stopped", len(workers))})
			return nil
		}

		f.logger.Debug().Int("pending", len(pending)).Msg("Waiting for workers to exit")
		select {
		case <-ctx.Done():
			return fmt.Errorf("%d workers still running: %w", len(pending), ctx.Err())
		case <-time.After(poll):
		}
	}
}

// activeWorkers lists non-Exited, non-standalone records, optionally of one type
func (f *Factory) activeWorkers(wtype types.WorkerType) ([]*types.WorkerRecord, error) {
	all, err := f.store.ListWorkers()
	if err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	var out []*types.WorkerRecord
	for _, w := range all {
		if w.Status == types.WorkerStatusExited || w.Type.IsStandalone() {
			continue
		}
		if wtype != "" && w.Type != wtype {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

// deregister marks a stale record Exited
func (f *Factory) deregister(w *types.WorkerRecord, reason string) {
	f.logger.Info().Int("port", w.Port).Int("pid", w.PID).Str("reason", reason).Msg("Deregistering worker")
	f.events.Publish(&events.Event{Type: events.EventWorkerDeregistered, Port: w.Port, PID: w.PID, Message: reason})
	w.MarkExited(f.now())
	if err := f.store.UpdateWorker(w); err != nil {
		f.logger.Error().Err(err).Int("port", w.Port).Msg("Failed to deregister worker")
	}
}
