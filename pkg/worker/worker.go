package worker

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuemby/exaworker/pkg/api"
	"github.com/cuemby/exaworker/pkg/config"
	"github.com/cuemby/exaworker/pkg/jobs"
	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/network"
	"github.com/cuemby/exaworker/pkg/process"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// ErrAlreadyRunning is returned by Startup when a live worker already owns the port.
// Callers treat it as a silent no-op.
var ErrAlreadyRunning = errors.New("worker already running on port")

// DefaultPollInterval is the sleep between two main loop iterations
const DefaultPollInterval = time.Second

// Options configures a Daemon
type Options struct {
	Config *config.Config
	// ConfigPath is re-read on RELOAD; empty keeps the current config
	ConfigPath string

	Store    storage.Store
	Port     int
	Type     types.WorkerType
	Registry *jobs.Registry

	Process process.Manager
	Probe   ResourceProbe
	Ports   network.Prober

	// Coordinator is required by proxy workers only
	Coordinator Coordinator

	// TLS is the control-plane server config; nil serves plain HTTP
	TLS *tls.Config

	// LogOutput is the worker log destination; job logs are teed into it
	LogOutput io.Writer

	// Reaper collects exited children after each job's housekeeping, when no
	// handler is waiting on its own child
	Reaper func() int

	PollInterval time.Duration
	PID          int
	Now          func() time.Time
}

// Daemon is one worker process: its control plane plus the polling loop
type Daemon struct {
	cfg      *config.Config
	cfgPath  string
	store    storage.Store
	port     int
	wtype    types.WorkerType
	pid      int
	registry *jobs.Registry

	proc   process.Manager
	probe  ResourceProbe
	ports  network.Prober
	coord  Coordinator
	tls    *tls.Config
	logOut io.Writer
	reap   func() int
	now    func() time.Time

	interval time.Duration
	logger   zerolog.Logger
	server   *api.Server

	signals   map[string]SignalHandler
	iteration int

	exiting  atomic.Bool
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewDaemon creates a daemon for opts.Port
func NewDaemon(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Store == nil {
		return nil, errors.New("config and store are required")
	}
	if opts.Port <= 0 || opts.Port > config.MaxPort {
		return nil, fmt.Errorf("invalid port %d", opts.Port)
	}
	if opts.Type == "" {
		opts.Type = types.WorkerTypeWorker
	}
	if !opts.Type.Valid() {
		return nil, fmt.Errorf("invalid worker type %q", opts.Type)
	}
	if opts.Registry == nil && opts.Type == types.WorkerTypeWorker {
		return nil, errors.New("a job registry is required for worker type")
	}
	if opts.Process == nil {
		return nil, errors.New("process manager is required")
	}
	if opts.Ports == nil {
		opts.Ports = network.NewPortChecker(opts.Config)
	}
	if opts.LogOutput == nil {
		opts.LogOutput = io.Discard
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.PID == 0 {
		opts.PID = os.Getpid()
	}
	if opts.Probe == nil {
		opts.Probe = NewProcProbe(opts.PID)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	d := &Daemon{
		cfg:      opts.Config,
		cfgPath:  opts.ConfigPath,
		store:    opts.Store,
		port:     opts.Port,
		wtype:    opts.Type,
		pid:      opts.PID,
		registry: opts.Registry,
		proc:     opts.Process,
		probe:    opts.Probe,
		ports:    opts.Ports,
		coord:    opts.Coordinator,
		tls:      opts.TLS,
		logOut:   opts.LogOutput,
		reap:     opts.Reaper,
		now:      opts.Now,
		interval: opts.PollInterval,
		logger:   log.WithPort(opts.Port).With().Str("component", "worker").Str("type", string(opts.Type)).Logger(),
		stopCh:   make(chan struct{}),
	}
	d.signals = map[string]SignalHandler{
		types.SignalReload: reloadHandler,
	}
	return d, nil
}

// Port returns the control-plane port
func (d *Daemon) Port() int {
	return d.port
}

// CheckRunning returns ErrAlreadyRunning when a record for this port names
// another live pid and the port is bound.
func (d *Daemon) CheckRunning(ctx context.Context) error {
	rec, err := d.store.GetWorker(d.port)
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read worker record: %w", err)
	}
	if rec.Status == types.WorkerStatusExited || rec.PID == 0 || rec.PID == d.pid {
		return nil
	}
	if d.proc.Alive(rec.PID) && d.ports.InUse(ctx, d.port) {
		return fmt.Errorf("port %d held by pid %d: %w", d.port, rec.PID, ErrAlreadyRunning)
	}
	return nil
}

// Startup binds the control plane and registers the worker record.
// A bind failure is returned so the process can exit non-zero.
func (d *Daemon) Startup(ctx context.Context) error {
	if err := d.CheckRunning(ctx); err != nil {
		return err
	}

	d.server = api.NewServer(d, d.store, api.Config{
		User:             d.cfg.Admin.User,
		Password:         d.cfg.Admin.Password,
		TLS:              d.tls,
		AuthFailureRate:  rate.Every(time.Second),
		AuthFailureBurst: 10,
	})
	addr := net.JoinHostPort(d.cfg.BindHost(), strconv.Itoa(d.port))
	if err := d.server.Listen(addr); err != nil {
		return err
	}
	go func() {
		if err := d.server.Serve(); err != nil {
			d.logger.Error().Err(err).Msg("Control plane stopped")
		}
	}()

	rec := types.NewWorkerRecord(d.port, d.pid, d.wtype, d.now())
	if err := d.store.UpsertWorker(rec); err != nil {
		d.stopServer()
		return fmt.Errorf("failed to register worker: %w", err)
	}

	d.logger.Info().Int("pid", d.pid).Str("addr", addr).Msg("Worker registered")
	return nil
}

// Run polls the datastore until RequestShutdown is called or ctx is done
func (d *Daemon) Run(ctx context.Context) error {
	for !d.exiting.Load() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.stopCh:
			return nil
		case <-time.After(d.interval):
		}
		d.iterate(ctx)
	}
	return nil
}

// iterate is one pass of the main loop
func (d *Daemon) iterate(ctx context.Context) {
	defer func() { d.iteration++ }()

	rec, err := d.store.GetWorker(d.port)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reload worker record")
		return
	}

	d.drainSignals(ctx)

	switch rec.Type {
	case types.WorkerTypeMonitor:
		d.monitorTick(ctx, rec)
	case types.WorkerTypeProxy:
		d.proxyTick(ctx, rec)
	default:
		d.workerTick(ctx, rec)
	}
}

// RequestShutdown sets the exit flag; the loop stops after the current iteration
func (d *Daemon) RequestShutdown() {
	d.exiting.Store(true)
	d.stopOnce.Do(func() { close(d.stopCh) })
}

// ShutdownOnSignal turns any of sigs into RequestShutdown. A job in progress
// runs to completion; only the next iteration is prevented. The returned
// func stops the relay.
func (d *Daemon) ShutdownOnSignal(sigs ...os.Signal) func() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	done := make(chan struct{})
	go func() {
		select {
		case sig := <-ch:
			d.logger.Info().Str("signal", sig.String()).Msg("Shutdown requested")
			d.RequestShutdown()
		case <-done:
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(ch)
			close(done)
		})
	}
}

// Exiting reports whether RequestShutdown was called
func (d *Daemon) Exiting() bool {
	return d.exiting.Load()
}

// WorkerRecord returns the stored record of this worker
func (d *Daemon) WorkerRecord() (*types.WorkerRecord, error) {
	return d.store.GetWorker(d.port)
}

// Shutdown stops the control plane, deregisters the record and terminates
// the job request left assigned to this worker, if it was never picked up.
func (d *Daemon) Shutdown() error {
	d.RequestShutdown()
	d.stopServer()

	rec, err := d.store.GetWorker(d.port)
	if err != nil {
		return fmt.Errorf("failed to read worker record: %w", err)
	}
	if rec.PID != d.pid && rec.PID != 0 {
		d.logger.Warn().Int("owner", rec.PID).Msg("Record owned by another process, not deregistering")
		return nil
	}

	lastUUID := ""
	if rec.HasJob() {
		lastUUID = rec.UUID
	}
	rec.MarkExited(d.now())
	rec.UUID = types.NullUUID
	if err := d.store.UpdateWorker(rec); err != nil {
		return fmt.Errorf("failed to deregister worker: %w", err)
	}

	if lastUUID != "" {
		if err := d.terminateDangling(lastUUID); err != nil {
			return err
		}
	}
	d.logger.Info().Msg("Worker deregistered")
	return nil
}

// terminateDangling forces a still Pending request to Done with the terminated code
func (d *Daemon) terminateDangling(uuid string) error {
	req, err := d.store.GetRequest(uuid)
	if errors.Is(err, storage.ErrNotFound) {
		d.logger.Warn().Str("job_id", uuid).Msg("Last assigned request no longer exists")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read request %s: %w", uuid, err)
	}
	if req.Status != types.JobStatusPending {
		return nil
	}

	req.Finish(types.ErrCodeTerminated, types.ErrStrTerminated, d.now())
	if err := d.store.UpdateRequest(req); err != nil {
		return fmt.Errorf("failed to terminate request %s: %w", uuid, err)
	}
	if err := d.store.DeleteRequestWorker(uuid); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("failed to drop request index %s: %w", uuid, err)
	}
	d.logger.Warn().Str("job_id", uuid).Msg("Terminated request left pending at exit")
	return nil
}

func (d *Daemon) stopServer() {
	if d.server == nil {
		return
	}
	d.server.ClearHandle()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.server.Stop(ctx); err != nil {
		d.logger.Warn().Err(err).Msg("Control plane shutdown failed")
	}
}

// setStatus moves rec to status. An illegal transition is logged, not refused:
// the record must still reflect what the loop is doing.
func (d *Daemon) setStatus(rec *types.WorkerRecord, status types.WorkerStatus) {
	if !types.ValidTransition(rec.Status, status, rec.Type) {
		d.logger.Warn().
			Str("from", string(rec.Status)).
			Str("to", string(status)).
			Msg("Unexpected worker status transition")
	}
	rec.Status = status
}

// updateRecord stamps and persists rec
func (d *Daemon) updateRecord(rec *types.WorkerRecord) {
	rec.Touch(d.now())
	if err := d.store.UpdateWorker(rec); err != nil {
		d.logger.Error().Err(err).Str("status", string(rec.Status)).Msg("Failed to persist worker record")
	}
}

// sleep waits for dur or ctx, whichever comes first
func sleep(ctx context.Context, dur time.Duration) error {
	t := time.NewTimer(dur)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
