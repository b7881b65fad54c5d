package factory

import (
	"context"
	"sync"
	"time"

	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/types"
)

// Watcher runs the reconciliation sweep periodically
type Watcher struct {
	factory  *Factory
	interval time.Duration
	// poolSize, when positive, is the worker count kept alive
	poolSize  int
	collector *metrics.Collector

	mu     sync.Mutex
	stopCh chan struct{}
	doneCh chan struct{}
}

// NewWatcher creates a watcher sweeping every interval. A positive poolSize
// respawns workers until that many are active.
func (f *Factory) NewWatcher(interval time.Duration, poolSize int) *Watcher {
	return &Watcher{
		factory:   f,
		interval:  interval,
		poolSize:  poolSize,
		collector: metrics.NewCollector(f.store, interval),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// Start begins the watch loop
func (w *Watcher) Start(ctx context.Context) {
	w.collector.Start()
	go w.run(ctx)
}

// Stop stops the watch loop and waits for the current sweep to finish
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.collector.Stop()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.sweep(ctx)
	for {
		select {
		case <-ticker.C:
			w.sweep(ctx)
		case <-w.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// sweep performs one watch cycle: check, sweep dangling requests, garbage
// collect exited records and top the pool up.
func (w *Watcher) sweep(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	f := w.factory

	if _, err := f.CheckFactory(ctx); err != nil {
		f.logger.Error().Err(err).Msg("Factory check failed")
		return
	}
	if _, err := f.SweepDanglingRequests(); err != nil {
		f.logger.Error().Err(err).Msg("Dangling request sweep failed")
	}
	if _, err := f.ResetWorkersList(); err != nil {
		f.logger.Error().Err(err).Msg("Failed to reset workers list")
	}

	if w.poolSize <= 0 || f.spawner == nil {
		return
	}
	active, err := f.activeWorkers(types.WorkerTypeWorker)
	if err != nil {
		f.logger.Error().Err(err).Msg("Failed to count workers")
		return
	}
	if missing := w.poolSize - len(active); missing > 0 {
		if _, err := f.StartWorkers(ctx, missing, types.WorkerTypeWorker); err != nil {
			f.logger.Error().Err(err).Int("missing", missing).Msg("Failed to replenish worker pool")
		}
	}
}

// Watch runs a Watcher until ctx is cancelled
func (f *Factory) Watch(ctx context.Context, interval time.Duration, poolSize int) error {
	w := f.NewWatcher(interval, poolSize)
	w.Start(ctx)
	<-ctx.Done()
	w.Stop()
	return nil
}
