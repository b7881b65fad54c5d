package worker

import (
	"context"
	"fmt"

	"github.com/cuemby/exaworker/pkg/config"
	"github.com/cuemby/exaworker/pkg/jobs"
	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/types"
)

// SignalHandler acts on one consumed signal
type SignalHandler func(ctx context.Context, d *Daemon) error

// HandleSignal registers h for signals named name, replacing any previous handler
func (d *Daemon) HandleSignal(name string, h SignalHandler) {
	d.signals[name] = h
}

// drainSignals consumes every queued signal addressed to this pid.
// Each row is deleted before its handler runs, so a failing handler is not retried.
// The corruption sentinel is left for the self health check.
func (d *Daemon) drainSignals(ctx context.Context) {
	sigs, err := d.store.ListSignals(d.pid)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to list signals")
		return
	}

	for _, sig := range sigs {
		if sig.Name == types.SignalWorkerCorrupted {
			continue
		}
		if err := d.store.DeleteSignal(sig.PID, sig.Name); err != nil {
			d.logger.Error().Err(err).Str("signal", sig.Name).Msg("Failed to consume signal")
			continue
		}
		metrics.SignalsProcessed.WithLabelValues(sig.Name).Inc()

		h, ok := d.signals[sig.Name]
		if !ok {
			d.logger.Warn().Str("signal", sig.Name).Msg("No handler for signal")
			continue
		}
		if err := h(ctx, d); err != nil {
			d.logger.Error().Err(err).Str("signal", sig.Name).Msg("Signal handler failed")
			continue
		}
		d.logger.Info().Str("signal", sig.Name).Msg("Signal processed")
	}
}

// reloadHandler re-reads the config file and rebuilds the handler registry
func reloadHandler(ctx context.Context, d *Daemon) error {
	if d.cfgPath == "" {
		d.logger.Info().Msg("No config file to reload")
		return nil
	}
	cfg, err := config.Load(d.cfgPath)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	registry, err := jobs.FromConfig(cfg)
	if err != nil {
		return fmt.Errorf("reload: %w", err)
	}
	d.cfg = cfg
	d.registry = registry
	return nil
}
