package factory

import (
	"context"
	"errors"

	"github.com/cuemby/exaworker/pkg/events"
	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/process"
	"github.com/cuemby/exaworker/pkg/types"
	"golang.org/x/sync/errgroup"
)

// Outcome classifies one worker record during a reconciliation sweep
type Outcome string

const (
	// OutcomeConsistent: pid alive and port listening
	OutcomeConsistent Outcome = "consistent"
	// OutcomeOrphanedPort: port listening without a live pid
	OutcomeOrphanedPort Outcome = "port_without_pid"
	// OutcomeUnresponsive: pid alive but port not listening
	OutcomeUnresponsive Outcome = "pid_without_port"
	// OutcomeStale: neither alive nor listening
	OutcomeStale Outcome = "stale"
)

// CheckResult is the verdict on one record
type CheckResult struct {
	Port    int
	PID     int
	Type    types.WorkerType
	Outcome Outcome
	// Err is the non-fatal error met while acting on the outcome
	Err error
}

// CheckReport summarizes a CheckFactory sweep
type CheckReport struct {
	Results []CheckResult
}

// Count returns how many records ended with outcome o
func (r *CheckReport) Count(o Outcome) int {
	n := 0
	for _, res := range r.Results {
		if res.Outcome == o {
			n++
		}
	}
	return n
}

// probe is the liveness observation of one record
type probe struct {
	rec       *types.WorkerRecord
	alive     bool
	listening bool
}

// CheckFactory reconciles every active, non-standalone record against the
// OS: pid liveness and port listening. Running it twice with nothing changed
// in between mutates nothing the second time.
func (f *Factory) CheckFactory(ctx context.Context) (*CheckReport, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconcileDuration)

	workers, err := f.activeWorkers("")
	if err != nil {
		return nil, err
	}

	probes := make([]probe, len(workers))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelProbes)
	for i, w := range workers {
		i, w := i, w
		g.Go(func() error {
			probes[i] = probe{
				rec:       w,
				alive:     w.PID > 0 && f.proc.Alive(w.PID),
				listening: f.ports.InUse(gctx, w.Port),
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	report := &CheckReport{}
	for _, p := range probes {
		res := f.reconcile(ctx, p)
		metrics.ReconcileActions.WithLabelValues(string(res.Outcome)).Inc()
		report.Results = append(report.Results, res)
	}

	f.logger.Info().
		Int("checked", len(report.Results)).
		Int("consistent", report.Count(OutcomeConsistent)).
		Int("orphaned_port", report.Count(OutcomeOrphanedPort)).
		Int("unresponsive", report.Count(OutcomeUnresponsive)).
		Int("stale", report.Count(OutcomeStale)).
		Msg("Factory check complete")
	return report, nil
}

// reconcile acts on one probe
func (f *Factory) reconcile(ctx context.Context, p probe) CheckResult {
	w := p.rec
	res := CheckResult{Port: w.Port, PID: w.PID, Type: w.Type}
	logger := f.logger.With().Int("port", w.Port).Int("pid", w.PID).Logger()

	switch {
	case p.alive && p.listening:
		res.Outcome = OutcomeConsistent

	case p.listening:
		res.Outcome = OutcomeOrphanedPort
		if err := f.control.Shutdown(ctx, w.Port); err != nil {
			logger.Warn().Err(err).Msg("Port listening without a live pid and shutdown failed")
			res.Err = err
		}
		f.deregister(w, "pid not alive")

	case p.alive:
		res.Outcome = OutcomeUnresponsive
		res.Err = f.terminate(ctx, w.PID)
		if res.Err != nil {
			logger.Error().Err(res.Err).Msg("Failed to terminate unresponsive worker")
		} else {
			f.events.Publish(&events.Event{Type: events.EventWorkerTerminated, Port: w.Port, PID: w.PID, Message: "port not listening"})
		}

	default:
		res.Outcome = OutcomeStale
		f.deregister(w, "pid not alive and port not listening")
	}
	return res
}

// terminate stops pid gracefully, then kills its whole tree. The record is
// left for the worker's own exit path or the next sweep.
func (f *Factory) terminate(ctx context.Context, pid int) error {
	err := f.proc.Terminate(ctx, pid, f.grace)
	if err == nil {
		f.logger.Info().Int("pid", pid).Msg("Unresponsive worker terminated")
		return nil
	}
	if !errors.Is(err, process.ErrStillAlive) {
		return err
	}

	survivors, err := f.proc.KillTree(pid)
	if err != nil {
		return err
	}
	if len(survivors) > 0 {
		f.logger.Warn().Ints("survivors", survivors).Msg("Processes survived SIGKILL")
	}
	f.logger.Warn().Int("pid", pid).Msg("Unresponsive worker killed")
	return nil
}
