package worker

import (
	"runtime"

	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/types"
	"github.com/prometheus/procfs"
)

// maxFDSnapshot bounds how many descriptor targets are logged on a breach
const maxFDSnapshot = 200

// Corruption reasons, also used as metric labels
const (
	ReasonFDCeiling     = "fd_ceiling"
	ReasonThreadCeiling = "thread_ceiling"
	ReasonOrphans       = "orphans"
	ReasonSignal        = "signal"
)

// ResourceProbe reports the resource usage of the worker process
type ResourceProbe interface {
	OpenFDs() (int, error)
	FDLimit() (uint64, error)
	FDTargets() ([]string, error)
	// Goroutines is the number of live execution units in the process
	Goroutines() int
}

// ProcProbe reads the current process from /proc
type ProcProbe struct {
	pid int
}

// NewProcProbe probes pid
func NewProcProbe(pid int) *ProcProbe {
	return &ProcProbe{pid: pid}
}

func (p *ProcProbe) proc() (procfs.Proc, error) {
	return procfs.NewProc(p.pid)
}

func (p *ProcProbe) OpenFDs() (int, error) {
	proc, err := p.proc()
	if err != nil {
		return 0, err
	}
	return proc.FileDescriptorsLen()
}

func (p *ProcProbe) FDLimit() (uint64, error) {
	proc, err := p.proc()
	if err != nil {
		return 0, err
	}
	limits, err := proc.Limits()
	if err != nil {
		return 0, err
	}
	return limits.OpenFiles, nil
}

func (p *ProcProbe) FDTargets() ([]string, error) {
	proc, err := p.proc()
	if err != nil {
		return nil, err
	}
	return proc.FileDescriptorTargets()
}

func (p *ProcProbe) Goroutines() int {
	return runtime.NumGoroutine()
}

// selfCheck runs every health check and returns the reasons that tripped.
// None of them is fatal; the caller only flags the record.
func (d *Daemon) selfCheck(orphans []int) []string {
	var reasons []string
	if d.checkFDCeiling() {
		reasons = append(reasons, ReasonFDCeiling)
	}
	if limit := d.cfg.MaxThreads; limit > 0 {
		if n := d.probe.Goroutines(); n >= limit {
			d.logger.Warn().Int("goroutines", n).Int("limit", limit).Msg("Execution unit ceiling reached")
			reasons = append(reasons, ReasonThreadCeiling)
		}
	}
	if len(orphans) > 0 {
		d.logger.Warn().Ints("pids", orphans).Msg("Child processes survived the kill")
		reasons = append(reasons, ReasonOrphans)
	}
	if d.consumeCorruptionSignal() {
		reasons = append(reasons, ReasonSignal)
	}

	for _, r := range reasons {
		metrics.CorruptionsTotal.WithLabelValues(r).Inc()
	}
	return reasons
}

func (d *Daemon) checkFDCeiling() bool {
	fc := d.cfg.FDCheck
	if !fc.Enabled {
		return false
	}

	limit := fc.LimitOverride
	if limit == 0 {
		l, err := d.probe.FDLimit()
		if err != nil {
			d.logger.Warn().Err(err).Msg("Cannot read descriptor limit")
			return false
		}
		limit = l
	}
	// RLIMIT_NOFILE reported as unlimited
	if limit == 0 || limit == ^uint64(0) {
		return false
	}

	open, err := d.probe.OpenFDs()
	if err != nil {
		d.logger.Warn().Err(err).Msg("Cannot count open descriptors")
		return false
	}
	ceiling := limit * uint64(fc.Percent) / 100
	if uint64(open) <= ceiling {
		return false
	}

	ev := d.logger.Warn().Int("open", open).Uint64("ceiling", ceiling).Uint64("limit", limit)
	if targets, err := d.probe.FDTargets(); err == nil {
		if len(targets) > maxFDSnapshot {
			targets = targets[:maxFDSnapshot]
		}
		ev = ev.Strs("fds", targets)
	}
	ev.Msg("Open descriptor ceiling exceeded")
	return true
}

// consumeCorruptionSignal deletes the mark-corrupted sentinel if present
func (d *Daemon) consumeCorruptionSignal() bool {
	sigs, err := d.store.ListSignals(d.pid)
	if err != nil {
		d.logger.Warn().Err(err).Msg("Cannot read signal queue")
		return false
	}
	for _, sig := range sigs {
		if sig.Name != types.SignalWorkerCorrupted {
			continue
		}
		if err := d.store.DeleteSignal(d.pid, sig.Name); err != nil {
			d.logger.Warn().Err(err).Msg("Cannot consume corruption signal")
		}
		metrics.SignalsProcessed.WithLabelValues(sig.Name).Inc()
		d.logger.Warn().Str("key", types.SignalKey(d.pid, sig.Name)).Msg("Marked corrupted out of band")
		return true
	}
	return false
}
