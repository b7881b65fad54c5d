package worker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"runtime/debug"

	"github.com/cuemby/exaworker/pkg/jobs"
	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
)

// JobLogName is the job log file inside a request's log directory
const JobLogName = "job.log"

// outcome is what a dispatch writes back to the job request
type outcome struct {
	code       string
	msg        string
	statusInfo string
}

// panicError carries a recovered handler panic and its stack
type panicError struct {
	value interface{}
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("handler panic: %v", p.value)
}

// workerTick runs the job assigned to this worker, if any
func (d *Daemon) workerTick(ctx context.Context, rec *types.WorkerRecord) {
	if !rec.HasJob() {
		return
	}
	logger := d.logger.With().Str("job_id", rec.UUID).Logger()

	req, err := d.store.GetRequest(rec.UUID)
	if err != nil {
		logger.Error().Err(err).Msg("Assigned request cannot be loaded")
		if errors.Is(err, storage.ErrNotFound) {
			d.resetIdle(nil)
		}
		return
	}

	d.beginJob(rec, req)

	timer := metrics.NewTimer()
	var out outcome
	logDir, err := JobLogDir(d.cfg.JobLogDir(), req)
	if err != nil {
		out = classify(err)
		logger.Error().Err(err).Msg("Rejected request")
	} else {
		out = d.execute(ctx, req, logDir)
	}
	timer.ObserveDurationVec(metrics.JobDuration, req.Type)

	d.finishJob(req, out)

	var orphans []int
	if logDir != "" {
		orphans = d.housekeeping(req, logDir)
	}
	if d.reap != nil {
		if n := d.reap(); n > 0 {
			logger.Debug().Int("reaped", n).Msg("Reaped exited children")
		}
	}
	reasons := d.selfCheck(orphans)
	d.resetIdle(reasons)

	logger.Info().
		Str("error", out.code).
		Dur("duration", timer.Duration()).
		Msg("Job completed")
}

// beginJob marks the record and the request Running
func (d *Daemon) beginJob(rec *types.WorkerRecord, req *types.JobRequest) {
	d.setStatus(rec, types.WorkerStatusRunning)
	rec.StatusInfo = req.Cmd
	d.updateRecord(rec)

	req.Status = types.JobStatusRunning
	req.UpdatedAt = d.now()
	if err := d.store.UpdateRequest(req); err != nil {
		d.logger.Error().Err(err).Str("job_id", req.UUID).Msg("Failed to mark request running")
	}
}

func (d *Daemon) finishJob(req *types.JobRequest, out outcome) {
	req.Finish(out.code, out.msg, d.now())
	if out.statusInfo != "" {
		req.StatusInfo = out.statusInfo
	}
	if err := d.store.UpdateRequest(req); err != nil {
		d.logger.Error().Err(err).Str("job_id", req.UUID).Msg("Failed to store job result")
	}

	result := "success"
	if !types.IsSuccessCode(out.code) {
		result = "failure"
	}
	metrics.JobsTotal.WithLabelValues(req.Type, result).Inc()
}

// resetIdle returns the record to Idle, flagging it corrupted when reasons is non-empty.
// The record is reloaded first so fields written by others, like the sync lock, survive.
func (d *Daemon) resetIdle(reasons []string) {
	rec, err := d.store.GetWorker(d.port)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reload worker record")
		return
	}
	rec.ResetIdle()
	rec.StatusInfo = ""
	if len(reasons) > 0 {
		rec.State = types.HealthStateCorrupted
		rec.StatusInfo = fmt.Sprintf("corrupted: %v", reasons)
	}
	d.updateRecord(rec)
}

// execute runs req through its handler and translates the result
func (d *Daemon) execute(ctx context.Context, req *types.JobRequest, logDir string) outcome {
	jl, err := log.NewJobLogger(d.logOut, filepath.Join(logDir, JobLogName), req.UUID)
	if err != nil {
		return classify(err)
	}
	ec := jobs.NewExecContext(d.cfg.Region, req, logDir, jl.File(), jl.Logger)
	ec.OnClose(jl)
	defer func() {
		if err := ec.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to release execution context")
		}
	}()

	handler, err := d.registry.Lookup(req.Type)
	if err != nil {
		jl.Error().Err(err).Msg("Invalid job request")
		return classify(err)
	}

	jl.Info().Str("type", req.Type).Str("cmd", req.Cmd).Msg("Dispatching job")
	code, err := invoke(ctx, handler, ec, req)
	if err != nil {
		jl.Error().Err(err).Msg("Job failed")
		d.collectDiagnostics(req, logDir, err)
		out := classify(err)
		out.statusInfo = ec.StatusInfo
		return out
	}

	c, msg := jobs.TranslateCode(code)
	jl.Info().Int("code", code).Str("error", c).Msg("Job returned")
	return outcome{code: c, msg: msg, statusInfo: ec.StatusInfo}
}

// invoke calls the handler, turning a panic into an error
func invoke(ctx context.Context, h jobs.Handler, ec *jobs.ExecContext, req *types.JobRequest) (code int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return h.Execute(ctx, ec, req)
}

// classify maps a dispatch error to the code stored on the request
func classify(err error) outcome {
	if re, ok := types.AsRuntimeError(err); ok {
		return outcome{code: re.Code, msg: re.Message}
	}
	return outcome{code: types.ErrCodeUnexpected, msg: err.Error()}
}
