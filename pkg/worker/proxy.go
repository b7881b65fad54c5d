package worker

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/cuemby/exaworker/pkg/client"
	"github.com/cuemby/exaworker/pkg/log"
	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
)

// maxPollFailures is how many consecutive coordinator errors end a forwarded job
const maxPollFailures = 5

// Coordinator is the remote service a proxy worker forwards jobs to
type Coordinator interface {
	Submit(ctx context.Context, job *types.JobRequest) (*client.RemoteJob, error)
	Poll(ctx context.Context, uuid string) (*client.RemoteJob, error)
}

// proxyTick forwards the assigned job to the coordinator and waits for it
func (d *Daemon) proxyTick(ctx context.Context, rec *types.WorkerRecord) {
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
	} else {
		out = d.forward(ctx, req, logDir)
	}
	timer.ObserveDurationVec(metrics.JobDuration, req.Type)

	d.finishJob(req, out)
	d.resetIdle(nil)
	logger.Info().Str("error", out.code).Dur("duration", timer.Duration()).Msg("Forwarded job completed")
}

// forward submits req and polls until the coordinator reports it Done
func (d *Daemon) forward(ctx context.Context, req *types.JobRequest, logDir string) outcome {
	if d.coord == nil {
		return outcome{code: types.ErrCodeUnexpected, msg: "no coordinator configured for proxy worker"}
	}
	jl, err := log.NewJobLogger(d.logOut, filepath.Join(logDir, JobLogName), req.UUID)
	if err != nil {
		return classify(err)
	}
	defer jl.Close()

	remote, err := d.coord.Submit(ctx, req)
	if err != nil {
		jl.Error().Err(err).Msg("Coordinator rejected job")
		return classify(err)
	}
	jl.Info().Str("remote_status", string(remote.Status)).Msg("Job forwarded")

	interval := d.cfg.Proxy.PollInterval
	if d.cfg.IsCriticalCommand(req.Cmd) {
		interval = d.cfg.Proxy.CriticalPollInterval
	}

	failures := 0
	for remote.Status != types.JobStatusDone {
		if err := sleep(ctx, interval); err != nil {
			return classify(err)
		}
		next, err := d.coord.Poll(ctx, remote.UUID)
		if err != nil {
			failures++
			jl.Warn().Err(err).Int("failures", failures).Msg("Coordinator poll failed")
			if failures >= maxPollFailures {
				return classify(err)
			}
			continue
		}
		failures = 0
		if next.Status != remote.Status {
			jl.Info().Str("remote_status", string(next.Status)).Msg("Remote status changed")
		}
		remote = next
	}

	code := remote.Error
	if code == "" {
		code = types.NoError
	}
	return outcome{code: code, msg: remote.ErrorStr, statusInfo: remote.StatusInfo}
}
