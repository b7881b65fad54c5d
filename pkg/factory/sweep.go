package factory

import (
	"errors"
	"fmt"

	"github.com/cuemby/exaworker/pkg/events"
	"github.com/cuemby/exaworker/pkg/metrics"
	"github.com/cuemby/exaworker/pkg/storage"
	"github.com/cuemby/exaworker/pkg/types"
)

// SweepDanglingRequests finishes requests whose worker died without its exit
// path running (SIGKILL, OOM, host crash). A Pending or Running request is
// dangling when its indexed worker is missing, Exited, or has no live pid.
// Each one is forced to Done with code 703 and its index entry removed.
//
// CheckFactory never calls this; it runs from the sweep and watch commands.
func (f *Factory) SweepDanglingRequests() ([]string, error) {
	requests, err := f.store.ListRequests()
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}

	var swept []string
	for _, req := range requests {
		if req.Status != types.JobStatusPending && req.Status != types.JobStatusRunning {
			continue
		}
		reason, dangling, err := f.danglingReason(req)
		if err != nil {
			return swept, err
		}
		if !dangling {
			continue
		}

		req.Finish(types.ErrCodeTerminated, types.ErrStrTerminated, f.now())
		if err := f.store.UpdateRequest(req); err != nil {
			return swept, fmt.Errorf("failed to terminate request %s: %w", req.UUID, err)
		}
		if err := f.store.DeleteRequestWorker(req.UUID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			return swept, fmt.Errorf("failed to drop request index %s: %w", req.UUID, err)
		}
		metrics.DanglingRequestsSwept.Inc()
		f.events.Publish(&events.Event{
			Type:     events.EventRequestSwept,
			Message:  reason,
			Metadata: map[string]string{"uuid": req.UUID},
		})
		f.logger.Warn().Str("job_id", req.UUID).Str("reason", reason).Msg("Terminated dangling request")
		swept = append(swept, req.UUID)
	}
	return swept, nil
}

func (f *Factory) danglingReason(req *types.JobRequest) (string, bool, error) {
	port, err := f.store.GetRequestWorker(req.UUID)
	if errors.Is(err, storage.ErrNotFound) {
		// never assigned
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}

	w, err := f.store.GetWorker(port)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return "worker record missing", true, nil
	case err != nil:
		return "", false, err
	case w.Status == types.WorkerStatusExited:
		return "worker exited", true, nil
	case w.PID == 0 || !f.proc.Alive(w.PID):
		return "worker pid not alive", true, nil
	}
	return "", false, nil
}
