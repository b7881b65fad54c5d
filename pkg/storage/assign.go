package storage

import (
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/exaworker/pkg/types"
	"github.com/google/uuid"
)

// ErrLockHeld is returned when another owner holds a worker's sync lock
var ErrLockHeld = errors.New("sync lock held by another owner")

// ErrWorkerBusy is returned when a request is assigned to a worker that is not idle
var ErrWorkerBusy = errors.New("worker is not idle")

// WithSyncLock runs fn while holding the advisory sync lock of the worker at port.
// The owner stamp is a fresh uuid so that a crashed holder can be identified.
func WithSyncLock(s Store, port int, fn func() error) error {
	owner := uuid.New().String()
	ok, err := s.AcquireSyncLock(port, owner)
	if err != nil {
		return fmt.Errorf("failed to acquire sync lock on %d: %w", port, err)
	}
	if !ok {
		return fmt.Errorf("worker %d: %w", port, ErrLockHeld)
	}
	defer s.ReleaseSyncLock(port, owner)
	return fn()
}

// AssignRequest stores req as Pending and hands it to the idle worker at port
func AssignRequest(s Store, req *types.JobRequest, port int) error {
	return WithSyncLock(s, port, func() error {
		w, err := s.GetWorker(port)
		if err != nil {
			return err
		}
		if w.Status != types.WorkerStatusIdle || w.HasJob() {
			return fmt.Errorf("worker %d (%s, job %s): %w", port, w.Status, w.UUID, ErrWorkerBusy)
		}

		now := time.Now()
		if req.CreatedAt.IsZero() {
			req.CreatedAt = now
		}
		req.UpdatedAt = now
		req.Status = types.JobStatusPending
		if req.Error == "" {
			req.Error = types.NoError
		}
		if err := s.CreateRequest(req); err != nil {
			return fmt.Errorf("failed to store request: %w", err)
		}
		if err := s.SetRequestWorker(req.UUID, port); err != nil {
			return fmt.Errorf("failed to index request: %w", err)
		}

		// reload: the lock acquisition rewrote the record
		w, err = s.GetWorker(port)
		if err != nil {
			return err
		}
		w.UUID = req.UUID
		return s.UpdateWorker(w)
	})
}

// FindIdleWorker returns the lowest-port idle, healthy worker of the given type
func FindIdleWorker(s Store, wtype types.WorkerType) (*types.WorkerRecord, error) {
	workers, err := s.ListWorkers()
	if err != nil {
		return nil, err
	}
	for _, w := range workers {
		if w.Type == wtype && w.Status == types.WorkerStatusIdle && !w.HasJob() &&
			w.State != types.HealthStateCorrupted && w.SyncLock == "" {
			return w, nil
		}
	}
	return nil, notFound("idle worker of type", wtype)
}
