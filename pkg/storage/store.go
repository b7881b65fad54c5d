package storage

import (
	"errors"
	"fmt"

	"github.com/cuemby/exaworker/pkg/types"
)

// ErrNotFound is returned (wrapped) when a row does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for the shared worker pool datastore
type Store interface {
	// Worker records, keyed by port
	UpsertWorker(w *types.WorkerRecord) error
	GetWorker(port int) (*types.WorkerRecord, error)
	ListWorkers() ([]*types.WorkerRecord, error)
	// UpdateWorker rewrites an existing record but keeps its stored sync lock;
	// the lock only moves through AcquireSyncLock and ReleaseSyncLock.
	UpdateWorker(w *types.WorkerRecord) error
	DeleteWorker(port int) error
	DeleteWorkersByStatus(status types.WorkerStatus) (int, error)

	// Advisory sync lock on a worker record (compare-and-set on the owner stamp)
	AcquireSyncLock(port int, owner string) (bool, error)
	ReleaseSyncLock(port int, owner string) (bool, error)

	// Job requests
	CreateRequest(r *types.JobRequest) error
	GetRequest(uuid string) (*types.JobRequest, error)
	ListRequests() ([]*types.JobRequest, error)
	UpdateRequest(r *types.JobRequest) error

	// uuid <-> worker port index
	SetRequestWorker(uuid string, port int) error
	GetRequestWorker(uuid string) (int, error)
	DeleteRequestWorker(uuid string) error

	// Signal queue, addressed by pid
	SendSignal(sig *types.Signal) error
	ListSignals(pid int) ([]*types.Signal, error)
	DeleteSignal(pid int, name string) error

	// Utility
	Close() error
}

// Driver names accepted by Open
const (
	DriverBolt   = "bolt"
	DriverSQLite = "sqlite"
)

// Open opens the datastore selected by driver under dataDir
func Open(driver, dataDir string) (Store, error) {
	switch driver {
	case "", DriverBolt:
		return NewBoltStore(dataDir)
	case DriverSQLite:
		return NewSQLiteStore(dataDir)
	default:
		return nil, fmt.Errorf("unknown datastore driver: %s", driver)
	}
}

func notFound(kind string, key interface{}) error {
	return fmt.Errorf("%s %v: %w", kind, key, ErrNotFound)
}
