package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cuemby/exaworker/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketWorkers        = []byte("workers")
	bucketRequests       = []byte("requests")
	bucketRequestWorkers = []byte("request_workers")
	bucketSignals        = []byte("signals")
)

// lockTimeout bounds how long a transaction waits for another process' file lock
const lockTimeout = 10 * time.Second

// BoltStore implements Store using BoltDB.
// Every worker process shares the same file and bolt holds its file lock for
// as long as the handle is open, so the database is opened per transaction:
// read-write for updates and shared read-only for views.
type BoltStore struct {
	path string
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "exaworker.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketWorkers,
			bucketRequests,
			bucketRequestWorkers,
			bucketSignals,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		return nil, err
	}

	return &BoltStore{path: dbPath}, nil
}

// Path returns the database file path
func (s *BoltStore) Path() string {
	return s.path
}

// Close is a no-op; no handle is held between transactions
func (s *BoltStore) Close() error {
	return nil
}

func (s *BoltStore) update(fn func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: lockTimeout})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return db.Update(fn)
}

func (s *BoltStore) view(fn func(tx *bolt.Tx) error) error {
	db, err := bolt.Open(s.path, 0600, &bolt.Options{Timeout: lockTimeout, ReadOnly: true})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()
	return db.View(fn)
}

func portKey(port int) []byte {
	return []byte(strconv.Itoa(port))
}

func putJSON(b *bolt.Bucket, key []byte, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put(key, data)
}

// Worker operations
func (s *BoltStore) UpsertWorker(w *types.WorkerRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketWorkers), portKey(w.Port), w)
	})
}

func (s *BoltStore) GetWorker(port int) (*types.WorkerRecord, error) {
	var w types.WorkerRecord
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get(portKey(port))
		if data == nil {
			return notFound("worker", port)
		}
		return json.Unmarshal(data, &w)
	})
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *BoltStore) ListWorkers() ([]*types.WorkerRecord, error) {
	var workers []*types.WorkerRecord
	err := s.view(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var w types.WorkerRecord
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			workers = append(workers, &w)
			return nil
		})
	})
	sort.Slice(workers, func(i, j int) bool { return workers[i].Port < workers[j].Port })
	return workers, err
}

func (s *BoltStore) UpdateWorker(w *types.WorkerRecord) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get(portKey(w.Port))
		if data == nil {
			return notFound("worker", w.Port)
		}
		var stored types.WorkerRecord
		if err := json.Unmarshal(data, &stored); err != nil {
			return err
		}
		rec := *w
		rec.SyncLock = stored.SyncLock
		return putJSON(b, portKey(w.Port), &rec)
	})
}

func (s *BoltStore) DeleteWorker(port int) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).Delete(portKey(port))
	})
}

func (s *BoltStore) DeleteWorkersByStatus(status types.WorkerStatus) (int, error) {
	deleted := 0
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		var keys [][]byte
		err := b.ForEach(func(k, v []byte) error {
			var w types.WorkerRecord
			if err := json.Unmarshal(v, &w); err != nil {
				return err
			}
			if w.Status == status {
				// keys are only valid for the life of the transaction
				keys = append(keys, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Sync lock operations
func (s *BoltStore) AcquireSyncLock(port int, owner string) (bool, error) {
	return s.swapSyncLock(port, func(current string) (string, bool) {
		if current != "" && current != owner {
			return current, false
		}
		return owner, true
	})
}

func (s *BoltStore) ReleaseSyncLock(port int, owner string) (bool, error) {
	return s.swapSyncLock(port, func(current string) (string, bool) {
		if current != owner {
			return current, false
		}
		return "", true
	})
}

func (s *BoltStore) swapSyncLock(port int, swap func(current string) (string, bool)) (bool, error) {
	ok := false
	err := s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get(portKey(port))
		if data == nil {
			return notFound("worker", port)
		}
		var w types.WorkerRecord
		if err := json.Unmarshal(data, &w); err != nil {
			return err
		}
		next, swapped := swap(w.SyncLock)
		if !swapped {
			return nil
		}
		ok = true
		w.SyncLock = next
		return putJSON(b, portKey(port), &w)
	})
	return ok, err
}

// Job request operations
func (s *BoltStore) CreateRequest(r *types.JobRequest) error {
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketRequests), []byte(r.UUID), r)
	})
}

func (s *BoltStore) GetRequest(uuid string) (*types.JobRequest, error) {
	var r types.JobRequest
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(uuid))
		if data == nil {
			return notFound("request", uuid)
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRequests() ([]*types.JobRequest, error) {
	var requests []*types.JobRequest
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRequests).Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var r types.JobRequest
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			requests = append(requests, &r)
		}
		return nil
	})
	sort.SliceStable(requests, func(i, j int) bool {
		return requests[i].CreatedAt.Before(requests[j].CreatedAt)
	})
	return requests, err
}

func (s *BoltStore) UpdateRequest(r *types.JobRequest) error {
	return s.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		if b.Get([]byte(r.UUID)) == nil {
			return notFound("request", r.UUID)
		}
		return putJSON(b, []byte(r.UUID), r)
	})
}

// Request index operations
func (s *BoltStore) SetRequestWorker(uuid string, port int) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequestWorkers).Put([]byte(uuid), portKey(port))
	})
}

func (s *BoltStore) GetRequestWorker(uuid string) (int, error) {
	var port int
	err := s.view(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequestWorkers).Get([]byte(uuid))
		if data == nil {
			return notFound("request index", uuid)
		}
		p, err := strconv.Atoi(string(data))
		if err != nil {
			return fmt.Errorf("corrupt request index for %s: %w", uuid, err)
		}
		port = p
		return nil
	})
	return port, err
}

func (s *BoltStore) DeleteRequestWorker(uuid string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequestWorkers).Delete([]byte(uuid))
	})
}

// Signal operations
func (s *BoltStore) SendSignal(sig *types.Signal) error {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	return s.update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketSignals), []byte(sig.Key()), sig)
	})
}

func (s *BoltStore) ListSignals(pid int) ([]*types.Signal, error) {
	var signals []*types.Signal
	prefix := []byte(strconv.Itoa(pid) + "_")
	err := s.view(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketSignals).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sig types.Signal
			if err := json.Unmarshal(v, &sig); err != nil {
				return err
			}
			signals = append(signals, &sig)
		}
		return nil
	})
	return signals, err
}

func (s *BoltStore) DeleteSignal(pid int, name string) error {
	return s.update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSignals).Delete([]byte(types.SignalKey(pid, name)))
	})
}
