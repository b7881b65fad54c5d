package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/cuemby/exaworker/pkg/types"
	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store on a relational sqlite database
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (and migrates) <dataDir>/exaworker.sqlite
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	path := filepath.Join(dataDir, "exaworker.sqlite")
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	q := `
	CREATE TABLE IF NOT EXISTS workers (
		port INTEGER PRIMARY KEY,
		uuid TEXT NOT NULL DEFAULT 'null',
		status TEXT NOT NULL,
		statusinfo TEXT NOT NULL DEFAULT '',
		starttime TEXT NOT NULL DEFAULT '',
		endtime TEXT NOT NULL DEFAULT '',
		error TEXT NOT NULL DEFAULT '0',
		error_str TEXT NOT NULL DEFAULT '',
		pid INTEGER NOT NULL DEFAULT 0,
		type TEXT NOT NULL,
		sync_lock TEXT NOT NULL DEFAULT '',
		last_active_time TEXT NOT NULL DEFAULT '',
		state TEXT NOT NULL DEFAULT 'NORMAL'
	);
	CREATE TABLE IF NOT EXISTS requests (
		uuid TEXT PRIMARY KEY,
		created_at DATETIME,
		body TEXT NOT NULL
	);
	CREATE TABLE IF NOT EXISTS request_workers (
		uuid TEXT PRIMARY KEY,
		port INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS signals (
		pid INTEGER NOT NULL,
		name TEXT NOT NULL,
		created_at DATETIME,
		PRIMARY KEY (pid, name)
	);
	`
	_, err := s.db.Exec(q)
	return err
}

// Close closes the database
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

const workerColumns = `port, uuid, status, statusinfo, starttime, endtime, error, error_str,
	pid, type, sync_lock, last_active_time, state`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanWorker(row rowScanner) (*types.WorkerRecord, error) {
	var w types.WorkerRecord
	err := row.Scan(&w.Port, &w.UUID, &w.Status, &w.StatusInfo, &w.StartTime, &w.EndTime,
		&w.Error, &w.ErrorStr, &w.PID, &w.Type, &w.SyncLock, &w.LastActiveTime, &w.State)
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (s *SQLiteStore) UpsertWorker(w *types.WorkerRecord) error {
	_, err := s.db.Exec(`INSERT INTO workers (`+workerColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(port) DO UPDATE SET
			uuid=excluded.uuid, status=excluded.status, statusinfo=excluded.statusinfo,
			starttime=excluded.starttime, endtime=excluded.endtime, error=excluded.error,
			error_str=excluded.error_str, pid=excluded.pid, type=excluded.type,
			sync_lock=excluded.sync_lock, last_active_time=excluded.last_active_time,
			state=excluded.state`,
		w.Port, w.UUID, w.Status, w.StatusInfo, w.StartTime, w.EndTime, w.Error, w.ErrorStr,
		w.PID, w.Type, w.SyncLock, w.LastActiveTime, w.State)
	return err
}

func (s *SQLiteStore) GetWorker(port int) (*types.WorkerRecord, error) {
	row := s.db.QueryRow(`SELECT `+workerColumns+` FROM workers WHERE port = ?`, port)
	w, err := scanWorker(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("worker", port)
	}
	return w, err
}

func (s *SQLiteStore) ListWorkers() ([]*types.WorkerRecord, error) {
	rows, err := s.db.Query(`SELECT ` + workerColumns + ` FROM workers ORDER BY port`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workers []*types.WorkerRecord
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *SQLiteStore) UpdateWorker(w *types.WorkerRecord) error {
	res, err := s.db.Exec(`UPDATE workers SET uuid=?, status=?, statusinfo=?, starttime=?,
		endtime=?, error=?, error_str=?, pid=?, type=?, last_active_time=?, state=?
		WHERE port=?`,
		w.UUID, w.Status, w.StatusInfo, w.StartTime, w.EndTime, w.Error, w.ErrorStr, w.PID,
		w.Type, w.LastActiveTime, w.State, w.Port)
	if err != nil {
		return err
	}
	return expectRow(res, "worker", w.Port)
}

func (s *SQLiteStore) DeleteWorker(port int) error {
	_, err := s.db.Exec(`DELETE FROM workers WHERE port = ?`, port)
	return err
}

func (s *SQLiteStore) DeleteWorkersByStatus(status types.WorkerStatus) (int, error) {
	res, err := s.db.Exec(`DELETE FROM workers WHERE status = ?`, status)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLiteStore) AcquireSyncLock(port int, owner string) (bool, error) {
	res, err := s.db.Exec(`UPDATE workers SET sync_lock = ?
		WHERE port = ? AND (sync_lock = '' OR sync_lock = ?)`, owner, port, owner)
	return s.lockResult(res, err, port)
}

func (s *SQLiteStore) ReleaseSyncLock(port int, owner string) (bool, error) {
	res, err := s.db.Exec(`UPDATE workers SET sync_lock = '' WHERE port = ? AND sync_lock = ?`,
		port, owner)
	return s.lockResult(res, err, port)
}

func (s *SQLiteStore) lockResult(res sql.Result, err error, port int) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetWorker(port); err != nil {
		return false, err
	}
	return false, nil
}

func (s *SQLiteStore) CreateRequest(r *types.JobRequest) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(`INSERT INTO requests (uuid, created_at, body) VALUES (?, ?, ?)
		ON CONFLICT(uuid) DO UPDATE SET body=excluded.body`, r.UUID, r.CreatedAt.UTC(), string(body))
	return err
}

func (s *SQLiteStore) GetRequest(uuid string) (*types.JobRequest, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM requests WHERE uuid = ?`, uuid).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("request", uuid)
	}
	if err != nil {
		return nil, err
	}
	var r types.JobRequest
	if err := json.Unmarshal([]byte(body), &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *SQLiteStore) ListRequests() ([]*types.JobRequest, error) {
	rows, err := s.db.Query(`SELECT body FROM requests ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []*types.JobRequest
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var r types.JobRequest
		if err := json.Unmarshal([]byte(body), &r); err != nil {
			return nil, err
		}
		requests = append(requests, &r)
	}
	return requests, rows.Err()
}

func (s *SQLiteStore) UpdateRequest(r *types.JobRequest) error {
	body, err := json.Marshal(r)
	if err != nil {
		return err
	}
	res, err := s.db.Exec(`UPDATE requests SET body = ? WHERE uuid = ?`, string(body), r.UUID)
	if err != nil {
		return err
	}
	return expectRow(res, "request", r.UUID)
}

func (s *SQLiteStore) SetRequestWorker(uuid string, port int) error {
	_, err := s.db.Exec(`INSERT INTO request_workers (uuid, port) VALUES (?, ?)
		ON CONFLICT(uuid) DO UPDATE SET port=excluded.port`, uuid, port)
	return err
}

func (s *SQLiteStore) GetRequestWorker(uuid string) (int, error) {
	var port int
	err := s.db.QueryRow(`SELECT port FROM request_workers WHERE uuid = ?`, uuid).Scan(&port)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, notFound("request index", uuid)
	}
	return port, err
}

func (s *SQLiteStore) DeleteRequestWorker(uuid string) error {
	_, err := s.db.Exec(`DELETE FROM request_workers WHERE uuid = ?`, uuid)
	return err
}

func (s *SQLiteStore) SendSignal(sig *types.Signal) error {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = time.Now()
	}
	_, err := s.db.Exec(`INSERT INTO signals (pid, name, created_at) VALUES (?, ?, ?)
		ON CONFLICT(pid, name) DO UPDATE SET created_at=excluded.created_at`,
		sig.PID, sig.Name, sig.CreatedAt.UTC())
	return err
}

func (s *SQLiteStore) ListSignals(pid int) ([]*types.Signal, error) {
	rows, err := s.db.Query(`SELECT pid, name, created_at FROM signals WHERE pid = ? ORDER BY created_at`, pid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*types.Signal
	for rows.Next() {
		var sig types.Signal
		if err := rows.Scan(&sig.PID, &sig.Name, &sig.CreatedAt); err != nil {
			return nil, err
		}
		signals = append(signals, &sig)
	}
	return signals, rows.Err()
}

func (s *SQLiteStore) DeleteSignal(pid int, name string) error {
	_, err := s.db.Exec(`DELETE FROM signals WHERE pid = ? AND name = ?`, pid, name)
	return err
}

func expectRow(res sql.Result, kind string, key interface{}) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return notFound(kind, key)
	}
	return nil
}
