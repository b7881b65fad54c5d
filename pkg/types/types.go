package types

import (
	"fmt"
	"time"
)

// NullUUID is stored in WorkerRecord.UUID while no job is assigned
const NullUUID = "null"

// NoError is the error code of a record or request that completed cleanly
const NoError = "0"

// ActiveTimeLayout always renders six fractional digits, even when they are zero
const ActiveTimeLayout = "2006-01-02 15:04:05.000000"

// WorkerStatus is the lifecycle status of a worker process
type WorkerStatus string

const (
	WorkerStatusIdle       WorkerStatus = "Idle"
	WorkerStatusRunning    WorkerStatus = "Running"
	WorkerStatusExited     WorkerStatus = "Exited"
	WorkerStatusRefreshing WorkerStatus = "Refreshing"
)

// WorkerType selects what a worker process does with its record
type WorkerType string

const (
	WorkerTypeWorker        WorkerType = "worker"
	WorkerTypeProxy         WorkerType = "proxy"
	WorkerTypeMonitor       WorkerType = "monitor"
	WorkerTypeSupervisor    WorkerType = "supervisor"
	WorkerTypeDispatcher    WorkerType = "dispatcher"
	WorkerTypeWorkerManager WorkerType = "workermanager"
	WorkerTypeScheduler     WorkerType = "scheduler"
	WorkerTypeHeartbeat     WorkerType = "heartbeat"
)

// IsStandalone reports whether the type is lifecycle-managed outside the factory.
// Standalone workers are skipped by the liveness sweep and by pool shutdown.
func (t WorkerType) IsStandalone() bool {
	switch t {
	case WorkerTypeSupervisor, WorkerTypeDispatcher, WorkerTypeWorkerManager,
		WorkerTypeScheduler, WorkerTypeHeartbeat:
		return true
	}
	return false
}

// Valid reports whether t is one of the known worker types
func (t WorkerType) Valid() bool {
	switch t {
	case WorkerTypeWorker, WorkerTypeProxy, WorkerTypeMonitor:
		return true
	}
	return t.IsStandalone()
}

// HealthState is the self-reported health flag of a worker
type HealthState string

const (
	HealthStateNormal    HealthState = "NORMAL"
	HealthStateCorrupted HealthState = "CORRUPTED"
)

// WorkerRecord is the persisted state of one worker process, keyed by Port
type WorkerRecord struct {
	UUID           string       `json:"uuid"`
	Status         WorkerStatus `json:"status"`
	StatusInfo     string       `json:"statusinfo"`
	StartTime      string       `json:"starttime"`
	EndTime        string       `json:"endtime"`
	Error          string       `json:"error"`
	ErrorStr       string       `json:"error_str"`
	PID            int          `json:"pid"`
	Port           int          `json:"port"`
	Type           WorkerType   `json:"type"`
	SyncLock       string       `json:"sync_lock"`
	LastActiveTime string       `json:"last_active_time"`
	State          HealthState  `json:"state"`
}

// NewWorkerRecord returns the record a freshly started worker registers
func NewWorkerRecord(port, pid int, wtype WorkerType, now time.Time) *WorkerRecord {
	return &WorkerRecord{
		UUID:           NullUUID,
		Status:         WorkerStatusIdle,
		StartTime:      FormatActiveTime(now),
		Error:          NoError,
		PID:            pid,
		Port:           port,
		Type:           wtype,
		LastActiveTime: FormatActiveTime(now),
		State:          HealthStateNormal,
	}
}

// HasJob reports whether a job id is currently assigned
func (w *WorkerRecord) HasJob() bool {
	return w.UUID != "" && w.UUID != NullUUID
}

// Touch stamps the record as active at now
func (w *WorkerRecord) Touch(now time.Time) {
	w.LastActiveTime = FormatActiveTime(now)
}

// ResetIdle clears the job assignment and error before the record goes back to Idle
func (w *WorkerRecord) ResetIdle() {
	w.UUID = NullUUID
	w.Status = WorkerStatusIdle
	w.Error = NoError
	w.ErrorStr = ""
	w.EndTime = ""
}

// MarkExited deregisters the record
func (w *WorkerRecord) MarkExited(now time.Time) {
	w.Status = WorkerStatusExited
	w.PID = 0
	w.State = HealthStateNormal
	w.EndTime = FormatActiveTime(now)
}

// LastActive parses LastActiveTime, returning the zero time on malformed values
func (w *WorkerRecord) LastActive() time.Time {
	t, err := time.ParseInLocation(ActiveTimeLayout, w.LastActiveTime, time.Local)
	if err != nil {
		return time.Time{}
	}
	return t
}

// FormatActiveTime renders t with explicit microsecond precision
func FormatActiveTime(t time.Time) string {
	return t.Format(ActiveTimeLayout)
}

// ValidTransition reports whether a worker of type wtype may move from one status to another.
// Any status may become Exited; Refreshing is reserved for monitors.
func ValidTransition(from, to WorkerStatus, wtype WorkerType) bool {
	if from == to || to == WorkerStatusExited {
		return true
	}
	switch from {
	case WorkerStatusIdle:
		if to == WorkerStatusRunning {
			return true
		}
		return to == WorkerStatusRefreshing && wtype == WorkerTypeMonitor
	case WorkerStatusRunning:
		if to == WorkerStatusIdle {
			return true
		}
		return to == WorkerStatusRefreshing && wtype == WorkerTypeMonitor
	case WorkerStatusRefreshing:
		return wtype == WorkerTypeMonitor && (to == WorkerStatusRunning || to == WorkerStatusIdle)
	case WorkerStatusExited:
		// a re-registering process starts over from Idle
		return to == WorkerStatusIdle
	}
	return false
}

// JobStatus is the lifecycle status of a job request
type JobStatus string

const (
	JobStatusPending JobStatus = "Pending"
	JobStatusRunning JobStatus = "Running"
	JobStatusDone    JobStatus = "Done"
)

// JobRequest is a unit of work assigned to a worker
type JobRequest struct {
	UUID        string                 `json:"uuid"`
	Type        string                 `json:"type"`
	Cmd         string                 `json:"cmd"`
	Params      map[string]interface{} `json:"params,omitempty"`
	Status      JobStatus              `json:"status"`
	Error       string                 `json:"error"`
	ErrorStr    string                 `json:"error_str"`
	StatusInfo  string                 `json:"statusinfo"`
	ExaunitID   string                 `json:"exaunit_id,omitempty"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	ClusterName string                 `json:"cluster_name,omitempty"`
	Steps       []string               `json:"steps,omitempty"`
	Undo        bool                   `json:"undo,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Finish marks the request Done with the given error code and message
func (r *JobRequest) Finish(code, msg string, now time.Time) {
	r.Status = JobStatusDone
	r.Error = code
	r.ErrorStr = msg
	r.UpdatedAt = now
}

// Signal is a pid-addressed control message queued in the datastore
type Signal struct {
	PID       int       `json:"pid"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

const (
	// SignalReload re-initializes process-wide configuration
	SignalReload = "RELOAD"

	// SignalWorkerCorrupted asks a worker to flag itself CORRUPTED after its next job
	SignalWorkerCorrupted = "WORKER_CORRUPTED"
)

// Key returns the queue key of the signal
func (s *Signal) Key() string {
	return SignalKey(s.PID, s.Name)
}

// SignalKey builds the "<pid>_<name>" key used by the signal queue
func SignalKey(pid int, name string) string {
	return fmt.Sprintf("%d_%s", pid, name)
}
