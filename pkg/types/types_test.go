package types

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWorkerTypeIsStandalone(t *testing.T) {
	tests := []struct {
		wtype      WorkerType
		standalone bool
	}{
		{WorkerTypeWorker, false},
		{WorkerTypeProxy, false},
		{WorkerTypeMonitor, false},
		{WorkerTypeSupervisor, true},
		{WorkerTypeDispatcher, true},
		{WorkerTypeWorkerManager, true},
		{WorkerTypeScheduler, true},
		{WorkerTypeHeartbeat, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.wtype), func(t *testing.T) {
			assert.Equal(t, tt.standalone, tt.wtype.IsStandalone())
			assert.True(t, tt.wtype.Valid())
		})
	}

	assert.False(t, WorkerType("bogus").Valid())
}

func TestFormatActiveTimeKeepsFraction(t *testing.T) {
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.Local)
	formatted := FormatActiveTime(ts)

	assert.Equal(t, "2026-01-02 03:04:05.000000", formatted)

	rec := &WorkerRecord{LastActiveTime: formatted}
	assert.True(t, rec.LastActive().Equal(ts))
}

func TestLastActiveMalformed(t *testing.T) {
	rec := &WorkerRecord{LastActiveTime: "yesterday"}
	assert.True(t, rec.LastActive().IsZero())
}

func TestWorkerRecordLifecycle(t *testing.T) {
	now := time.Now()
	rec := NewWorkerRecord(9000, 1234, WorkerTypeWorker, now)

	assert.Equal(t, NullUUID, rec.UUID)
	assert.Equal(t, WorkerStatusIdle, rec.Status)
	assert.Equal(t, HealthStateNormal, rec.State)
	assert.False(t, rec.HasJob())

	rec.UUID = "job-1"
	rec.Status = WorkerStatusRunning
	rec.Error = "709"
	assert.True(t, rec.HasJob())

	rec.ResetIdle()
	assert.Equal(t, NullUUID, rec.UUID)
	assert.Equal(t, WorkerStatusIdle, rec.Status)
	assert.Equal(t, NoError, rec.Error)

	rec.State = HealthStateCorrupted
	rec.MarkExited(now)
	assert.Equal(t, WorkerStatusExited, rec.Status)
	assert.Equal(t, 0, rec.PID)
	assert.Equal(t, HealthStateNormal, rec.State)
}

func TestValidTransition(t *testing.T) {
	tests := []struct {
		name  string
		from  WorkerStatus
		to    WorkerStatus
		wtype WorkerType
		valid bool
	}{
		{"idle to running", WorkerStatusIdle, WorkerStatusRunning, WorkerTypeWorker, true},
		{"running to idle", WorkerStatusRunning, WorkerStatusIdle, WorkerTypeWorker, true},
		{"any to exited", WorkerStatusRunning, WorkerStatusExited, WorkerTypeWorker, true},
		{"worker cannot refresh", WorkerStatusRunning, WorkerStatusRefreshing, WorkerTypeWorker, false},
		{"monitor refreshes", WorkerStatusRunning, WorkerStatusRefreshing, WorkerTypeMonitor, true},
		{"monitor back to running", WorkerStatusRefreshing, WorkerStatusRunning, WorkerTypeMonitor, true},
		{"exited cannot run", WorkerStatusExited, WorkerStatusRunning, WorkerTypeWorker, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.valid, ValidTransition(tt.from, tt.to, tt.wtype))
		})
	}
}

func TestIsSuccessCode(t *testing.T) {
	assert.True(t, IsSuccessCode(NoError))
	assert.True(t, IsSuccessCode(""))
	assert.True(t, IsSuccessCode("701-614"))
	assert.False(t, IsSuccessCode("701-600"))
	assert.False(t, IsSuccessCode(ErrCodeUnexpected))
}

func TestRuntimeError(t *testing.T) {
	err := HandlerError(614, "nothing to do")
	assert.Equal(t, "701-614", err.Code)
	assert.True(t, strings.HasPrefix(err.Error(), "701-614"))

	re, ok := AsRuntimeError(err)
	assert.True(t, ok)
	assert.Equal(t, err, re)

	_, ok = AsRuntimeError(assert.AnError)
	assert.False(t, ok)
}

func TestSignalKey(t *testing.T) {
	sig := &Signal{PID: 42, Name: SignalWorkerCorrupted}
	assert.Equal(t, "42_WORKER_CORRUPTED", sig.Key())
}
