package log

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetLogger(t *testing.T) {
	t.Cleanup(func() { Init(Config{Level: InfoLevel, Output: os.Stdout}) })
}

func readJobLine(t *testing.T, path string) map[string]interface{} {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &line))
	return line
}

func TestJobLoggerFollowsConsoleFormat(t *testing.T) {
	resetLogger(t)
	var workerLog bytes.Buffer
	Init(Config{Level: InfoLevel, Output: &workerLog})

	path := filepath.Join(t.TempDir(), "job-1", "job.log")
	jl, err := NewJobLogger(&workerLog, path, "job-1")
	require.NoError(t, err)
	jl.Info().Msg("Dispatching job")
	require.NoError(t, jl.Close())

	out := workerLog.String()
	assert.False(t, strings.HasPrefix(out, "{"), "worker log copy is console formatted: %s", out)
	assert.Contains(t, out, "Dispatching job")
	assert.Contains(t, out, "job_id=job-1")

	line := readJobLine(t, path)
	assert.Equal(t, "job-1", line["job_id"])
	assert.Equal(t, "Dispatching job", line["message"])
}

func TestJobLoggerFollowsJSONFormat(t *testing.T) {
	resetLogger(t)
	var workerLog bytes.Buffer
	Init(Config{Level: InfoLevel, JSONOutput: true, Output: &workerLog})

	path := filepath.Join(t.TempDir(), "job.log")
	jl, err := NewJobLogger(&workerLog, path, "job-2")
	require.NoError(t, err)
	jl.Warn().Msg("Job failed")
	require.NoError(t, jl.Close())

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(workerLog.Bytes()), &line))
	assert.Equal(t, "job-2", line["job_id"])
	assert.Equal(t, "warn", line["level"])

	assert.Equal(t, "Job failed", readJobLine(t, path)["message"])
}

func TestParseLevelFallback(t *testing.T) {
	assert.Equal(t, parseLevel(InfoLevel), parseLevel("verbose"))
}
