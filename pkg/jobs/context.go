package jobs

import (
	"errors"
	"io"
	"os"

	"github.com/cuemby/exaworker/pkg/types"
	"github.com/rs/zerolog"
)

// ExecContext is the scoped environment one job runs in. It is acquired
// right before dispatch and closed right after.
type ExecContext struct {
	Hostname string
	Region   string
	Cluster  string

	// LogDir is this request's log directory
	LogDir string
	Logger zerolog.Logger

	// Output receives handler tool output; usually the job log file
	Output io.Writer

	// StatusInfo is copied to the request's statusinfo column after the job
	StatusInfo string

	closers []io.Closer
}

// NewExecContext builds the context for job
func NewExecContext(region string, job *types.JobRequest, logDir string, output io.Writer, logger zerolog.Logger) *ExecContext {
	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	if output == nil {
		output = io.Discard
	}
	return &ExecContext{
		Hostname: host,
		Region:   region,
		Cluster:  job.ClusterName,
		LogDir:   logDir,
		Logger:   logger,
		Output:   output,
	}
}

// OnClose registers c to be closed with the context
func (ec *ExecContext) OnClose(c io.Closer) {
	ec.closers = append(ec.closers, c)
}

// Close releases everything registered with OnClose, last first
func (ec *ExecContext) Close() error {
	var errs []error
	for i := len(ec.closers) - 1; i >= 0; i-- {
		if err := ec.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	ec.closers = nil
	return errors.Join(errs...)
}
