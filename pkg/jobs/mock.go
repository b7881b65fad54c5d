package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/cuemby/exaworker/pkg/types"
)

// MockHandler completes jobs without touching any appliance.
// A numeric "mock_code" parameter overrides Code and "mock_delay_ms" adds a delay.
type MockHandler struct {
	Code  int
	Delay time.Duration
}

func (m *MockHandler) Execute(ctx context.Context, ec *ExecContext, job *types.JobRequest) (int, error) {
	code := m.Code
	if v, ok := job.Params["mock_code"].(float64); ok {
		code = int(v)
	}
	delay := m.Delay
	if v, ok := job.Params["mock_delay_ms"].(float64); ok {
		delay = time.Duration(v) * time.Millisecond
	}

	fmt.Fprintf(ec.Output, "mock %s %s on %s\n", job.Type, job.Cmd, ec.Hostname)
	if delay > 0 {
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(delay):
		}
	}
	ec.StatusInfo = fmt.Sprintf(`{"mock": true, "cmd": %q}`, job.Cmd)
	return code, nil
}
