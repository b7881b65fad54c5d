package jobs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/cuemby/exaworker/pkg/config"
	"github.com/cuemby/exaworker/pkg/types"
)

// result is what a handler tool may write to $EXAWORKER_RESULT_FILE.
// It takes precedence over the exit status, which cannot carry 0x701xxxx codes.
type result struct {
	Code       int    `json:"code"`
	StatusInfo string `json:"statusinfo"`
}

// CommandHandler runs an appliance tool for one job kind.
// The tool gets the job as JSON on stdin and the command as its last argument.
type CommandHandler struct {
	Kind Kind
	Argv []string
}

// Execute runs the tool and returns its status code
func (h *CommandHandler) Execute(ctx context.Context, ec *ExecContext, job *types.JobRequest) (int, error) {
	if len(h.Argv) == 0 {
		return 0, fmt.Errorf("no command configured for %s", h.Kind)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return 0, fmt.Errorf("failed to encode job: %w", err)
	}

	if err := os.MkdirAll(ec.LogDir, 0755); err != nil {
		return 0, fmt.Errorf("failed to create job log dir: %w", err)
	}
	resultPath := filepath.Join(ec.LogDir, string(h.Kind)+".result.json")
	_ = os.Remove(resultPath)

	args := append(append([]string{}, h.Argv[1:]...), job.Cmd)
	cmd := exec.CommandContext(ctx, h.Argv[0], args...)
	cmd.Stdin = bytes.NewReader(payload)
	cmd.Stdout = ec.Output
	cmd.Stderr = ec.Output
	cmd.Dir = ec.LogDir
	cmd.Env = append(os.Environ(),
		"EXAWORKER_JOB_ID="+job.UUID,
		"EXAWORKER_JOB_TYPE="+job.Type,
		"EXAWORKER_CLUSTER="+ec.Cluster,
		"EXAWORKER_REGION="+ec.Region,
		"EXAWORKER_HOSTNAME="+ec.Hostname,
		"EXAWORKER_LOG_DIR="+ec.LogDir,
		"EXAWORKER_RESULT_FILE="+resultPath,
	)

	ec.Logger.Info().Strs("argv", cmd.Args).Msg("Running handler command")
	runErr := cmd.Run()

	code := 0
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
	case errors.As(runErr, &exitErr):
		code = exitErr.ExitCode()
	default:
		return 0, fmt.Errorf("failed to run %s: %w", h.Argv[0], runErr)
	}

	if data, err := os.ReadFile(resultPath); err == nil {
		var res result
		if err := json.Unmarshal(data, &res); err != nil {
			return 0, fmt.Errorf("malformed result file: %w", err)
		}
		code = res.Code
		ec.StatusInfo = res.StatusInfo
	}
	return code, nil
}

// FromConfig builds the production registry. Kinds without an explicit argv
// run <handler_dir>/<kind>. In mock mode every kind is a MockHandler.
func FromConfig(cfg *config.Config) (*Registry, error) {
	handlers := make(map[Kind]Handler, len(Kinds))
	if cfg.Mock {
		for _, k := range Kinds {
			handlers[k] = &MockHandler{}
		}
		return NewRegistry(handlers)
	}

	for _, k := range Kinds {
		handlers[k] = &CommandHandler{Kind: k, Argv: []string{filepath.Join(cfg.HandlerDir, string(k))}}
	}
	for name, argv := range cfg.Handlers {
		k := Kind(name)
		handlers[k] = &CommandHandler{Kind: k, Argv: argv}
	}
	return NewRegistry(handlers)
}
