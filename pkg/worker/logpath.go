package worker

import (
	"crypto/sha1"
	"encoding/hex"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/cuemby/exaworker/pkg/types"
)

var identPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

var unsafeStepChars = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

// maxStepsLen bounds the step-list component of a job log directory name
const maxStepsLen = 64

// RequestLogID picks the identifier a job's logs are filed under:
// the workflow id, else the exaunit id, else the request uuid.
// Every identifier present must be well formed.
func RequestLogID(req *types.JobRequest) (string, error) {
	ids := []struct{ name, value string }{
		{"uuid", req.UUID},
		{"exaunit_id", req.ExaunitID},
		{"workflow_id", req.WorkflowID},
	}
	for _, id := range ids {
		if id.value == "" {
			continue
		}
		if !identPattern.MatchString(id.value) {
			return "", types.NewRuntimeError(types.ErrCodeInvalidRequestID, "malformed %s %q", id.name, id.value)
		}
	}
	if req.UUID == "" {
		return "", types.NewRuntimeError(types.ErrCodeInvalidRequestID, "request has no uuid")
	}

	switch {
	case req.WorkflowID != "":
		return req.WorkflowID, nil
	case req.ExaunitID != "":
		return req.ExaunitID, nil
	}
	return req.UUID, nil
}

// JobLogDir builds the per-request log directory under base. Requests sharing
// a workflow or exaunit id get distinct directories through their uuid, step
// list and undo flag.
func JobLogDir(base string, req *types.JobRequest) (string, error) {
	id, err := RequestLogID(req)
	if err != nil {
		return "", err
	}

	parts := []string{id}
	if id != req.UUID {
		parts = append(parts, req.UUID)
	}
	if steps := stepsComponent(req.Steps); steps != "" {
		parts = append(parts, steps)
	}
	if req.Undo {
		parts = append(parts, "undo")
	}
	return filepath.Join(base, strings.Join(parts, "_")), nil
}

func stepsComponent(steps []string) string {
	clean := make([]string, 0, len(steps))
	for _, s := range steps {
		s = strings.Trim(unsafeStepChars.ReplaceAllString(s, "-"), "-")
		if s != "" {
			clean = append(clean, s)
		}
	}
	joined := strings.Join(clean, "-")
	if len(joined) <= maxStepsLen {
		return joined
	}
	sum := sha1.Sum([]byte(joined))
	return joined[:maxStepsLen-9] + "-" + hex.EncodeToString(sum[:])[:8]
}
