package jobs

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/cuemby/exaworker/pkg/types"
)

// Kind is the closed set of job types a worker can execute
type Kind string

const (
	KindClusterControl  Kind = "clusterctrl"
	KindPatching        Kind = "patch"
	KindResourceManager Kind = "iorm"
	KindVMBackup        Kind = "vmbackup"
	KindElasticCell     Kind = "elastic"
	KindKeyManagement   Kind = "keymgmt"
	KindNetworkInfo     Kind = "netinfo"
	KindSOP             Kind = "sop"
	KindJSONDispatch    Kind = "jsondispatch"
)

// Kinds lists every supported kind
var Kinds = []Kind{
	KindClusterControl,
	KindPatching,
	KindResourceManager,
	KindVMBackup,
	KindElasticCell,
	KindKeyManagement,
	KindNetworkInfo,
	KindSOP,
	KindJSONDispatch,
}

// ParseKind validates a job request's type tag
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

// Handler executes one job. The returned code is handler specific; see
// TranslateCode. A non-nil error means the handler itself failed.
type Handler interface {
	Execute(ctx context.Context, ec *ExecContext, job *types.JobRequest) (int, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, ec *ExecContext, job *types.JobRequest) (int, error)

func (f HandlerFunc) Execute(ctx context.Context, ec *ExecContext, job *types.JobRequest) (int, error) {
	return f(ctx, ec, job)
}

// Registry maps every Kind to exactly one Handler
type Registry struct {
	handlers map[Kind]Handler
}

// NewRegistry fails unless handlers covers every Kind and nothing else
func NewRegistry(handlers map[Kind]Handler) (*Registry, error) {
	var unknown, missing []string
	for k, h := range handlers {
		if _, ok := ParseKind(string(k)); !ok {
			unknown = append(unknown, string(k))
		} else if h == nil {
			missing = append(missing, string(k))
		}
	}
	for _, k := range Kinds {
		if _, ok := handlers[k]; !ok {
			missing = append(missing, string(k))
		}
	}
	if len(unknown) > 0 || len(missing) > 0 {
		sort.Strings(unknown)
		sort.Strings(missing)
		return nil, fmt.Errorf("invalid handler set: unknown kinds [%s], missing kinds [%s]",
			strings.Join(unknown, ","), strings.Join(missing, ","))
	}

	r := &Registry{handlers: make(map[Kind]Handler, len(handlers))}
	for k, h := range handlers {
		r.handlers[k] = h
	}
	return r, nil
}

// Lookup returns the handler for a request type, or a 700 runtime error
func (r *Registry) Lookup(jobType string) (Handler, error) {
	k, ok := ParseKind(jobType)
	if !ok {
		return nil, types.NewRuntimeError(types.ErrCodeInvalidJobType, "invalid job request type %q", jobType)
	}
	return r.handlers[k], nil
}
