package network

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"strconv"
	"time"

	"github.com/cuemby/exaworker/pkg/config"
	"github.com/prometheus/procfs"
)

// ErrNoFreePort is returned when the search runs past config.MaxPort
var ErrNoFreePort = errors.New("no free port")

// Prober reports whether a local TCP port is taken
type Prober interface {
	InUse(ctx context.Context, port int) bool
}

// SocketTable returns the set of local TCP ports that have a socket in any state
type SocketTable func() (map[int]struct{}, error)

// PortChecker probes a port by connecting to it and, when Strict, by also
// looking it up in the kernel socket table. The second pass catches a
// process that has bound but not yet called listen.
type PortChecker struct {
	Host    string
	Timeout time.Duration
	Strict  bool

	// Sockets defaults to ProcSocketTable on the default /proc mount
	Sockets SocketTable
}

// NewPortChecker builds a checker from the factory/worker configuration
func NewPortChecker(cfg *config.Config) *PortChecker {
	return &PortChecker{
		Host:    "localhost",
		Timeout: cfg.SocketTimeout,
		Strict:  cfg.StrictPortCheck,
	}
}

// InUse reports whether port is bound on this host
func (c *PortChecker) InUse(ctx context.Context, port int) bool {
	if c.accepting(ctx, port) {
		return true
	}
	if !c.Strict {
		return false
	}

	sockets := c.Sockets
	if sockets == nil {
		sockets = ProcSocketTable("")
	}
	ports, err := sockets()
	if err != nil {
		// an unreadable table must not make every port look free
		return true
	}
	_, found := ports[port]
	return found
}

// accepting reports whether a connect to port succeeds within Timeout
func (c *PortChecker) accepting(ctx context.Context, port int) bool {
	dialer := &net.Dialer{Timeout: c.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(c.Host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// FindPort returns the first port at or after candidate that is neither in
// claimed nor reported in use by p. Claimed ports are skipped without probing.
func FindPort(ctx context.Context, p Prober, candidate int, claimed map[int]struct{}) (int, error) {
	for port := candidate; port <= config.MaxPort; port++ {
		if _, ok := claimed[port]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		if !p.InUse(ctx, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("searching from %d: %w", candidate, ErrNoFreePort)
}

// ProcSocketTable reads /proc/net/tcp and /proc/net/tcp6 under mountPoint
// (procfs.DefaultMountPoint when empty).
func ProcSocketTable(mountPoint string) SocketTable {
	return func() (map[int]struct{}, error) {
		if mountPoint == "" {
			mountPoint = procfs.DefaultMountPoint
		}
		pfs, err := procfs.NewFS(mountPoint)
		if err != nil {
			return nil, fmt.Errorf("failed to open procfs: %w", err)
		}

		ports := make(map[int]struct{})
		for _, read := range []func() (procfs.NetTCP, error){pfs.NetTCP, pfs.NetTCP6} {
			lines, err := read()
			if errors.Is(err, fs.ErrNotExist) {
				// no IPv6 stack
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("failed to read socket table: %w", err)
			}
			for _, l := range lines {
				ports[int(l.LocalPort)] = struct{}{}
			}
		}
		return ports, nil
	}
}
