package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cuemby/exaworker/pkg/log"
	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
)

// ErrStillAlive is returned by Terminate when the process survives SIGTERM
var ErrStillAlive = errors.New("process still alive")

// pollInterval is how often liveness is re-checked while waiting for an exit
const pollInterval = 50 * time.Millisecond

// Manager is the OS process collaborator of the factory and the worker daemon
type Manager interface {
	// Alive reports whether pid exists and is not a zombie
	Alive(pid int) bool

	// Terminate sends SIGTERM and waits up to grace for pid to exit
	Terminate(ctx context.Context, pid int, grace time.Duration) error

	// KillTree SIGKILLs pid and all of its descendants, leaves first,
	// and returns the pids still alive afterwards
	KillTree(pid int) ([]int, error)

	// KillDescendants is KillTree without the root
	KillDescendants(pid int) ([]int, error)

	// Descendants lists every process below pid, breadth first
	Descendants(pid int) ([]int, error)

	// Spawn starts a detached process and returns its pid
	Spawn(spec SpawnSpec) (int, error)
}

// SpawnSpec describes a process to start in its own session
type SpawnSpec struct {
	Path string
	Args []string
	Env  []string
	Dir  string
}

// OSManager implements Manager on Linux using signals and /proc
type OSManager struct {
	fs procfs.FS

	// KillWait bounds how long KillTree waits for killed processes to vanish
	KillWait time.Duration
}

// NewOSManager opens the default /proc mount
func NewOSManager() (*OSManager, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs: %w", err)
	}
	return &OSManager{fs: fs, KillWait: time.Second}, nil
}

// Alive reports whether pid exists and is not a zombie
func (m *OSManager) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err != nil && !errors.Is(err, unix.EPERM) {
		return false
	}
	p, err := m.fs.Proc(pid)
	if err != nil {
		// signal probe succeeded but /proc entry vanished in between
		return false
	}
	stat, err := p.Stat()
	if err != nil {
		return false
	}
	return stat.State != "Z" && stat.State != "X"
}

// Terminate sends SIGTERM and waits up to grace for pid to exit
func (m *OSManager) Terminate(ctx context.Context, pid int, grace time.Duration) error {
	if !m.Alive(pid) {
		return nil
	}
	if err := unix.Kill(pid, unix.SIGTERM); err != nil && !errors.Is(err, unix.ESRCH) {
		return fmt.Errorf("failed to signal %d: %w", pid, err)
	}
	if m.waitGone(ctx, []int{pid}, grace) == nil {
		return nil
	}
	return fmt.Errorf("pid %d after %s: %w", pid, grace, ErrStillAlive)
}

// KillTree SIGKILLs pid and every descendant
func (m *OSManager) KillTree(pid int) ([]int, error) {
	desc, err := m.Descendants(pid)
	if err != nil {
		return nil, err
	}
	return m.killAll(append([]int{pid}, desc...)), nil
}

// KillDescendants SIGKILLs every descendant of pid but not pid itself
func (m *OSManager) KillDescendants(pid int) ([]int, error) {
	desc, err := m.Descendants(pid)
	if err != nil {
		return nil, err
	}
	return m.killAll(desc), nil
}

// killAll signals pids in reverse order (pids are breadth first, so leaves go first)
func (m *OSManager) killAll(pids []int) []int {
	if len(pids) == 0 {
		return nil
	}
	for i := len(pids) - 1; i >= 0; i-- {
		if err := unix.Kill(pids[i], unix.SIGKILL); err != nil && !errors.Is(err, unix.ESRCH) {
			log.Logger.Warn().Err(err).Int("pid", pids[i]).Msg("Failed to kill process")
		}
	}
	return m.waitGone(context.Background(), pids, m.KillWait)
}

// waitGone polls until none of pids is alive or timeout expires and
// returns the survivors
func (m *OSManager) waitGone(ctx context.Context, pids []int, timeout time.Duration) []int {
	deadline := time.Now().Add(timeout)
	for {
		var alive []int
		for _, pid := range pids {
			if m.Alive(pid) {
				alive = append(alive, pid)
			}
		}
		if len(alive) == 0 || time.Now().After(deadline) {
			return alive
		}
		select {
		case <-ctx.Done():
			return alive
		case <-time.After(pollInterval):
		}
	}
}

// Descendants lists every process below pid, breadth first
func (m *OSManager) Descendants(pid int) ([]int, error) {
	procs, err := m.fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	children := make(map[int][]int)
	for _, p := range procs {
		stat, err := p.Stat()
		if err != nil {
			// exited while we were scanning
			continue
		}
		children[stat.PPID] = append(children[stat.PPID], p.PID)
	}

	var out []int
	queue := []int{pid}
	seen := map[int]bool{pid: true}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, c := range children[cur] {
			if seen[c] {
				continue
			}
			seen[c] = true
			out = append(out, c)
			queue = append(queue, c)
		}
	}
	return out, nil
}

// Spawn starts spec in a new session with stdio on the null device.
// The child is reaped in the background so a long-running caller does not
// accumulate zombies.
func (m *OSManager) Spawn(spec SpawnSpec) (int, error) {
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devNull.Close()

	cmd := exec.Command(spec.Path, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", spec.Path, err)
	}
	go func() { _ = cmd.Wait() }()
	return cmd.Process.Pid, nil
}
