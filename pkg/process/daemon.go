package process

import (
	"fmt"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Detach re-executes the running binary with args in a new session, stdio on
// the null device, and returns the child's pid. The caller is expected to
// exit right after; the child is then adopted by init (or the nearest
// subreaper) and is fully independent of the caller's terminal.
func Detach(args []string) (int, error) {
	self, err := os.Executable()
	if err != nil {
		return 0, fmt.Errorf("failed to resolve executable: %w", err)
	}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return 0, err
	}
	defer devNull.Close()

	attr := &os.ProcAttr{
		Env:   os.Environ(),
		Files: []*os.File{devNull, devNull, devNull},
		Sys:   &syscall.SysProcAttr{Setsid: true},
	}
	p, err := os.StartProcess(self, append([]string{self}, args...), attr)
	if err != nil {
		return 0, fmt.Errorf("failed to detach: %w", err)
	}
	pid := p.Pid
	if err := p.Release(); err != nil {
		return pid, err
	}
	return pid, nil
}

// BecomeSubreaper makes orphaned descendants reparent to this process so
// job leftovers can still be found and killed after their parent exits.
func BecomeSubreaper() error {
	if err := unix.Prctl(unix.PR_SET_CHILD_SUBREAPER, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("failed to become subreaper: %w", err)
	}
	return nil
}

// ReapZombies collects every exited child without blocking and returns how
// many were reaped.
func ReapZombies() int {
	n := 0
	for {
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
		if err != nil || pid <= 0 {
			return n
		}
		n++
	}
}
