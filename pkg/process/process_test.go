package process

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newManager(t *testing.T) *OSManager {
	t.Helper()
	m, err := NewOSManager()
	require.NoError(t, err)
	return m
}

func startSleep(t *testing.T, args ...string) *exec.Cmd {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd := exec.Command("sh", args...)
	require.NoError(t, cmd.Start())
	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func TestAlive(t *testing.T) {
	m := newManager(t)
	assert.True(t, m.Alive(os.Getpid()))
	assert.False(t, m.Alive(0))
	assert.False(t, m.Alive(-1))
	assert.False(t, m.Alive(1<<22+12345), "pid above pid_max cannot exist")
}

func TestTerminate(t *testing.T) {
	m := newManager(t)
	cmd := startSleep(t, "-c", "sleep 30")
	pid := cmd.Process.Pid
	require.True(t, m.Alive(pid))

	require.NoError(t, m.Terminate(context.Background(), pid, 5*time.Second))
	assert.False(t, m.Alive(pid))
}

func TestTerminate_IgnoredSignal(t *testing.T) {
	m := newManager(t)
	cmd := startSleep(t, "-c", "trap '' TERM; sleep 30")
	pid := cmd.Process.Pid
	time.Sleep(100 * time.Millisecond)

	err := m.Terminate(context.Background(), pid, 200*time.Millisecond)
	assert.ErrorIs(t, err, ErrStillAlive)

	survivors, err := m.KillTree(pid)
	require.NoError(t, err)
	assert.Empty(t, survivors)
}

func TestDescendantsAndKill(t *testing.T) {
	m := newManager(t)
	// sh -> sleep grandchild
	cmd := startSleep(t, "-c", "sleep 30 & wait")
	pid := cmd.Process.Pid

	var desc []int
	require.Eventually(t, func() bool {
		d, err := m.Descendants(pid)
		desc = d
		return err == nil && len(d) == 1
	}, 2*time.Second, 20*time.Millisecond)

	self, err := m.Descendants(os.Getpid())
	require.NoError(t, err)
	assert.Contains(t, self, pid)
	assert.Contains(t, self, desc[0], "descendants are transitive")

	survivors, err := m.KillDescendants(pid)
	require.NoError(t, err)
	assert.Empty(t, survivors)
	assert.False(t, m.Alive(desc[0]))
}

func TestSpawn(t *testing.T) {
	m := newManager(t)
	pid, err := m.Spawn(SpawnSpec{Path: "/bin/sh", Args: []string{"-c", "sleep 30"}})
	if err != nil {
		t.Skipf("cannot spawn /bin/sh: %v", err)
	}
	assert.True(t, m.Alive(pid))

	survivors, err := m.KillTree(pid)
	require.NoError(t, err)
	assert.Empty(t, survivors)
}
