package network

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProber map[int]bool

func (f fakeProber) InUse(ctx context.Context, port int) bool { return f[port] }

func TestFindPort_SkipsClaimedAndBound(t *testing.T) {
	bound := fakeProber{9000: true, 9001: true}
	claimed := map[int]struct{}{9000: {}, 9001: {}}

	port, err := FindPort(context.Background(), bound, 9000, claimed)
	require.NoError(t, err)
	assert.Equal(t, 9002, port)
}

func TestFindPort_ClaimedButUnbound(t *testing.T) {
	port, err := FindPort(context.Background(), fakeProber{}, 9000, map[int]struct{}{9000: {}})
	require.NoError(t, err)
	assert.Equal(t, 9001, port, "a claimed port is never handed out twice in a batch")
}

func TestFindPort_Exhausted(t *testing.T) {
	bound := fakeProber{65534: true, 65535: true}
	_, err := FindPort(context.Background(), bound, 65534, nil)
	assert.True(t, errors.Is(err, ErrNoFreePort))
}

func TestPortChecker_Connect(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	c := &PortChecker{Host: "127.0.0.1", Timeout: time.Second}
	assert.True(t, c.InUse(context.Background(), port))

	l.Close()
	assert.False(t, c.InUse(context.Background(), port), "a closed port is free without strict mode")
}

func TestPortChecker_StrictSeesBoundSocket(t *testing.T) {
	// nothing listens; only the socket table knows about 9100
	c := &PortChecker{
		Host:    "127.0.0.1",
		Timeout: 100 * time.Millisecond,
		Sockets: func() (map[int]struct{}, error) {
			return map[int]struct{}{9100: {}}, nil
		},
	}
	ctx := context.Background()
	assert.False(t, c.InUse(ctx, 9100), "connect-only mode misses bound-not-listening sockets")

	c.Strict = true
	assert.True(t, c.InUse(ctx, 9100))
}

func TestPortChecker_StrictTableError(t *testing.T) {
	c := &PortChecker{
		Host:    "127.0.0.1",
		Timeout: 100 * time.Millisecond,
		Strict:  true,
		Sockets: func() (map[int]struct{}, error) { return nil, errors.New("boom") },
	}
	assert.True(t, c.InUse(context.Background(), 9100))
}

func TestProcSocketTable(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "net"), 0755))
	// 0x2328 = 9000 listening, 0x2329 = 9001 in SYN_SENT
	tcp := `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 0100007F:2328 00000000:0000 0A 00000000:00000000 00:00000000 00000000     0        0 1001 1 0000000000000000 100 0 0 10 0
   1: 0100007F:2329 0100007F:A000 02 00000000:00000000 00:00000000 00000000     0        0 1002 1 0000000000000000 100 0 0 10 0
`
	require.NoError(t, os.WriteFile(filepath.Join(root, "net", "tcp"), []byte(tcp), 0644))

	ports, err := ProcSocketTable(root)()
	require.NoError(t, err)
	assert.Contains(t, ports, 9000)
	assert.Contains(t, ports, 9001)
	assert.NotContains(t, ports, 9002)
}
