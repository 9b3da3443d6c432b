package ports

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleTCP = `  sl  local_address rem_address   st tx_queue rx_queue tr tm->when retrnsmt   uid  timeout inode
   0: 00000000:1F90 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12345 1 0000000000000000 100 0 0 10 0
   1: 0100007F:0FA1 00000000:0000 0A 00000000:00000000 00:00000000 00000000  1000        0 12346 1 0000000000000000 100 0 0 10 0
   2: 0100007F:A3E2 0100007F:1F90 01 00000000:00000000 00:00000000 00000000  1000        0 12347 1 0000000000000000 100 0 0 10 0
`

func TestParseListenPort(t *testing.T) {
	tests := []struct {
		line string
		port int
		ok   bool
	}{
		{"   0: 00000000:1F90 00000000:0000 0A 0:0 00:0 0 0 0 1", 8080, true},
		{"   1: 0100007F:0050 00000000:0000 0A 0:0 00:0 0 0 0 1", 80, true},
		{"   2: 0100007F:A3E2 0100007F:1F90 01 0:0 00:0 0 0 0 1", 0, false}, // ESTABLISHED
		{"garbage", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		port, ok := parseListenPort(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		if ok {
			assert.Equal(t, tt.port, port, tt.line)
		}
	}
}

func TestCollectListenersFromSample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcp")
	require.NoError(t, os.WriteFile(path, []byte(sampleTCP), 0o644))

	seen := make(map[int]struct{})
	require.NoError(t, collectListeners(path, seen))

	assert.Contains(t, seen, 8080)
	assert.Contains(t, seen, 4001)
	assert.NotContains(t, seen, 41954) // established, not listening
	assert.Len(t, seen, 2)
}

func TestMonitorObservesRealListener(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	m := NewMonitor(50*time.Millisecond, nil)
	defer m.Stop()

	snap := m.Snapshot()
	assert.Contains(t, snap.Ports, port)
	assert.NotZero(t, snap.LastUpdatedAt)
}

func TestMonitorExcludesOwnPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	m := NewMonitor(50*time.Millisecond, []int{port})
	defer m.Stop()

	snap := m.Snapshot()
	assert.NotContains(t, snap.Ports, port)
}

func TestMonitorRescans(t *testing.T) {
	m := NewMonitor(30*time.Millisecond, nil)
	defer m.Stop()
	m.Snapshot() // starts the loop

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	require.Eventually(t, func() bool {
		for _, p := range m.Snapshot().Ports {
			if p == port {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}
