package ports

import (
	"bufio"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// DefaultScanInterval is how often the monitor rescans once started.
const DefaultScanInterval = time.Second

// tcpListen is the LISTEN state in /proc/net/tcp's st column.
const tcpListen = "0A"

// Monitor publishes the set of TCP ports listening inside the box. It
// is lazy: nothing is scanned until the first Snapshot call, so an
// agent nobody asks about ports burns no cycles on it.
type Monitor struct {
	mu       sync.RWMutex
	snapshot types.PortSnapshot

	interval time.Duration
	exclude  map[int]struct{}
	sources  []string
	logger   zerolog.Logger

	startOnce sync.Once
	stopCh    chan struct{}
	stopOnce  sync.Once
}

// NewMonitor creates a monitor. Ports in exclude (typically the agent's
// own listen port) never appear in snapshots.
func NewMonitor(interval time.Duration, exclude []int) *Monitor {
	if interval <= 0 {
		interval = DefaultScanInterval
	}
	ex := make(map[int]struct{}, len(exclude))
	for _, p := range exclude {
		ex[p] = struct{}{}
	}
	return &Monitor{
		interval: interval,
		exclude:  ex,
		sources:  []string{"/proc/net/tcp", "/proc/net/tcp6"},
		logger:   log.WithComponent("ports"),
		stopCh:   make(chan struct{}),
	}
}

// Snapshot returns the current port set. The first call performs a
// synchronous scan and starts the background loop.
func (m *Monitor) Snapshot() types.PortSnapshot {
	m.startOnce.Do(func() {
		m.scan()
		go m.loop()
		m.logger.Debug().Dur("interval", m.interval).Msg("port monitor started")
	})

	m.mu.RLock()
	defer m.mu.RUnlock()
	snap := types.PortSnapshot{
		Ports:         make([]int, len(m.snapshot.Ports)),
		LastUpdatedAt: m.snapshot.LastUpdatedAt,
	}
	copy(snap.Ports, m.snapshot.Ports)
	return snap
}

// Stop halts the background loop if it ever started.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.scan()
		}
	}
}

func (m *Monitor) scan() {
	seen := make(map[int]struct{})
	for _, src := range m.sources {
		if err := collectListeners(src, seen); err != nil {
			// tcp6 may be absent; only worth a debug line.
			m.logger.Debug().Str("source", src).Err(err).Msg("port scan source skipped")
		}
	}

	ports := make([]int, 0, len(seen))
	for p := range seen {
		if _, excluded := m.exclude[p]; excluded {
			continue
		}
		ports = append(ports, p)
	}
	sort.Ints(ports)

	m.mu.Lock()
	m.snapshot = types.PortSnapshot{Ports: ports, LastUpdatedAt: types.Now()}
	m.mu.Unlock()
}

// collectListeners parses one /proc/net/tcp-format file and adds the
// local ports of LISTEN sockets to seen.
func collectListeners(path string, seen map[int]struct{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Scan() // header line
	for scanner.Scan() {
		port, ok := parseListenPort(scanner.Text())
		if ok {
			seen[port] = struct{}{}
		}
	}
	return scanner.Err()
}

// parseListenPort extracts the local port from one socket line, or
// reports false for non-LISTEN or malformed lines.
//
// Line shape: "sl local_address rem_address st ..." where local_address
// is hexIP:hexPort and st is the hex state.
func parseListenPort(line string) (int, bool) {
	fields := strings.Fields(line)
	if len(fields) < 4 || fields[3] != tcpListen {
		return 0, false
	}
	idx := strings.LastIndexByte(fields[1], ':')
	if idx < 0 {
		return 0, false
	}
	port, err := strconv.ParseInt(fields[1][idx+1:], 16, 32)
	if err != nil || port <= 0 {
		return 0, false
	}
	return int(port), true
}
