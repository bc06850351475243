package telemetry

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"os"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/log"
	"github.com/pixlcore/xysat-beta/pkg/metrics"
	"github.com/pixlcore/xysat-beta/pkg/sampler"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

// Sender is the control channel surface the monitor needs
type Sender interface {
	Send(cmd string, data any)
	Connected() bool
	Authed() bool
}

// JobSource exposes job context for augmenting the host process table
type JobSource interface {
	ActiveJobCount() int
	AugmentProcs([]*types.ProcSample)
}

// Monitor runs the telemetry passes
type Monitor struct {
	cfg     *config.Config
	ch      Sender
	jobs    JobSource
	logger  zerolog.Logger
	version string
	started float64
	hostID  uint32

	// resolves a monitor command id to its materialized script path
	PluginScriptPath func(id string) string

	self *process.Process

	mu         sync.Mutex
	numServers int
	groups     []string
	commands   []types.CommandDef
}

// New creates a monitor. The host id is a stable hash of the hostname,
// used to spread send times across the fleet.
func New(cfg *config.Config, ch Sender, jobs JobSource, version string) *Monitor {
	hostname, _ := os.Hostname()
	m := &Monitor{
		cfg:     cfg,
		ch:      ch,
		jobs:    jobs,
		logger:  log.WithComponent("telemetry"),
		version: version,
		started: sampler.Now(),
		hostID:  HostID(hostname),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.self = p
	}
	return m
}

// HostID hashes a hostname to a stable 32-bit value
func HostID(hostname string) uint32 {
	sum := md5.Sum([]byte(hostname))
	v, _ := strconv.ParseUint(hex.EncodeToString(sum[:])[:8], 16, 32)
	return uint32(v)
}

// SetJoined applies the fleet context from a successful join
func (m *Monitor) SetJoined(numServers int, groups []string, commands []types.CommandDef) {
	m.mu.Lock()
	m.numServers = numServers
	m.groups = groups
	m.commands = commands
	m.mu.Unlock()
}

func clampServers(n int) uint32 {
	if n < 1 {
		return 1
	}
	if n > 1000 {
		return 1000
	}
	return uint32(n)
}

// QuickJitter is the per-host delay before a quickmon send: up to one
// millisecond per fleet server, capped at a second.
func (m *Monitor) QuickJitter() time.Duration {
	m.mu.Lock()
	n := m.numServers
	m.mu.Unlock()
	return time.Duration(m.hostID%clampServers(n)) * time.Millisecond
}

// FullJitter is the per-host delay before a full monitor pass
func (m *Monitor) FullJitter() time.Duration {
	m.mu.Lock()
	n := m.numServers
	m.mu.Unlock()
	return time.Duration(1000+m.hostID%(clampServers(n)*29)) * time.Millisecond
}

// BasicServerInfo is the static host identification sent with the
// channel hello
func (m *Monitor) BasicServerInfo() map[string]any {
	osInfo := sampler.GetOSInfo()
	return map[string]any{
		"version":  m.version,
		"booted":   sampler.GetBootTime(),
		"arch":     runtime.GOARCH,
		"platform": runtime.GOOS,
		"release":  osInfo.Kernel,
		"quickmon": m.cfg.GetBool("quickmon_enabled"),
		"features": map[string]bool{"testMonitorPlugin": true},
		"os":       osInfo,
		"memory":   sampler.GetMemory(),
		"cpu":      sampler.GetCPUInfo(),
		"virt":     sampler.DetectVirtualization(),
	}
}

// QuickPass samples the fast-changing metrics and sends a quickmon
// update. Blocks for the jitter window; run it on its own goroutine.
func (m *Monitor) QuickPass() {
	if !m.ch.Connected() || !m.ch.Authed() {
		return
	}
	if !m.cfg.GetBool("monitoring_enabled") || !m.cfg.GetBool("quickmon_enabled") {
		return
	}

	start := time.Now()
	info := map[string]any{
		"mem": sampler.GetMemory(),
		"cpu": sampler.GetCPULoad(),
		"fs":  sampler.GetDiskIO(),
		"net": sampler.GetNetIO(),
	}
	metrics.MonitorPassDuration.WithLabelValues("quick").Observe(time.Since(start).Seconds())

	time.Sleep(m.QuickJitter())
	if !m.ch.Connected() || !m.ch.Authed() {
		return
	}
	m.ch.Send(types.CmdQuickMon, info)
}

// FullPass gathers the complete host telemetry snapshot and sends a
// monitor update. Blocks for the jitter window and for custom command
// execution; run it on its own goroutine.
func (m *Monitor) FullPass() {
	if !m.ch.Connected() || !m.ch.Authed() {
		return
	}
	if !m.cfg.GetBool("monitoring_enabled") {
		return
	}

	time.Sleep(m.FullJitter())
	if !m.ch.Connected() || !m.ch.Authed() {
		return
	}
	start := time.Now()

	hostname, _ := os.Hostname()
	osInfo := sampler.GetOSInfo()

	// static cpu identification merged with the live load sample
	cpuInfo := toMap(sampler.GetCPUInfo())
	for key, val := range toMap(sampler.GetCPULoad()) {
		cpuInfo[key] = val
	}

	diskIO := sampler.GetDiskIO()
	netStats, conns := m.networkStats()

	snap := sampler.GetProcs()
	m.jobs.AugmentProcs(snap.List)

	data := map[string]any{
		"uptime_sec": sampler.Uptime(),
		"arch":       runtime.GOARCH,
		"platform":   runtime.GOOS,
		"release":    osInfo.Kernel,
		"load":       sampler.GetLoadAvg(),
		"stats": map[string]any{
			"io":      diskIO,
			"fs":      diskIO,
			"network": netStats,
		},
		"jobs":       m.jobs.ActiveJobCount(),
		"process":    m.selfUsage(),
		"os":         osInfo,
		"memory":     sampler.GetMemory(),
		"cpu":        cpuInfo,
		"mounts":     sampler.GetMounts(),
		"interfaces": sampler.GetNetInterfaces(),
		"conns":      conns,
		"processes":  snap,
		"commands":   m.runCommands(),
	}

	info := map[string]any{
		"version":  "1.0",
		"date":     sampler.Now(),
		"server":   m.cfg.GetString("server_id"),
		"hostname": hostname,
		"data":     data,
	}

	metrics.MonitorPassDuration.WithLabelValues("full").Observe(time.Since(start).Seconds())

	if !m.ch.Connected() || !m.ch.Authed() {
		return
	}
	m.ch.Send(types.CmdMonitor, info)
}

// networkStats sums byte counters over external interfaces and tallies
// open connections by state
func (m *Monitor) networkStats() (map[string]any, []*types.Conn) {
	var rx, tx uint64
	var external []string
	for name, iface := range sampler.GetNetInterfaces() {
		if iface.Internal {
			continue
		}
		rx += iface.RxBytes
		tx += iface.TxBytes
		external = append(external, name)
	}
	sort.Strings(external)

	conns := sampler.GetConnections()
	states := make(map[string]int)
	for _, conn := range conns {
		states[strings.ToLower(conn.State)]++
	}

	return map[string]any{
		"rx_bytes": rx,
		"tx_bytes": tx,
		"ifaces":   external,
		"conns":    len(conns),
		"states":   states,
	}, conns
}

// selfUsage reports the satellite's own footprint
func (m *Monitor) selfUsage() map[string]any {
	usage := map[string]any{
		"pid":     os.Getpid(),
		"started": m.started,
	}
	if m.self == nil {
		return usage
	}
	if mi, err := m.self.MemoryInfo(); err == nil && mi != nil {
		usage["mem"] = mi.RSS
	}
	if pct, err := m.self.CPUPercent(); err == nil {
		usage["cpu"] = pct
	}
	return usage
}

func toMap(v any) map[string]any {
	out := map[string]any{}
	raw, err := json.Marshal(v)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	return out
}
