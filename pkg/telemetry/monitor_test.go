package telemetry

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

type sentMsg struct {
	cmd  string
	data any
}

type fakeSender struct {
	mu        sync.Mutex
	connected bool
	authed    bool
	sends     []sentMsg
}

func (f *fakeSender) Send(cmd string, data any) {
	f.mu.Lock()
	f.sends = append(f.sends, sentMsg{cmd, data})
	f.mu.Unlock()
}

func (f *fakeSender) Connected() bool { return f.connected }
func (f *fakeSender) Authed() bool    { return f.authed }

type fakeJobs struct{ count int }

func (f *fakeJobs) ActiveJobCount() int              { return f.count }
func (f *fakeJobs) AugmentProcs([]*types.ProcSample) {}

func newTestMonitor(t *testing.T, data map[string]any, ch *fakeSender) *Monitor {
	t.Helper()
	if ch == nil {
		ch = &fakeSender{connected: true, authed: true}
	}
	return New(config.New(data), ch, &fakeJobs{}, "1.0.0")
}

func TestHostIDStable(t *testing.T) {
	a := HostID("db1.example.com")
	b := HostID("db1.example.com")
	c := HostID("db2.example.com")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestJitterBounds(t *testing.T) {
	m := newTestMonitor(t, nil, nil)

	tests := []struct {
		name       string
		numServers int
		maxQuick   time.Duration
	}{
		{"single server", 1, time.Millisecond},
		{"small fleet", 50, 50 * time.Millisecond},
		{"huge fleet clamps", 50000, 1000 * time.Millisecond},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m.SetJoined(tt.numServers, nil, nil)

			q := m.QuickJitter()
			assert.GreaterOrEqual(t, q, time.Duration(0))
			assert.Less(t, q, tt.maxQuick)

			f := m.FullJitter()
			assert.GreaterOrEqual(t, f, time.Second)
			assert.Less(t, f, time.Second+29*tt.maxQuick)
		})
	}
}

func TestQuickPassGates(t *testing.T) {
	t.Run("disconnected", func(t *testing.T) {
		ch := &fakeSender{}
		m := newTestMonitor(t, map[string]any{
			"monitoring_enabled": true,
			"quickmon_enabled":   true,
		}, ch)
		m.QuickPass()
		assert.Empty(t, ch.sends)
	})

	t.Run("monitoring disabled", func(t *testing.T) {
		ch := &fakeSender{connected: true, authed: true}
		m := newTestMonitor(t, map[string]any{"quickmon_enabled": true}, ch)
		m.QuickPass()
		assert.Empty(t, ch.sends)
	})

	t.Run("quickmon disabled", func(t *testing.T) {
		ch := &fakeSender{connected: true, authed: true}
		m := newTestMonitor(t, map[string]any{"monitoring_enabled": true}, ch)
		m.QuickPass()
		assert.Empty(t, ch.sends)
	})

	t.Run("enabled and connected", func(t *testing.T) {
		ch := &fakeSender{connected: true, authed: true}
		m := newTestMonitor(t, map[string]any{
			"monitoring_enabled": true,
			"quickmon_enabled":   true,
		}, ch)
		m.SetJoined(1, nil, nil)
		m.QuickPass()
		require.Len(t, ch.sends, 1)
		assert.Equal(t, types.CmdQuickMon, ch.sends[0].cmd)
	})
}

func TestBasicServerInfo(t *testing.T) {
	m := newTestMonitor(t, map[string]any{"quickmon_enabled": true}, nil)
	info := m.BasicServerInfo()

	assert.Equal(t, "1.0.0", info["version"])
	assert.Equal(t, true, info["quickmon"])
	assert.Contains(t, info, "os")
	assert.Contains(t, info, "memory")
	assert.Contains(t, info, "cpu")
	assert.Contains(t, info, "virt")

	features, ok := info["features"].(map[string]bool)
	require.True(t, ok)
	assert.True(t, features["testMonitorPlugin"])
}

func TestCommandApplies(t *testing.T) {
	tests := []struct {
		name   string
		def    types.CommandDef
		groups []string
		want   bool
	}{
		{"no groups targets all", types.CommandDef{}, nil, true},
		{"overlap", types.CommandDef{Groups: []string{"db", "web"}}, []string{"web"}, true},
		{"no overlap", types.CommandDef{Groups: []string{"db"}}, []string{"web"}, false},
		{"host has no groups", types.CommandDef{Groups: []string{"db"}}, nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, commandApplies(&tt.def, tt.groups))
		})
	}
}
