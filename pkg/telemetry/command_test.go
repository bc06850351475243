package telemetry

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name   string
		out    string
		format string
		want   any
	}{
		{
			name:   "plain text trimmed",
			out:    "  load average 0.5  \n",
			format: "",
			want:   "load average 0.5",
		},
		{
			name:   "json object",
			out:    `{"temp": 42}`,
			format: "json",
			want:   map[string]any{"temp": 42.0},
		},
		{
			name:   "json array",
			out:    `[1, 2]`,
			format: "json",
			want:   []any{1.0, 2.0},
		},
		{
			name:   "json format without json content falls back to text",
			out:    "plain output\n",
			format: "json",
			want:   "plain output",
		},
		{
			name:   "xml format without xml content falls back to text",
			out:    "plain output\n",
			format: "xml",
			want:   "plain output",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseResult(tt.out, tt.format))
		})
	}
}

func TestParseResultJSONError(t *testing.T) {
	result := parseResult(`{"broken": `, "json")
	str, ok := result.(string)
	require.True(t, ok)
	assert.Contains(t, str, "JSON Parser Error: ")
}

func TestParseResultXMLError(t *testing.T) {
	result := parseResult(`<unclosed>`, "xml")
	str, ok := result.(string)
	require.True(t, ok)
	assert.Contains(t, str, "XML Parser Error: ")
}

func TestParseXML(t *testing.T) {
	doc := `<status>
		<load>0.5</load>
		<disk name="sda">healthy</disk>
		<svc>a</svc>
		<svc>b</svc>
	</status>`

	result, err := ParseXML(doc)
	require.NoError(t, err)

	node, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "0.5", node["load"])

	disk, ok := node["disk"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "sda", disk["name"])
	assert.Equal(t, "healthy", disk["_Data"])

	svcs, ok := node["svc"].([]any)
	require.True(t, ok)
	assert.Equal(t, []any{"a", "b"}, svcs)
}

func TestParseXMLNoRoot(t *testing.T) {
	_, err := ParseXML("   ")
	assert.Error(t, err)
}

func TestCapWriterTrips(t *testing.T) {
	tripped := 0
	w := &capWriter{max: 10, trip: func() { tripped++ }}

	n, err := w.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, 0, tripped)

	// crossing the cap keeps only max bytes and fires trip once
	w.Write([]byte("6789012345"))
	assert.Equal(t, "1234567890", w.String())
	assert.Equal(t, 1, tripped)

	w.Write([]byte("more"))
	assert.Equal(t, 1, tripped)
	assert.Equal(t, "1234567890", w.String())
}

func TestRunCommandText(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix command")
	}
	m := newTestMonitor(t, nil, nil)
	def := &types.CommandDef{ID: "cmd1", Command: "echo hello monitor"}

	result, errText := m.RunCommand(def)
	assert.Equal(t, "hello monitor", result)
	assert.Equal(t, "", errText)
}

func TestRunCommandJSON(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix command")
	}
	m := newTestMonitor(t, nil, nil)
	def := &types.CommandDef{ID: "cmd2", Command: `sh -c "echo {\"ok\":true}"`, Format: "json"}

	result, _ := m.RunCommand(def)
	node, ok := result.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, node["ok"])
}

func TestRunCommandTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix command")
	}
	m := newTestMonitor(t, nil, nil)
	def := &types.CommandDef{ID: "cmd3", Command: "sleep 30", Timeout: 1}

	result, _ := m.RunCommand(def)
	assert.Equal(t, "Error: Command timed out after 1 seconds", result)
}

func TestTestPluginUnknownCommand(t *testing.T) {
	ch := &fakeSender{connected: true, authed: true}
	m := newTestMonitor(t, nil, ch)

	data := map[string]any{"plugin_id": "missing"}
	m.TestPlugin(data)

	require.Len(t, ch.sends, 1)
	assert.Equal(t, types.CmdMonitorTestResult, ch.sends[0].cmd)
	result, _ := data["result"].(string)
	assert.Contains(t, result, "not found")
}
