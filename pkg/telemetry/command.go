package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/shlex"

	"github.com/pixlcore/xysat-beta/pkg/metrics"
	"github.com/pixlcore/xysat-beta/pkg/supervisor"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

const (
	defaultCommandTimeoutSec = 10
	maxCommandOutputBytes    = 1024 * 1024
)

var jsonishRe = regexp.MustCompile(`[{\[]`)

// runCommands executes every monitor command applicable to this host's
// groups, with bounded concurrency, and returns results keyed by command id
func (m *Monitor) runCommands() map[string]any {
	m.mu.Lock()
	groups := m.groups
	var applicable []types.CommandDef
	for _, def := range m.commands {
		if commandApplies(&def, groups) {
			applicable = append(applicable, def)
		}
	}
	m.mu.Unlock()

	results := make(map[string]any, len(applicable))
	if len(applicable) == 0 {
		return results
	}

	limit := m.cfg.GetInt("monitor_plugin_concurrency", 8)
	if limit < 1 {
		limit = 1
	}
	sem := make(chan struct{}, limit)
	var wg sync.WaitGroup
	var rmu sync.Mutex
	for _, def := range applicable {
		wg.Add(1)
		sem <- struct{}{}
		go func(def types.CommandDef) {
			defer wg.Done()
			result, _ := m.RunCommand(&def)
			rmu.Lock()
			results[def.ID] = result
			rmu.Unlock()
			<-sem
		}(def)
	}
	wg.Wait()
	return results
}

// commandApplies reports whether a command targets this host. A command
// with no groups targets every host.
func commandApplies(def *types.CommandDef, groups []string) bool {
	if len(def.Groups) == 0 {
		return true
	}
	for _, want := range def.Groups {
		for _, have := range groups {
			if want == have {
				return true
			}
		}
	}
	return false
}

// capWriter collects up to max bytes and fires trip once when the cap is
// reached. Extra bytes are accepted and discarded so the child never
// blocks on a full pipe.
type capWriter struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	max     int
	trip    func()
	tripped bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if room := w.max - w.buf.Len(); room > 0 {
		if len(p) <= room {
			w.buf.Write(p)
		} else {
			w.buf.Write(p[:room])
		}
	}
	if w.buf.Len() >= w.max && !w.tripped {
		w.tripped = true
		if w.trip != nil {
			w.trip()
		}
	}
	return len(p), nil
}

func (w *capWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.buf.String()
}

// RunCommand executes one monitor command and returns its parsed result
// plus any stderr output. Errors are reported as result strings so a
// misbehaving command still produces a visible value on the conductor.
func (m *Monitor) RunCommand(def *types.CommandDef) (any, string) {
	timeout := def.Timeout
	if timeout <= 0 {
		timeout = m.cfg.GetInt("monitor_command_timeout_sec", defaultCommandTimeoutSec)
	}

	env := supervisor.CleanEnv()
	for key, val := range def.Secrets {
		env[key] = val
	}

	runAs, err := supervisor.ResolveRunAs(def.UID, def.GID, env)
	if err != nil {
		metrics.MonitorCommandErrors.Inc()
		spec := def.UID
		if spec == "" {
			spec = def.GID
		}
		return "Error: Could not determine user/group information for: " + spec, ""
	}

	prog, args, err := m.parseCommand(def, env)
	if err != nil {
		metrics.MonitorCommandErrors.Inc()
		return "Error: " + err.Error(), ""
	}

	cmd := exec.Command(prog, args...)
	cmd.Env = supervisor.FlattenEnv(env)
	if def.CWD != "" {
		cmd.Dir = def.CWD
	} else {
		cmd.Dir = os.TempDir()
	}
	runAs.Apply(cmd)

	var overflowed atomic.Bool
	kill := func() {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
	stdout := &capWriter{max: maxCommandOutputBytes, trip: func() {
		overflowed.Store(true)
		kill()
	}}
	stderr := &capWriter{max: maxCommandOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		metrics.MonitorCommandErrors.Inc()
		return "Error: " + err.Error(), ""
	}

	var timedOut atomic.Bool
	timer := time.AfterFunc(time.Duration(timeout)*time.Second, func() {
		timedOut.Store(true)
		kill()
	})
	_ = cmd.Wait()
	timer.Stop()

	errText := stderr.String()
	if timedOut.Load() {
		metrics.MonitorCommandErrors.Inc()
		return fmt.Sprintf("Error: Command timed out after %d seconds", timeout), errText
	}
	if overflowed.Load() {
		m.logger.Warn().Str("command", def.ID).Msg("Monitor command output truncated at 1 MB")
	}

	return parseResult(stdout.String(), def.Format), errText
}

// parseCommand splits the command line the same way jobs are parsed:
// program at the first whitespace, shell-style argument lexing, and the
// materialized script path appended for script commands
func (m *Monitor) parseCommand(def *types.CommandDef, env map[string]string) (string, []string, error) {
	raw := strings.TrimSpace(def.Command)
	if raw == "" {
		return "", nil, fmt.Errorf("empty command")
	}

	prog := raw
	rest := ""
	if idx := strings.IndexAny(raw, " \t"); idx >= 0 {
		prog = raw[:idx]
		rest = strings.TrimSpace(raw[idx+1:])
	}
	prog = supervisor.ExpandVars(prog, env)

	var args []string
	if rest != "" {
		parts, err := shlex.Split(rest)
		if err != nil {
			return "", nil, fmt.Errorf("failed to parse command: %w", err)
		}
		for _, part := range parts {
			args = append(args, supervisor.ExpandVars(part, env))
		}
	}

	if def.Script != "" && m.PluginScriptPath != nil {
		args = append(args, m.PluginScriptPath(def.ID))
	}
	return prog, args, nil
}

// parseResult converts raw command output per the declared format.
// Parse failures become error strings rather than dropped samples.
func parseResult(out, format string) any {
	switch format {
	case "json":
		if !jsonishRe.MatchString(out) {
			return strings.TrimSpace(out)
		}
		var v any
		if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &v); err != nil {
			return "JSON Parser Error: " + err.Error()
		}
		return v
	case "xml":
		if !strings.Contains(out, "<") {
			return strings.TrimSpace(out)
		}
		v, err := ParseXML(out)
		if err != nil {
			return "XML Parser Error: " + err.Error()
		}
		return v
	default:
		return strings.TrimSpace(out)
	}
}

// TestPlugin runs one monitor command on demand and echoes the request
// back with the result attached
func (m *Monitor) TestPlugin(data map[string]any) {
	id, _ := data["plugin_id"].(string)

	var def *types.CommandDef
	m.mu.Lock()
	for i := range m.commands {
		if m.commands[i].ID == id {
			found := m.commands[i]
			def = &found
			break
		}
	}
	m.mu.Unlock()

	if def == nil {
		data["result"] = "Error: Monitor command not found: " + id
	} else {
		result, errText := m.RunCommand(def)
		data["result"] = result
		data["stderr"] = errText
	}
	m.ch.Send(types.CmdMonitorTestResult, data)
}
