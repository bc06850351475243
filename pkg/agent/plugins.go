package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/pixlcore/xysat-beta/pkg/types"
)

// scriptExt is the extension for materialized plugin scripts. Interpreters
// are named in the command line, so the extension only matters on windows
// where cmd dispatches by suffix.
func scriptExt(script string) string {
	if runtime.GOOS != "windows" {
		return ".bin"
	}
	if strings.Contains(strings.SplitN(script, "\n", 2)[0], "powershell") {
		return ".ps1"
	}
	return ".bat"
}

// PluginScriptPath returns where a plugin or monitor command script is
// materialized on disk
func (s *Satellite) PluginScriptPath(id string) string {
	dir := filepath.Join(s.cfg.GetString("temp_dir"), "plugins")
	matches, _ := filepath.Glob(filepath.Join(dir, id+".*"))
	if len(matches) > 0 {
		return matches[0]
	}
	return filepath.Join(dir, id+".bin")
}

// prepPlugins writes every pushed plugin and monitor command script to the
// plugins directory and sweeps files whose definitions are gone
func (s *Satellite) prepPlugins(plugins []types.PluginDef, commands []types.CommandDef) {
	dir := filepath.Join(s.cfg.GetString("temp_dir"), "plugins")
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Error().Err(err).Msg("Failed to create plugins directory")
		return
	}

	want := make(map[string]bool)
	write := func(id, script string) {
		if script == "" {
			return
		}
		name := id + scriptExt(script)
		want[name] = true
		path := filepath.Join(dir, name)
		if existing, err := os.ReadFile(path); err == nil && string(existing) == script {
			return
		}
		if err := os.WriteFile(path, []byte(script), 0755); err != nil {
			s.logger.Error().Err(err).Str("plugin", id).Msg("Failed to write plugin script")
			return
		}
		s.logger.Debug().Str("plugin", id).Str("path", path).Msg("Materialized plugin script")
	}
	for _, p := range plugins {
		write(p.ID, p.Script)
	}
	for _, c := range commands {
		write(c.ID, c.Script)
	}

	// sweep scripts whose plugin or command no longer exists
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || want[entry.Name()] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
			s.logger.Debug().Str("file", entry.Name()).Msg("Removed stale plugin script")
		}
	}
}
