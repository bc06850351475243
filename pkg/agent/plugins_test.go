package agent

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

func newTestSatellite(t *testing.T, data map[string]any) *Satellite {
	t.Helper()
	if data == nil {
		data = map[string]any{}
	}
	if _, ok := data["temp_dir"]; !ok {
		data["temp_dir"] = t.TempDir()
	}
	return New(config.New(data), "1.0.0")
}

func TestPrepPluginsMaterializesScripts(t *testing.T) {
	s := newTestSatellite(t, nil)

	s.prepPlugins(
		[]types.PluginDef{{ID: "pshell", Script: "#!/bin/sh\necho hi\n"}},
		[]types.CommandDef{{ID: "cdisk", Command: "/bin/sh", Script: "#!/bin/sh\ndf -h\n"}},
	)

	dir := filepath.Join(s.cfg.GetString("temp_dir"), "plugins")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	path := s.PluginScriptPath("pshell")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "#!/bin/sh\necho hi\n", string(raw))

	if runtime.GOOS != "windows" {
		info, err := os.Stat(path)
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0755), info.Mode().Perm())
	}
}

func TestPrepPluginsSweepsStaleScripts(t *testing.T) {
	s := newTestSatellite(t, nil)

	s.prepPlugins([]types.PluginDef{
		{ID: "keep", Script: "echo keep\n"},
		{ID: "drop", Script: "echo drop\n"},
	}, nil)

	// second push no longer includes "drop"
	s.prepPlugins([]types.PluginDef{
		{ID: "keep", Script: "echo keep\n"},
	}, nil)

	dir := filepath.Join(s.cfg.GetString("temp_dir"), "plugins")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "keep")
}

func TestPrepPluginsSkipsEmptyScripts(t *testing.T) {
	s := newTestSatellite(t, nil)

	s.prepPlugins(
		[]types.PluginDef{{ID: "external", Command: "/usr/bin/tool"}},
		nil,
	)

	dir := filepath.Join(s.cfg.GetString("temp_dir"), "plugins")
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestPluginScriptPathFallback(t *testing.T) {
	s := newTestSatellite(t, nil)
	path := s.PluginScriptPath("never-written")
	assert.True(t, filepath.IsAbs(path) || s.cfg.GetString("temp_dir") != "")
	assert.Contains(t, path, "never-written.bin")
}
