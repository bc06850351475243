package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMastersAliasNormalization(t *testing.T) {
	tests := []struct {
		name string
		data map[string]any
		want []string
	}{
		{
			name: "comma separated string",
			data: map[string]any{"masters": "alpha.local, beta.local ,gamma.local"},
			want: []string{"alpha.local", "beta.local", "gamma.local"},
		},
		{
			name: "list form",
			data: map[string]any{"masters": []any{"alpha.local"}},
			want: []string{"alpha.local"},
		},
		{
			name: "empty entries dropped",
			data: map[string]any{"masters": "alpha.local,, "},
			want: []string{"alpha.local"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := New(tt.data)
			assert.Equal(t, tt.want, cfg.GetStringSlice("hosts"))
			assert.Nil(t, cfg.Get("masters"))
		})
	}
}

func TestGetCoercions(t *testing.T) {
	cfg := New(map[string]any{
		"port":    float64(5522),
		"secure":  1.0,
		"name":    "sat-1",
		"enabled": "false",
	})

	assert.Equal(t, 5522, cfg.GetInt("port", 0))
	assert.Equal(t, 99, cfg.GetInt("missing", 99))
	assert.True(t, cfg.GetBool("secure"))
	assert.False(t, cfg.GetBool("enabled"))
	assert.False(t, cfg.GetBool("missing"))
	assert.Equal(t, "sat-1", cfg.GetString("name"))
}

func TestUpdatePersistsAndStripsInitial(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix file modes")
	}
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"secret_key":"abc","initial":{"group":"db"}}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.NotNil(t, cfg.Get("initial"))

	require.NoError(t, cfg.Update(map[string]any{"server_id": "srv123"}))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var saved map[string]any
	require.NoError(t, json.Unmarshal(raw, &saved))
	assert.Equal(t, "srv123", saved["server_id"])
	assert.Equal(t, "abc", saved["secret_key"])
	// bootstrap block is one-time only
	_, hasInitial := saved["initial"]
	assert.False(t, hasInitial)
}

func TestReloadFiresHooks(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"port":5522}`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	fired := 0
	cfg.OnReload(func() { fired++ })

	require.NoError(t, os.WriteFile(path, []byte(`{"port":6000}`), 0600))
	require.NoError(t, cfg.Reload())

	assert.Equal(t, 1, fired)
	assert.Equal(t, 6000, cfg.GetInt("port", 0))
}
