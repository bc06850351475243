package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
)

// Defaults for settings the conductor may omit
const (
	DefaultConnectTimeoutSec     = 5
	DefaultPingTimeoutSec        = 60
	DefaultReconnectDelaySec     = 1
	DefaultReconnectDelayMaxSec  = 30
	DefaultChildKillTimeoutSec   = 10
	DefaultMonitorConcurrency    = 8
	DefaultMonitorTimeoutSec     = 10
	DefaultRequestTimeoutSec     = 300
)

// Config is a schemaless key/value store backed by a JSON file. The
// conductor pushes arbitrary config updates over the channel; they are
// merged into the live store and written back with restrictive permissions.
type Config struct {
	mu       sync.RWMutex
	path     string
	data     map[string]any
	onReload []func()
}

// Load reads and parses the config file
func Load(path string) (*Config, error) {
	cfg := &Config{path: path, data: make(map[string]any)}
	if err := cfg.read(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// New creates an in-memory config (tests, embedded use)
func New(data map[string]any) *Config {
	if data == nil {
		data = make(map[string]any)
	}
	cfg := &Config{data: data}
	cfg.normalize()
	return cfg
}

func (c *Config) read() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	data := make(map[string]any)
	if err := json.Unmarshal(raw, &data); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", c.path, err)
	}
	c.mu.Lock()
	c.data = data
	c.normalizeLocked()
	c.mu.Unlock()
	return nil
}

// normalize folds the `masters` alias into `hosts`, splitting a
// comma-separated string if needed (common environment variable format).
func (c *Config) normalize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.normalizeLocked()
}

func (c *Config) normalizeLocked() {
	masters, ok := c.data["masters"]
	if !ok {
		return
	}
	switch v := masters.(type) {
	case string:
		var hosts []any
		for _, host := range strings.Split(v, ",") {
			if host = strings.TrimSpace(host); host != "" {
				hosts = append(hosts, host)
			}
		}
		c.data["hosts"] = hosts
	case []any:
		c.data["hosts"] = v
	}
	delete(c.data, "masters")
}

// Path returns the on-disk config file path
func (c *Config) Path() string { return c.path }

// Get returns the raw value for a key (nil if absent)
func (c *Config) Get(key string) any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.data[key]
}

// GetString returns a string value, or "" if absent or mistyped
func (c *Config) GetString(key string) string {
	v, _ := c.Get(key).(string)
	return v
}

// GetInt returns an integer value, or def if absent
func (c *Config) GetInt(key string, def int) int {
	switch v := c.Get(key).(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

// GetFloat returns a float value, or def if absent
func (c *Config) GetFloat(key string, def float64) float64 {
	switch v := c.Get(key).(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return def
}

// GetBool returns a boolean value; numbers and strings coerce loosely
func (c *Config) GetBool(key string) bool {
	switch v := c.Get(key).(type) {
	case bool:
		return v
	case float64:
		return v != 0
	case string:
		return v != "" && v != "0" && v != "false"
	}
	return false
}

// GetStringSlice returns a list-of-strings value
func (c *Config) GetStringSlice(key string) []string {
	raw, ok := c.Get(key).([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// GetStringMap returns an object value with scalar entries stringified
func (c *Config) GetStringMap(key string) map[string]string {
	raw, ok := c.Get(key).(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case float64:
			out[k] = fmt.Sprintf("%v", val)
		case bool:
			if val {
				out[k] = "1"
			} else {
				out[k] = "0"
			}
		}
	}
	return out
}

// GetMap returns an object value as-is
func (c *Config) GetMap(key string) map[string]any {
	v, _ := c.Get(key).(map[string]any)
	return v
}

// Set stores a value in the live config without persisting it
func (c *Config) Set(key string, val any) {
	c.mu.Lock()
	c.data[key] = val
	c.mu.Unlock()
}

// Delete removes a key from the live config
func (c *Config) Delete(key string) {
	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()
}

// Update merges the given keys into the live config and persists the whole
// file as pretty-printed JSON with 0600 permissions. The one-time `initial`
// bootstrap key is stripped on save.
func (c *Config) Update(updates map[string]any) error {
	c.mu.Lock()
	for key, val := range updates {
		c.data[key] = val
	}
	c.normalizeLocked()
	c.mu.Unlock()
	return c.Save()
}

// Save writes the config back to disk. In-memory configs are a no-op.
func (c *Config) Save() error {
	if c.path == "" {
		return nil
	}
	c.mu.Lock()
	delete(c.data, "initial")
	raw, err := json.MarshalIndent(c.data, "", "\t")
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to serialize config: %w", err)
	}
	if err := os.WriteFile(c.path, append(raw, '\n'), 0600); err != nil {
		return fmt.Errorf("failed to save config file: %w", err)
	}
	return nil
}

// Reload re-reads the config file and fires reload hooks
func (c *Config) Reload() error {
	if c.path == "" {
		return nil
	}
	if err := c.read(); err != nil {
		return err
	}
	c.mu.RLock()
	hooks := append([]func(){}, c.onReload...)
	c.mu.RUnlock()
	for _, fn := range hooks {
		fn()
	}
	return nil
}

// OnReload registers a hook fired after each successful Reload
func (c *Config) OnReload(fn func()) {
	c.mu.Lock()
	c.onReload = append(c.onReload, fn)
	c.mu.Unlock()
}
