package maint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/rs/zerolog"

	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/log"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

const upgradeWatchdogDelay = 60 * time.Second

// Sender is the control channel surface maintenance needs
type Sender interface {
	Send(cmd string, data any)
	Connected() bool
	Authed() bool
	Host() string
}

// JobGate reports whether jobs are still active, to defer upgrades
type JobGate interface {
	HasActiveJobs() bool
}

// Manager runs the maintenance operations
type Manager struct {
	cfg    *config.Config
	ch     Sender
	jobs   JobGate
	logger zerolog.Logger

	mu             sync.Mutex
	upgradePending bool
}

// New creates a maintenance manager
func New(cfg *config.Config, ch Sender, jobs JobGate) *Manager {
	return &Manager{
		cfg:    cfg,
		ch:     ch,
		jobs:   jobs,
		logger: log.WithComponent("maint"),
	}
}

// ArchiveLogs gzips every log in log_dir into the dated archive location
// and prunes archives past the retention window. Runs daily.
func (m *Manager) ArchiveLogs() {
	logDir := m.cfg.GetString("log_dir")
	template := m.cfg.GetString("log_archive_path")
	if logDir == "" || template == "" {
		return
	}

	logs, err := filepath.Glob(filepath.Join(logDir, "*.log"))
	if err != nil {
		return
	}

	// archives are stamped with the day the entries were written
	stamp := time.Now().AddDate(0, 0, -1)
	for _, path := range logs {
		info, err := os.Stat(path)
		if err != nil || info.Size() == 0 {
			continue
		}
		dest := expandArchivePath(template, filepath.Base(path), stamp)
		if err := gzipTo(path, dest); err != nil {
			m.logger.Error().Err(err).Str("log", path).Msg("Failed to archive log")
			continue
		}
		if err := os.Truncate(path, 0); err != nil {
			m.logger.Error().Err(err).Str("log", path).Msg("Failed to truncate archived log")
		}
		m.logger.Debug().Str("log", path).Str("archive", dest).Msg("Archived log")
	}

	m.pruneArchives(template)
}

// expandArchivePath fills the [yyyy] [mm] [dd] [filename] placeholders
func expandArchivePath(template, filename string, t time.Time) string {
	repl := strings.NewReplacer(
		"[yyyy]", fmt.Sprintf("%04d", t.Year()),
		"[mm]", fmt.Sprintf("%02d", t.Month()),
		"[dd]", fmt.Sprintf("%02d", t.Day()),
		"[filename]", strings.TrimSuffix(filename, ".log"),
	)
	return repl.Replace(template)
}

func gzipTo(src, dest string) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	zw := gzip.NewWriter(out)
	if _, err := io.Copy(zw, in); err != nil {
		zw.Close()
		out.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// pruneArchives deletes archives older than log_archive_keep days. The
// walk root is the longest template prefix without placeholders.
func (m *Manager) pruneArchives(template string) {
	keepDays := m.cfg.GetInt("log_archive_keep", 30)
	if keepDays <= 0 {
		return
	}
	root := template
	if idx := strings.Index(root, "["); idx >= 0 {
		root = filepath.Dir(root[:idx])
	}
	if root == "" || root == "." || root == "/" {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -keepDays)

	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		if strings.HasSuffix(path, ".gz") && info.ModTime().Before(cutoff) {
			if rmErr := os.Remove(path); rmErr == nil {
				m.logger.Debug().Str("archive", path).Msg("Pruned expired log archive")
			}
		}
		return nil
	})
}

// Upgrade starts a self-upgrade. If jobs are still running the upgrade is
// deferred until the supervisor reports idle via Recheck.
func (m *Manager) Upgrade() {
	if m.jobs.HasActiveJobs() {
		m.mu.Lock()
		m.upgradePending = true
		m.mu.Unlock()
		m.logger.Info().Msg("Upgrade requested, deferring until all jobs complete")
		return
	}
	m.runUpgrade()
}

// Recheck fires a deferred upgrade once the job supervisor goes idle.
// Wired as the supervisor's completion callback.
func (m *Manager) Recheck() {
	m.mu.Lock()
	pending := m.upgradePending
	m.mu.Unlock()
	if !pending || m.jobs.HasActiveJobs() {
		return
	}
	m.mu.Lock()
	m.upgradePending = false
	m.mu.Unlock()
	m.runUpgrade()
}

// runUpgrade pipes the conductor's install script into a detached shell.
// The shell output lands in background.log, surfaced on next startup; a
// watchdog reports failure if this process is still alive after a minute.
func (m *Manager) runUpgrade() {
	url := m.upgradeURL()
	if url == "" {
		m.logger.Error().Msg("Cannot upgrade: no conductor host known")
		return
	}

	fetcher := fmt.Sprintf("curl -fsSL %q | /bin/sh", url)
	if _, err := exec.LookPath("curl"); err != nil {
		fetcher = fmt.Sprintf("wget -q -O- %q | /bin/sh", url)
	}

	logPath := filepath.Join(m.cfg.GetString("log_dir"), "background.log")
	m.logger.Info().Str("url", url).Msg("Starting satellite upgrade")

	if err := spawnDetachedShell(fetcher, logPath); err != nil {
		m.logger.Error().Err(err).Msg("Failed to launch upgrade shell")
		m.ch.Send(types.CmdCritical, map[string]any{
			"description": "Satellite upgrade failed to launch: " + err.Error(),
		})
		return
	}

	// if the upgrade succeeded this process gets restarted and the
	// watchdog never fires
	time.AfterFunc(upgradeWatchdogDelay, func() {
		contents, _ := os.ReadFile(logPath)
		m.logger.Error().Msg("Upgrade watchdog fired, still running after 60 seconds")
		m.ch.Send(types.CmdCritical, map[string]any{
			"description": "Satellite upgrade did not complete within 60 seconds",
			"log":         tailString(string(contents), 8192),
		})
	})
}

// upgradeURL builds the authenticated install script URL
func (m *Manager) upgradeURL() string {
	host := m.ch.Host()
	if host == "" {
		return ""
	}
	scheme := "http"
	if m.cfg.GetBool("secure") {
		scheme = "https"
	}
	serverID := m.cfg.GetString("server_id")
	token := m.cfg.GetString("auth_token")
	if token == "" {
		sum := sha256.Sum256([]byte(serverID + m.cfg.GetString("secret_key")))
		token = hex.EncodeToString(sum[:])
	}
	return fmt.Sprintf("%s://%s:%d/api/app/satellite/upgrade?s=%s&t=%s",
		scheme, host, m.cfg.GetInt("port", 5522), serverID, token)
}

// Uninstall re-executes the satellite binary detached with the uninstall
// argument, so removal can proceed after this process exits
func (m *Manager) Uninstall() {
	self, err := os.Executable()
	if err != nil {
		m.logger.Error().Err(err).Msg("Cannot locate own executable for uninstall")
		return
	}
	m.logger.Info().Msg("Starting satellite uninstall")
	if err := spawnDetached(self, "uninstall"); err != nil {
		m.logger.Error().Err(err).Msg("Failed to launch uninstaller")
	}
}

// CheckStartupLogs surfaces leftover background/crash logs after a join.
// A background.log means an upgrade ran while we were down; a crash.log
// means the previous process died hard.
func (m *Manager) CheckStartupLogs() {
	logDir := m.cfg.GetString("log_dir")

	bgPath := filepath.Join(logDir, "background.log")
	if contents, err := os.ReadFile(bgPath); err == nil {
		m.ch.Send(types.CmdNotice, map[string]any{
			"description": "Upgrade completed, satellite restarted",
			"log":         tailString(string(contents), 8192),
		})
		_ = os.Remove(bgPath)
	}

	crashPath := filepath.Join(logDir, "crash.log")
	if contents, err := os.ReadFile(crashPath); err == nil {
		m.ch.Send(types.CmdCritical, map[string]any{
			"description": "Satellite crashed and was restarted",
			"log":         tailString(string(contents), 8192),
		})
		_ = os.Remove(crashPath)
	}
}

func tailString(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[len(s)-max:]
}
