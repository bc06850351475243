package agent

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pixlcore/xysat-beta/pkg/channel"
	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/log"
	"github.com/pixlcore/xysat-beta/pkg/maint"
	"github.com/pixlcore/xysat-beta/pkg/metrics"
	"github.com/pixlcore/xysat-beta/pkg/supervisor"
	"github.com/pixlcore/xysat-beta/pkg/telemetry"
	"github.com/pixlcore/xysat-beta/pkg/types"
)

// Satellite is the composed agent process
type Satellite struct {
	cfg     *config.Config
	logger  zerolog.Logger
	version string

	ch    *channel.Manager
	sup   *supervisor.Supervisor
	mon   *telemetry.Monitor
	maint *maint.Manager

	stop chan struct{}
}

// New builds a satellite from a loaded config
func New(cfg *config.Config, version string) *Satellite {
	s := &Satellite{
		cfg:     cfg,
		logger:  log.WithComponent("agent"),
		version: version,
		stop:    make(chan struct{}),
	}
	s.ch = channel.New(cfg, s)
	s.sup = supervisor.New(cfg, s.ch, version)
	s.mon = telemetry.New(cfg, s.ch, s.sup, version)
	s.maint = maint.New(cfg, s.ch, s.sup)

	s.sup.PluginScriptPath = s.PluginScriptPath
	s.sup.UpgradeRecheck = s.maint.Recheck
	s.mon.PluginScriptPath = s.PluginScriptPath
	return s
}

// Start creates the working directories, connects to the conductor and
// launches the tick loops
func (s *Satellite) Start() error {
	logDir := s.cfg.GetString("log_dir")
	tempDir := s.cfg.GetString("temp_dir")
	for _, dir := range []string{
		filepath.Join(logDir, "jobs"),
		filepath.Join(tempDir, "jobs"),
		filepath.Join(tempDir, "plugins"),
	} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	if addr := s.cfg.GetString("metrics_addr"); addr != "" {
		go metrics.Serve(addr)
	}

	s.ch.Connect()
	go s.run()
	return nil
}

// run drives the periodic work: per-second channel and job accounting
// ticks, per-minute log checks and full telemetry, daily log archival
func (s *Satellite) run() {
	secTick := time.NewTicker(time.Second)
	minTick := time.NewTicker(time.Minute)
	dayTick := time.NewTicker(24 * time.Hour)
	defer secTick.Stop()
	defer minTick.Stop()
	defer dayTick.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-secTick.C:
			s.ch.Tick()
			s.sup.JobTick()
			go s.mon.QuickPass()
		case <-minTick.C:
			s.sup.CheckJobLogSizes()
			go s.mon.FullPass()
		case <-dayTick.C:
			go s.maint.ArchiveLogs()
		}
	}
}

// Shutdown aborts all jobs, waits for them to drain and closes the
// channel. Blocks up to shutdown_timeout_sec.
func (s *Satellite) Shutdown() {
	close(s.stop)
	s.sup.SetShutdown()
	s.sup.AbortAll("Server is shutting down.")
	timeout := time.Duration(s.cfg.GetInt("shutdown_timeout_sec", 30)) * time.Second
	s.sup.WaitForAll(timeout)
	s.ch.Stop()
}

// BasicInfo implements channel.Delegate
func (s *Satellite) BasicInfo() map[string]any {
	return s.mon.BasicServerInfo()
}

// HandleJoined implements channel.Delegate. The channel has already
// merged the conductor's config push; this applies the fleet context.
func (s *Satellite) HandleJoined(data *types.JoinedData, host string) {
	s.logger.Info().Str("host", host).Int("num_servers", data.NumServers).Msg("Joined conductor")

	s.mon.SetJoined(data.NumServers, data.Groups, data.Commands)
	s.prepPlugins(data.Plugins, data.Commands)
	s.maint.CheckStartupLogs()

	if s.sup.HasActiveJobs() {
		// jobs survived the disconnect; resume their log streams
		s.sup.MarkReconnected(time.Now().Unix())
		s.sup.AppendMetaLogAll("Reconnected to conductor at " + host)
	} else {
		go s.mon.FullPass()
	}
}

// HandleAuthFailure implements channel.Delegate
func (s *Satellite) HandleAuthFailure(description string) {
	s.logger.Error().Str("description", description).
		Msg("Conductor rejected our credentials; check secret_key or auth_token")
}

// ConnectionLost implements channel.Delegate
func (s *Satellite) ConnectionLost() {
	s.sup.AppendMetaLogAll("Lost connection to conductor")
}

// HandleCommand implements channel.Delegate: the dispatch point for every
// conductor command that isn't part of the channel protocol itself
func (s *Satellite) HandleCommand(cmd string, data json.RawMessage) {
	switch cmd {
	case types.CmdLaunchJob:
		var req types.LaunchRequest
		if err := json.Unmarshal(data, &req); err != nil || req.Job == nil || req.Job.ID == "" {
			s.logger.Error().Msg("Malformed launch_job from conductor")
			return
		}
		go s.sup.PrepLaunch(req.Job, req.Details, req.Secrets)

	case types.CmdAbortJob:
		var req types.AbortRequest
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
			s.logger.Error().Msg("Malformed abort_job from conductor")
			return
		}
		go s.sup.Abort(req)

	case types.CmdUpdate:
		var upd types.JoinedData
		if err := json.Unmarshal(data, &upd); err != nil {
			s.logger.Error().Msg("Malformed update from conductor")
			return
		}
		s.mon.SetJoined(upd.NumServers, upd.Groups, upd.Commands)
		s.prepPlugins(upd.Plugins, upd.Commands)

	case types.CmdUpdateConfig:
		var updates map[string]any
		if err := json.Unmarshal(data, &updates); err != nil {
			s.logger.Error().Msg("Malformed updateConfig from conductor")
			return
		}
		if err := s.cfg.Update(updates); err != nil {
			s.logger.Error().Err(err).Msg("Failed to save configuration file")
		}

	case types.CmdUpgrade:
		go s.maint.Upgrade()

	case types.CmdUninstall:
		go s.maint.Uninstall()

	case types.CmdTestMonitorPlugin:
		var payload map[string]any
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		go s.mon.TestPlugin(payload)

	default:
		s.logger.Warn().Str("cmd", cmd).Msg("Unknown command from conductor")
	}
}
