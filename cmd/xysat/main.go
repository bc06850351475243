package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/pixlcore/xysat-beta/pkg/agent"
	"github.com/pixlcore/xysat-beta/pkg/config"
	"github.com/pixlcore/xysat-beta/pkg/log"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	configPath string
	pluginName string
	debugLevel bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "xysat",
	Short: "xySat - fleet satellite agent",
	Long: `xySat is the satellite agent for the xyOps conductor: it maintains a
persistent control channel, runs jobs as supervised child processes and
reports host telemetry back to the fleet.`,
	Version: Version,
	RunE: func(cmd *cobra.Command, args []string) error {
		if pluginName != "" {
			return runBuiltinPlugin(pluginName)
		}
		return runSatellite()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"xySat version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")
	rootCmd.Flags().StringVar(&pluginName, "plugin", "", "Run a built-in plugin (internal)")
	rootCmd.Flags().BoolVar(&debugLevel, "debug", false, "Enable debug logging")
	_ = rootCmd.Flags().MarkHidden("plugin")

	rootCmd.AddCommand(uninstallCmd)
}

// defaultConfigPath is next to the executable, falling back to the
// conventional install location
func defaultConfigPath() string {
	if exe, err := os.Executable(); err == nil {
		candidate := filepath.Join(filepath.Dir(exe), "config.json")
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "/opt/xysat/config.json"
}

func runSatellite() error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := log.Level(cfg.GetString("log_level"))
	if debugLevel {
		level = log.DebugLevel
	}
	log.Init(log.Config{Level: level, JSONOutput: !cfg.GetBool("echo")})

	sat := agent.New(cfg, Version)
	if err := sat.Start(); err != nil {
		return err
	}
	log.Logger.Info().Str("version", Version).Str("config", configPath).Msg("Satellite started")

	// SIGHUP reloads the config file; fresh credentials re-arm a channel
	// that an auth failure took down, everything else applies on the next
	// reconnect
	reloadCh := make(chan os.Signal, 1)
	signal.Notify(reloadCh, syscall.SIGHUP)
	go func() {
		for range reloadCh {
			if err := cfg.Reload(); err != nil {
				log.Logger.Error().Err(err).Msg("Failed to reload configuration")
			} else {
				log.Logger.Info().Msg("Configuration reloaded")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("Shutting down")
	sat.Shutdown()
	log.Logger.Info().Msg("Shutdown complete")
	return nil
}

var uninstallCmd = &cobra.Command{
	Use:    "uninstall",
	Short:  "Remove the satellite installation",
	Hidden: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		exe, err := os.Executable()
		if err != nil {
			return err
		}
		baseDir := filepath.Dir(exe)
		if _, err := os.Stat(filepath.Join(baseDir, "config.json")); err != nil {
			return fmt.Errorf("refusing to uninstall: %s does not look like an install directory", baseDir)
		}

		// let the parent satellite process finish exiting first
		time.Sleep(2 * time.Second)

		fmt.Printf("Removing satellite installation at %s\n", baseDir)
		return os.RemoveAll(baseDir)
	},
}
