package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/logging"
	"github.com/ShayCichocki/loom/internal/metrics"
	"github.com/ShayCichocki/loom/internal/state"
)

var (
	configPath string
	statePath  string
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Adaptive task orchestration engine",
	Long: `Loom decomposes declared work into a task graph and executes it in
dependency order, one parallel group at a time.

Core capabilities:
- Hierarchical decomposition with pluggable strategies
- Circuit breakers with cache and fallback degradation
- Sagas that compensate completed steps on failure
- Continuous replanning with operator escalation`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Config file (default ~/.config/loom/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "State database path (overrides state.path)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(breakersCmd)
	rootCmd.AddCommand(sagaCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// app holds the ambient components every command shares.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *state.Store
	emitter *audit.Emitter
	metrics *metrics.Collector
	closers []io.Closer
}

// loadConfig honors --config, falling back to the XDG and project files.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.LoadFromPath(configPath)
	}
	return config.Load()
}

// watchedConfigPath is the file hot reload follows.
func watchedConfigPath() string {
	if configPath != "" {
		return configPath
	}
	if p := config.GetProjectConfigPath(); p != "" {
		return p
	}
	return config.GetUserConfigPath()
}

func setup() (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if statePath != "" {
		cfg.State.Path = statePath
	}

	logger, logCloser, err := logging.New(os.Stderr, logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	a := &app{cfg: cfg, logger: logger, closers: []io.Closer{logCloser}}

	var backend state.Backend = state.NewMemory()
	if cfg.State.Path != "" {
		db, err := state.Open(cfg.State.Path)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("open state database: %w", err)
		}
		backend = db
	}
	a.store = state.NewStore(backend)
	a.closers = append(a.closers, a.store)

	if cfg.Metrics.Addr != "" {
		a.metrics = metrics.NewCollector()
	}
	a.emitter = audit.NewEmitter(1024,
		audit.LogSink{Logger: logger.With("component", "audit")},
		audit.StoreSink{Store: a.store, Logger: logger},
	)
	a.emitter.SetLogger(logger)
	return a, nil
}

// Close flushes the audit stream before closing the store it writes to.
func (a *app) Close() {
	if a.emitter != nil {
		a.emitter.Close()
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			a.logger.Warn("close", "error", err)
		}
	}
}

// printStatus prints a status line with color
func printStatus(symbol, message string, colorAttr color.Attribute) {
	c := color.New(colorAttr)
	fmt.Printf("%s %s\n", c.Sprint(symbol), message)
}
