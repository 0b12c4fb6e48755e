// Package config handles configuration loading and management for loom.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every deployment-tunable value of the engine.
type Config struct {
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Decompose  DecomposeConfig  `mapstructure:"decompose"`
	Replan     ReplanConfig     `mapstructure:"replan"`
	Blackboard BlackboardConfig `mapstructure:"blackboard"`
	Escalation EscalationConfig `mapstructure:"escalation"`
	State      StateConfig      `mapstructure:"state"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// BreakerConfig holds circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold int           `mapstructure:"failure_threshold"`
	SuccessThreshold int           `mapstructure:"success_threshold"`
	Timeout          time.Duration `mapstructure:"timeout"`
	// MaxTimeout caps the doubling applied after a failed half-open trial.
	MaxTimeout time.Duration `mapstructure:"max_timeout"`
	// CacheTTL bounds how old a cached result may be to serve as a fallback.
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// Fallbacks maps an executor to its designated fallback executor.
	Fallbacks map[string]string `mapstructure:"fallbacks"`
}

// SchedulerConfig holds parallel group settings.
type SchedulerConfig struct {
	MaxConcurrency int `mapstructure:"max_concurrency"`
	// TaskTimeout bounds each executor invocation. Zero disables it.
	TaskTimeout time.Duration `mapstructure:"task_timeout"`
}

// DecomposeConfig holds hierarchical decomposition settings.
type DecomposeConfig struct {
	Threshold int    `mapstructure:"threshold"`
	MaxDepth  int    `mapstructure:"max_depth"`
	Strategy  string `mapstructure:"strategy"`
}

// ReplanConfig holds the replanning trigger policy.
type ReplanConfig struct {
	Cadence       time.Duration `mapstructure:"cadence"`
	MinVelocity   float64       `mapstructure:"min_velocity"`
	MaxRisk       float64       `mapstructure:"max_risk"`
	MinConfidence float64       `mapstructure:"min_confidence"`
	MaxCandidates int           `mapstructure:"max_candidates"`
}

// BlackboardConfig holds synthesis and convergence settings.
type BlackboardConfig struct {
	SolveConfidence float64       `mapstructure:"solve_confidence"`
	Saturation      float64       `mapstructure:"saturation"`
	ConflictDelta   float64       `mapstructure:"conflict_delta"`
	Window          time.Duration `mapstructure:"window"`
	HalfLife        time.Duration `mapstructure:"half_life"`
	MinInterval     time.Duration `mapstructure:"min_interval"`
	MaxIterations   int           `mapstructure:"max_iterations"`
	Budget          time.Duration `mapstructure:"budget"`
}

// EscalationConfig decides what happens when a human is needed.
type EscalationConfig struct {
	// Mode is "block" (wait indefinitely) or "timeout" (hard-fail after Timeout).
	Mode    string        `mapstructure:"mode"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// StateConfig holds persistence settings.
type StateConfig struct {
	// Path is the SQLite file. Empty keeps state in memory.
	Path string `mapstructure:"path"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// MetricsConfig holds the Prometheus endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

const (
	EscalationBlock   = "block"
	EscalationTimeout = "timeout"
)

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (LOOM_BREAKER_TIMEOUT, ...)
// 2. Project config (.loom.yaml in current directory or parent)
// 3. User config (~/.config/loom/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific path.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}
	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("LOOM")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.State.Path = os.ExpandEnv(cfg.State.Path)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Breaker.FailureThreshold < 1 {
		errs = append(errs, errors.New("breaker.failure_threshold must be >= 1"))
	}
	if c.Breaker.SuccessThreshold < 1 {
		errs = append(errs, errors.New("breaker.success_threshold must be >= 1"))
	}
	if c.Breaker.Timeout <= 0 {
		errs = append(errs, errors.New("breaker.timeout must be positive"))
	}
	if c.Breaker.MaxTimeout < c.Breaker.Timeout {
		errs = append(errs, errors.New("breaker.max_timeout must be >= breaker.timeout"))
	}
	if c.Scheduler.MaxConcurrency < 1 {
		errs = append(errs, errors.New("scheduler.max_concurrency must be >= 1"))
	}
	if c.Decompose.Threshold < 1 {
		errs = append(errs, errors.New("decompose.threshold must be >= 1"))
	}
	if c.Decompose.MaxDepth < 0 || c.Decompose.MaxDepth > 5 {
		errs = append(errs, errors.New("decompose.max_depth must be within 0..5"))
	}
	if c.Replan.Cadence <= 0 {
		errs = append(errs, errors.New("replan.cadence must be positive"))
	}
	for name, f := range map[string]float64{
		"replan.min_velocity":         c.Replan.MinVelocity,
		"replan.max_risk":             c.Replan.MaxRisk,
		"replan.min_confidence":       c.Replan.MinConfidence,
		"blackboard.solve_confidence": c.Blackboard.SolveConfidence,
		"blackboard.saturation":       c.Blackboard.Saturation,
		"blackboard.conflict_delta":   c.Blackboard.ConflictDelta,
	} {
		if f < 0 || f > 1 {
			errs = append(errs, fmt.Errorf("%s must be within [0,1]", name))
		}
	}
	switch c.Escalation.Mode {
	case EscalationBlock:
	case EscalationTimeout:
		if c.Escalation.Timeout <= 0 {
			errs = append(errs, errors.New("escalation.timeout must be positive in timeout mode"))
		}
	default:
		errs = append(errs, fmt.Errorf("escalation.mode %q must be block or timeout", c.Escalation.Mode))
	}
	return errors.Join(errs...)
}

// Set returns a copy of cfg with the dotted key set to value. Unknown
// keys and values that fail validation are rejected.
func Set(cfg *Config, key, value string) (*Config, error) {
	key = strings.ToLower(key)
	flat := Flatten(cfg)
	if _, ok := flat[key]; !ok && !strings.HasPrefix(key, "breaker.fallbacks.") {
		return nil, fmt.Errorf("unknown configuration key: %s", key)
	}
	v := viper.New()
	for k, val := range flat {
		v.Set(k, val)
	}
	v.Set(key, value)
	return unmarshal(v)
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	return SaveTo(cfg, GetUserConfigPath())
}

// SaveTo writes cfg to path.
func SaveTo(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(path)
	for key, value := range Flatten(cfg) {
		v.Set(key, value)
	}
	return v.WriteConfig()
}

// Flatten returns every key of cfg in dotted form, values rendered as strings.
func Flatten(cfg *Config) map[string]string {
	out := map[string]string{
		"breaker.failure_threshold":   fmt.Sprint(cfg.Breaker.FailureThreshold),
		"breaker.success_threshold":   fmt.Sprint(cfg.Breaker.SuccessThreshold),
		"breaker.timeout":             cfg.Breaker.Timeout.String(),
		"breaker.max_timeout":         cfg.Breaker.MaxTimeout.String(),
		"breaker.cache_ttl":           cfg.Breaker.CacheTTL.String(),
		"scheduler.max_concurrency":   fmt.Sprint(cfg.Scheduler.MaxConcurrency),
		"scheduler.task_timeout":      cfg.Scheduler.TaskTimeout.String(),
		"decompose.threshold":         fmt.Sprint(cfg.Decompose.Threshold),
		"decompose.max_depth":         fmt.Sprint(cfg.Decompose.MaxDepth),
		"decompose.strategy":          cfg.Decompose.Strategy,
		"replan.cadence":              cfg.Replan.Cadence.String(),
		"replan.min_velocity":         fmt.Sprint(cfg.Replan.MinVelocity),
		"replan.max_risk":             fmt.Sprint(cfg.Replan.MaxRisk),
		"replan.min_confidence":       fmt.Sprint(cfg.Replan.MinConfidence),
		"replan.max_candidates":       fmt.Sprint(cfg.Replan.MaxCandidates),
		"blackboard.solve_confidence": fmt.Sprint(cfg.Blackboard.SolveConfidence),
		"blackboard.saturation":       fmt.Sprint(cfg.Blackboard.Saturation),
		"blackboard.conflict_delta":   fmt.Sprint(cfg.Blackboard.ConflictDelta),
		"blackboard.window":           cfg.Blackboard.Window.String(),
		"blackboard.half_life":        cfg.Blackboard.HalfLife.String(),
		"blackboard.min_interval":     cfg.Blackboard.MinInterval.String(),
		"blackboard.max_iterations":   fmt.Sprint(cfg.Blackboard.MaxIterations),
		"blackboard.budget":           cfg.Blackboard.Budget.String(),
		"escalation.mode":             cfg.Escalation.Mode,
		"escalation.timeout":          cfg.Escalation.Timeout.String(),
		"state.path":                  cfg.State.Path,
		"log.level":                   cfg.Log.Level,
		"log.format":                  cfg.Log.Format,
		"log.file":                    cfg.Log.File,
		"metrics.addr":                cfg.Metrics.Addr,
	}
	for exec, fb := range cfg.Breaker.Fallbacks {
		out["breaker.fallbacks."+exec] = fb
	}
	return out
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	d := Default()
	for key, value := range Flatten(d) {
		v.SetDefault(key, value)
	}
}

// getUserConfigDir returns the XDG config directory for loom.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "loom")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "loom")
	}
	return filepath.Join(home, ".config", "loom")
}

// findProjectConfig searches for .loom.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		configPath := filepath.Join(cwd, ".loom.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}
		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}
	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			MaxTimeout:       10 * time.Minute,
			CacheTTL:         5 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			MaxConcurrency: 4,
		},
		Decompose: DecomposeConfig{
			Threshold: 13,
			MaxDepth:  5,
			Strategy:  "by-layer",
		},
		Replan: ReplanConfig{
			Cadence:       10 * time.Second,
			MinVelocity:   0.5,
			MaxRisk:       0.75,
			MinConfidence: 0.6,
			MaxCandidates: 5,
		},
		Blackboard: BlackboardConfig{
			SolveConfidence: 0.75,
			Saturation:      0.8,
			ConflictDelta:   0.15,
			Window:          time.Minute,
			HalfLife:        10 * time.Minute,
			MinInterval:     time.Second,
			MaxIterations:   20,
			Budget:          5 * time.Minute,
		},
		Escalation: EscalationConfig{
			Mode:    EscalationTimeout,
			Timeout: 30 * time.Minute,
		},
		State: StateConfig{
			Path: filepath.Join(".loom", "state.db"),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}
