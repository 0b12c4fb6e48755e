package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.Timeout)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 13, cfg.Decompose.Threshold)
	assert.Equal(t, 5, cfg.Decompose.MaxDepth)
	assert.Equal(t, 0.5, cfg.Replan.MinVelocity)
	assert.Equal(t, 0.75, cfg.Replan.MaxRisk)
	assert.Equal(t, 0.75, cfg.Blackboard.SolveConfidence)
	assert.Equal(t, 0.8, cfg.Blackboard.Saturation)
	assert.Equal(t, EscalationTimeout, cfg.Escalation.Mode)
	require.NoError(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromPath(t *testing.T) {
	path := writeConfig(t, `
breaker:
  failure_threshold: 3
  timeout: 1m
  fallbacks:
    primary: backup
scheduler:
  max_concurrency: 8
replan:
  cadence: 2s
  min_velocity: 0.4
escalation:
  mode: block
`)

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Breaker.FailureThreshold)
	assert.Equal(t, time.Minute, cfg.Breaker.Timeout)
	assert.Equal(t, "backup", cfg.Breaker.Fallbacks["primary"])
	assert.Equal(t, 8, cfg.Scheduler.MaxConcurrency)
	assert.Equal(t, 2*time.Second, cfg.Replan.Cadence)
	assert.Equal(t, 0.4, cfg.Replan.MinVelocity)
	assert.Equal(t, EscalationBlock, cfg.Escalation.Mode)

	// untouched keys keep defaults
	assert.Equal(t, 2, cfg.Breaker.SuccessThreshold)
	assert.Equal(t, 13, cfg.Decompose.Threshold)
}

func TestLoadFromPath_EnvOverride(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  max_concurrency: 8\n")
	t.Setenv("LOOM_SCHEDULER_MAX_CONCURRENCY", "2")

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.Scheduler.MaxConcurrency)
}

func TestLoadFromPath_Invalid(t *testing.T) {
	path := writeConfig(t, "breaker:\n  failure_threshold: 0\nescalation:\n  mode: shrug\n")
	_, err := LoadFromPath(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failure_threshold")
	assert.Contains(t, err.Error(), "escalation.mode")
}

func TestLoadFromPath_Missing(t *testing.T) {
	_, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"max timeout below timeout", func(c *Config) { c.Breaker.MaxTimeout = time.Second }},
		{"zero concurrency", func(c *Config) { c.Scheduler.MaxConcurrency = 0 }},
		{"depth above five", func(c *Config) { c.Decompose.MaxDepth = 6 }},
		{"risk above one", func(c *Config) { c.Replan.MaxRisk = 1.5 }},
		{"timeout mode without timeout", func(c *Config) { c.Escalation.Timeout = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestSaveToRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "config.yaml")
	cfg := Default()
	cfg.Scheduler.MaxConcurrency = 7
	cfg.Breaker.Fallbacks = map[string]string{"a": "b"}
	require.NoError(t, SaveTo(cfg, path))

	loaded, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, 7, loaded.Scheduler.MaxConcurrency)
	assert.Equal(t, "b", loaded.Breaker.Fallbacks["a"])
}

func TestSet(t *testing.T) {
	cfg := Default()

	updated, err := Set(cfg, "Scheduler.Max_Concurrency", "9")
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Scheduler.MaxConcurrency)
	assert.Equal(t, 4, cfg.Scheduler.MaxConcurrency)

	updated, err = Set(updated, "breaker.timeout", "45s")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, updated.Breaker.Timeout)

	updated, err = Set(updated, "breaker.fallbacks.deploy", "deploy-dry")
	require.NoError(t, err)
	assert.Equal(t, "deploy-dry", updated.Breaker.Fallbacks["deploy"])

	_, err = Set(cfg, "nope.key", "1")
	assert.ErrorContains(t, err, "unknown configuration key")

	_, err = Set(cfg, "escalation.mode", "sometimes")
	assert.Error(t, err)
}

func TestWatchReloads(t *testing.T) {
	path := writeConfig(t, "scheduler:\n  max_concurrency: 2\n")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan *Config, 4)
	go Watch(ctx, path, nil, func(c *Config) { got <- c })

	// give the watcher time to register
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("scheduler:\n  max_concurrency: 6\n"), 0644))

	select {
	case c := <-got:
		assert.Equal(t, 6, c.Scheduler.MaxConcurrency)
	case <-time.After(3 * time.Second):
		t.Fatal("expected reload")
	}
}
