package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/novaq/scheduler"
	"github.com/novaq/scheduler/config"
)

func writeTempConfig(t *testing.T, content string) string {
	dir := t.TempDir()
	path := filepath.Join(dir, "scheduler.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ParsesYAML(t *testing.T) {
	path := writeTempConfig(t, `
instanceName: my-scheduler
instanceId: AUTO
threadCount: 8
idleWaitTime: 15s
maxBatchSize: 3
misfireThreshold: 90s
maxFireRate: 50.5
`)
	opts, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "my-scheduler", opts.InstanceName)
	require.Equal(t, "AUTO", opts.InstanceID)
	require.Equal(t, 8, opts.ThreadCount)
	require.Equal(t, config.Duration(15*time.Second), opts.IdleWaitTime)
	require.Equal(t, 3, opts.MaxBatchSize)
	require.Equal(t, config.Duration(90*time.Second), opts.MisfireThreshold)
	require.Equal(t, 50.5, opts.MaxFireRate)
}

func TestLoad_RejectsMalformedDuration(t *testing.T) {
	path := writeTempConfig(t, "idleWaitTime: not-a-duration\n")
	_, err := config.Load(path)
	require.Error(t, err)
}

func TestLoad_MissingFileErrors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoad_EnvOverridesApplyAfterFile(t *testing.T) {
	path := writeTempConfig(t, "instanceName: from-file\nthreadCount: 4\n")

	t.Setenv("SCHED_INSTANCE_NAME", "from-env")
	t.Setenv("SCHED_THREAD_COUNT", "16")

	opts, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, "from-env", opts.InstanceName)
	require.Equal(t, 16, opts.ThreadCount)
}

func TestLoad_InvalidEnvOverrideErrors(t *testing.T) {
	path := writeTempConfig(t, "threadCount: 4\n")
	t.Setenv("SCHED_THREAD_COUNT", "not-a-number")

	_, err := config.Load(path)
	require.Error(t, err)
}

func TestOptions_ApplyLeavesZeroFieldsUntouched(t *testing.T) {
	cfg := &scheduler.Config{
		InstanceName: "original",
		ThreadCount:  20,
	}
	opts := config.Options{ThreadCount: 5}
	opts.Apply(cfg)

	require.Equal(t, "original", cfg.InstanceName, "zero-value InstanceName must not override existing config")
	require.Equal(t, 5, cfg.ThreadCount)
}

func TestOptions_ApplyOverridesDurations(t *testing.T) {
	cfg := &scheduler.Config{}
	opts := config.Options{
		IdleWaitTime:     config.Duration(10 * time.Second),
		BatchTimeWindow:  config.Duration(2 * time.Second),
		MisfireThreshold: config.Duration(time.Minute),
		CostThreshold:    config.Duration(5 * time.Millisecond),
		MaxFireRate:      100,
	}
	opts.Apply(cfg)

	require.Equal(t, 10*time.Second, cfg.IdleWaitTime)
	require.Equal(t, 2*time.Second, cfg.BatchTimeWindow)
	require.Equal(t, time.Minute, cfg.MisfireThreshold)
	require.Equal(t, 5*time.Millisecond, cfg.CostThreshold)
	require.Equal(t, 100.0, cfg.MaxFireRate)
}
