package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	goyaml "gopkg.in/yaml.v3"
)

func writeConfigFile(t *testing.T, doc map[string]interface{}) string {
	t.Helper()
	data, err := goyaml.Marshal(doc)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	return path
}

func commandWithConfig(t *testing.T, path string) *cobra.Command {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	cmd.Flags().String("config", "", "")
	cmd.Flags().String("server.log_level", "", "")
	if path != "" {
		require.NoError(t, cmd.Flags().Set("config", path))
	}
	return cmd
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(nil)
	require.NoError(t, err)

	assert.Equal(t, DefaultServerLogLevel, cfg.Server.LogLevel)
	assert.Equal(t, DefaultRegistryMainFolder, cfg.Registry.MainFolder)
	assert.Equal(t, DefaultSandboxImage, cfg.Sandbox.Image)
	assert.EqualValues(t, DefaultSandboxMemoryMB, cfg.Sandbox.MemoryMB)
	assert.Equal(t, DefaultControlPlaneDebounce, cfg.ControlPlane.DebounceWindow)
	assert.Equal(t, DefaultControlPlanePollMult, cfg.ControlPlane.PollMultiplier)
	assert.Equal(t, DefaultSchedulerTimezone, cfg.Scheduler.Timezone)
	assert.NotEmpty(t, cfg.Registry.StatePath)
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := writeConfigFile(t, map[string]interface{}{
		"server": map[string]interface{}{"log_level": "debug"},
		"sandbox": map[string]interface{}{
			"image":     "custom-agent:v2",
			"memory_mb": 4096,
		},
		"scheduler": map[string]interface{}{"timezone": "Asia/Tokyo"},
	})

	cfg, err := Load(commandWithConfig(t, path))
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "custom-agent:v2", cfg.Sandbox.Image)
	assert.EqualValues(t, 4096, cfg.Sandbox.MemoryMB)
	assert.Equal(t, "Asia/Tokyo", cfg.Scheduler.Timezone)
	// Untouched keys keep their defaults.
	assert.Equal(t, DefaultSandboxNetworkMode, cfg.Sandbox.NetworkMode)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfigFile(t, map[string]interface{}{
		"scheduler": map[string]interface{}{"timezone": "Asia/Tokyo"},
	})
	t.Setenv("KAGURA_SCHEDULER_TIMEZONE", "Europe/Berlin")

	cfg, err := Load(commandWithConfig(t, path))
	require.NoError(t, err)
	assert.Equal(t, "Europe/Berlin", cfg.Scheduler.Timezone)
}

func TestLoadFlagWinsOverFile(t *testing.T) {
	path := writeConfigFile(t, map[string]interface{}{
		"server": map[string]interface{}{"log_level": "warn"},
	})

	cmd := commandWithConfig(t, path)
	require.NoError(t, cmd.Flags().Set("server.log_level", "debug"))

	cfg, err := Load(cmd)
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
}

func TestLoadAPIKeyFallsBackToEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load(nil)
	require.NoError(t, err)
	assert.Equal(t, "sk-test", cfg.FastPath.APIKey)
}

func TestDurationOrDefault(t *testing.T) {
	d, err := DurationOrDefault("90s", "30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	d, err = DurationOrDefault("", "30s")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	_, err = DurationOrDefault("soon", "30s")
	assert.Error(t, err)

	_, err = DurationOrDefault("", "")
	assert.Error(t, err)
}
