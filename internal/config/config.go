package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Registry     RegistryConfig     `koanf:"registry"`
	Sandbox      SandboxConfig      `koanf:"sandbox"`
	FastPath     FastPathConfig     `koanf:"fastpath"`
	ControlPlane ControlPlaneConfig `koanf:"controlplane"`
	Scheduler    SchedulerConfig    `koanf:"scheduler"`
	Orchestrator OrchestratorConfig `koanf:"orchestrator"`
	RateLimit    RateLimitConfig    `koanf:"ratelimit"`
	Adapters     AdaptersConfig     `koanf:"adapters"`
	Daemon       DaemonConfig       `koanf:"daemon"`
}

type ServerConfig struct {
	LogLevel string `koanf:"log_level"`
}

type RegistryConfig struct {
	StatePath  string `koanf:"state_path"`
	MainFolder string `koanf:"main_folder"`
}

type SandboxConfig struct {
	Image          string   `koanf:"image"`
	MemoryMB       int64    `koanf:"memory_mb"`
	NetworkMode    string   `koanf:"network_mode"`
	AgentCommand   string   `koanf:"agent_command"`
	Timeout        string   `koanf:"timeout"`
	StopGrace      string   `koanf:"stop_grace"`
	MaxOutputBytes int64    `koanf:"max_output_bytes"`
	WorkdirBase    string   `koanf:"workdir_base"`
	ExtraEnv       []string `koanf:"extra_env"`
}

type FastPathConfig struct {
	Model     string `koanf:"model"`
	APIKey    string `koanf:"api_key"`
	MaxTokens int64  `koanf:"max_tokens"`
	MaxTurns  int    `koanf:"max_turns"`
}

type ControlPlaneConfig struct {
	BaseDir        string `koanf:"base_dir"`
	DebounceWindow string `koanf:"debounce_window"`
	PollMultiplier int    `koanf:"poll_multiplier"`
}

type SchedulerConfig struct {
	TickInterval    string `koanf:"tick_interval"`
	Timezone        string `koanf:"timezone"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
	TaskStorePath   string `koanf:"task_store_path"`
	RunLogPath      string `koanf:"run_log_path"`
}

type OrchestratorConfig struct {
	RetryBackoff    string `koanf:"retry_backoff"`
	MaintenanceFile string `koanf:"maintenance_file"`
}

type RateLimitConfig struct {
	MinEditSpacing   string `koanf:"min_edit_spacing"`
	EvictionInterval string `koanf:"eviction_interval"`
	EvictionMaxAge   string `koanf:"eviction_max_age"`
}

type AdaptersConfig struct {
	Telegram TelegramConfig `koanf:"telegram"`
	Slack    SlackConfig    `koanf:"slack"`
}

type TelegramConfig struct {
	Token string `koanf:"token"`
}

type SlackConfig struct {
	BotToken string `koanf:"bot_token"`
}

type DaemonConfig struct {
	ShutdownTimeout     string `koanf:"shutdown_timeout"`
	HealthCheckInterval string `koanf:"health_check_interval"`
	HomeDir             string `koanf:"home_dir"`
}

const (
	DefaultServerLogLevel            = "info"
	DefaultRegistryMainFolder        = "main"
	DefaultSandboxImage              = "kagura-agent:latest"
	DefaultSandboxMemoryMB           = 2048
	DefaultSandboxNetworkMode        = "bridge"
	DefaultSandboxAgentCommand       = "kagura-agent"
	DefaultSandboxTimeout            = "20m"
	DefaultSandboxStopGrace          = "10s"
	DefaultSandboxMaxOutputBytes     = 4 * 1024 * 1024
	DefaultFastPathModel             = "claude-sonnet-4-5"
	DefaultFastPathMaxTokens         = 4096
	DefaultFastPathMaxTurns          = 8
	DefaultControlPlaneDebounce      = "100ms"
	DefaultControlPlanePollMult      = 50
	DefaultSchedulerTickInterval     = "30s"
	DefaultSchedulerTimezone         = "UTC"
	DefaultSchedulerShutdownTimeout  = "30s"
	DefaultOrchestratorRetryBackoff  = "2s"
	DefaultRateLimitMinEditSpacing   = "3s"
	DefaultRateLimitEvictionInterval = "10m"
	DefaultRateLimitEvictionMaxAge   = "1h"
	DefaultDaemonShutdownTimeout     = "30s"
	DefaultDaemonHealthCheckInterval = "30s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	homeDir := filepath.Join(home, ".kagura")

	defaults := map[string]interface{}{
		"server.log_level":               DefaultServerLogLevel,
		"registry.state_path":            filepath.Join(homeDir, "state"),
		"registry.main_folder":           DefaultRegistryMainFolder,
		"sandbox.image":                  DefaultSandboxImage,
		"sandbox.memory_mb":              DefaultSandboxMemoryMB,
		"sandbox.network_mode":           DefaultSandboxNetworkMode,
		"sandbox.agent_command":          DefaultSandboxAgentCommand,
		"sandbox.timeout":                DefaultSandboxTimeout,
		"sandbox.stop_grace":             DefaultSandboxStopGrace,
		"sandbox.max_output_bytes":       DefaultSandboxMaxOutputBytes,
		"sandbox.workdir_base":           filepath.Join(homeDir, "groups"),
		"fastpath.model":                 DefaultFastPathModel,
		"fastpath.max_tokens":            DefaultFastPathMaxTokens,
		"fastpath.max_turns":             DefaultFastPathMaxTurns,
		"controlplane.base_dir":          filepath.Join(homeDir, "ipc"),
		"controlplane.debounce_window":   DefaultControlPlaneDebounce,
		"controlplane.poll_multiplier":   DefaultControlPlanePollMult,
		"scheduler.tick_interval":        DefaultSchedulerTickInterval,
		"scheduler.timezone":             DefaultSchedulerTimezone,
		"scheduler.shutdown_timeout":     DefaultSchedulerShutdownTimeout,
		"scheduler.task_store_path":      filepath.Join(homeDir, "state", "tasks.json"),
		"scheduler.run_log_path":         filepath.Join(homeDir, "state", "task_runs.jsonl"),
		"orchestrator.retry_backoff":     DefaultOrchestratorRetryBackoff,
		"orchestrator.maintenance_file":  filepath.Join(homeDir, "maintenance"),
		"ratelimit.min_edit_spacing":     DefaultRateLimitMinEditSpacing,
		"ratelimit.eviction_interval":    DefaultRateLimitEvictionInterval,
		"ratelimit.eviction_max_age":     DefaultRateLimitEvictionMaxAge,
		"daemon.shutdown_timeout":        DefaultDaemonShutdownTimeout,
		"daemon.health_check_interval":   DefaultDaemonHealthCheckInterval,
		"daemon.home_dir":                homeDir,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	configPath := ""
	if cmd != nil {
		if flag := cmd.Flags().Lookup("config"); flag != nil {
			configPath = strings.TrimSpace(flag.Value.String())
		}
	}

	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, err
		}
	} else {
		globalPath := filepath.Join(homeDir, "config.yaml")
		if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
			slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
		}
	}

	k.Load(env.Provider("KAGURA_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "KAGURA_")), "_", ".", -1)
	}), nil)

	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if cfg.FastPath.APIKey == "" {
		cfg.FastPath.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	return &cfg, nil
}
