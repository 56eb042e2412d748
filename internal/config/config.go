package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/harunnryd/drover/internal/pathutil"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/spf13/cobra"
)

type Config struct {
	Server       ServerConfig       `koanf:"server"`
	Store        StoreConfig        `koanf:"store"`
	Sync         SyncConfig         `koanf:"sync"`
	Deaddrop     DeaddropConfig     `koanf:"deaddrop"`
	Coordination CoordinationConfig `koanf:"coordination"`
	Retry        RetryConfig        `koanf:"retry"`
	Daemon       DaemonConfig       `koanf:"daemon"`
}

type ServerConfig struct {
	Port            int    `koanf:"port"`
	LogLevel        string `koanf:"log_level"`
	ReadTimeout     string `koanf:"read_timeout"`
	WriteTimeout    string `koanf:"write_timeout"`
	IdleTimeout     string `koanf:"idle_timeout"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

// StoreConfig configures the manifest store server backend.
type StoreConfig struct {
	DataPath     string `koanf:"data_path"`
	LockTimeout  string `koanf:"lock_timeout"`
	LockRetry    string `koanf:"lock_retry"`
	LockMaxRetry int    `koanf:"lock_max_retry"`
}

type SyncConfig struct {
	ServerURL         string   `koanf:"server_url"`
	StatePath         string   `koanf:"state_path"`
	CompressThreshold int      `koanf:"compress_threshold"`
	CompressMinSaving float64  `koanf:"compress_min_saving"`
	CacheSize         int      `koanf:"cache_size"`
	Ignore            []string `koanf:"ignore"`
}

type DeaddropConfig struct {
	ServerURL         string `koanf:"server_url"`
	PollWait          string `koanf:"poll_wait"`
	CompressThreshold int    `koanf:"compress_threshold"`
}

type CoordinationConfig struct {
	SessionsPath        string `koanf:"sessions_path"`
	ProvisionCommand    string `koanf:"provision_command"`
	PermissionTimeout   string `koanf:"permission_timeout"`
	PermissionMaxAge    string `koanf:"permission_max_age"`
	HealthThreshold     string `koanf:"health_threshold"`
	ResumeReplayWindow  int    `koanf:"resume_replay_window"`
}

type RetryConfig struct {
	MaxAttempts int     `koanf:"max_attempts"`
	BaseDelay   string  `koanf:"base_delay"`
	MaxDelay    string  `koanf:"max_delay"`
	Multiplier  float64 `koanf:"multiplier"`
	Jitter      float64 `koanf:"jitter"`
}

type DaemonConfig struct {
	SyncSchedule    string `koanf:"sync_schedule"`
	HealthSchedule  string `koanf:"health_schedule"`
	SweepSchedule   string `koanf:"sweep_schedule"`
	ShutdownTimeout string `koanf:"shutdown_timeout"`
}

const (
	DefaultServerPort            = 8745
	DefaultServerLogLevel        = "info"
	DefaultServerReadTimeout     = "30s"
	DefaultServerWriteTimeout    = "30s"
	DefaultServerIdleTimeout     = "120s"
	DefaultServerShutdownTimeout = "5s"

	DefaultStoreLockTimeout  = "30s"
	DefaultStoreLockRetry    = "100ms"
	DefaultStoreLockMaxRetry = 300

	DefaultSyncServerURL         = "http://localhost:8745"
	DefaultSyncCompressThreshold = 1024
	DefaultSyncCompressMinSaving = 0.10
	DefaultSyncCacheSize         = 4096

	DefaultDeaddropPollWait          = "25s"
	DefaultDeaddropCompressThreshold = 1024

	DefaultPermissionTimeout      = "120s"
	DefaultPermissionMaxAge       = "24h"
	DefaultHealthThreshold        = "10m"
	DefaultResumeReplayWindow     = 500

	DefaultRetryMaxAttempts = 3
	DefaultRetryBaseDelay   = "500ms"
	DefaultRetryMaxDelay    = "30s"
	DefaultRetryMultiplier  = 2.0
	DefaultRetryJitter      = 0.2

	DefaultDaemonSyncSchedule    = "@every 1m"
	DefaultDaemonHealthSchedule  = "@every 30s"
	DefaultDaemonSweepSchedule   = "@every 10m"
	DefaultDaemonShutdownTimeout = "30s"
)

func Load(cmd *cobra.Command) (*Config, error) {
	k := koanf.New(".")

	// Hardcoded Defaults
	defaults := map[string]interface{}{
		"server.port":                       DefaultServerPort,
		"server.log_level":                  DefaultServerLogLevel,
		"server.read_timeout":               DefaultServerReadTimeout,
		"server.write_timeout":              DefaultServerWriteTimeout,
		"server.idle_timeout":               DefaultServerIdleTimeout,
		"server.shutdown_timeout":           DefaultServerShutdownTimeout,
		"store.data_path":                   filepath.Join(os.Getenv("HOME"), ".drover", "store"),
		"store.lock_timeout":                DefaultStoreLockTimeout,
		"store.lock_retry":                  DefaultStoreLockRetry,
		"store.lock_max_retry":              DefaultStoreLockMaxRetry,
		"sync.server_url":                   DefaultSyncServerURL,
		"sync.state_path":                   filepath.Join(os.Getenv("HOME"), ".drover", "sync"),
		"sync.compress_threshold":           DefaultSyncCompressThreshold,
		"sync.compress_min_saving":          DefaultSyncCompressMinSaving,
		"sync.cache_size":                   DefaultSyncCacheSize,
		"sync.ignore":                       []string{".DS_Store", "*.swp", "*~"},
		"deaddrop.server_url":               DefaultSyncServerURL,
		"deaddrop.poll_wait":                DefaultDeaddropPollWait,
		"deaddrop.compress_threshold":       DefaultDeaddropCompressThreshold,
		"coordination.sessions_path":        filepath.Join(os.Getenv("HOME"), ".drover", "sessions"),
		"coordination.provision_command":    "",
		"coordination.permission_timeout":   DefaultPermissionTimeout,
		"coordination.permission_max_age":   DefaultPermissionMaxAge,
		"coordination.health_threshold":     DefaultHealthThreshold,
		"coordination.resume_replay_window": DefaultResumeReplayWindow,
		"retry.max_attempts":                DefaultRetryMaxAttempts,
		"retry.base_delay":                  DefaultRetryBaseDelay,
		"retry.max_delay":                   DefaultRetryMaxDelay,
		"retry.multiplier":                  DefaultRetryMultiplier,
		"retry.jitter":                      DefaultRetryJitter,
		"daemon.sync_schedule":              DefaultDaemonSyncSchedule,
		"daemon.health_schedule":            DefaultDaemonHealthSchedule,
		"daemon.sweep_schedule":             DefaultDaemonSweepSchedule,
		"daemon.shutdown_timeout":           DefaultDaemonShutdownTimeout,
	}
	for key, value := range defaults {
		k.Set(key, value)
	}

	// Config file loading
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
		home, err := os.UserHomeDir()
		if err == nil {
			globalPath := filepath.Join(home, ".drover", "config.yaml")
			if err := k.Load(file.Provider(globalPath), yaml.Parser()); err != nil {
				slog.Debug("Global config not found or invalid", "path", globalPath, "error", err)
			}
		}
	}

	// Environment Variables
	k.Load(env.Provider("DROVER_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "DROVER_")), "_", ".", -1)
	}), nil)

	// CLI Flags
	if cmd != nil {
		k.Load(posflag.Provider(cmd.Flags(), ".", k), nil)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	if err := normalizePathFields(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func normalizePathFields(cfg *Config) error {
	if cfg == nil {
		return nil
	}

	for _, field := range []*string{&cfg.Store.DataPath, &cfg.Sync.StatePath, &cfg.Coordination.SessionsPath} {
		expanded, err := pathutil.Expand(*field)
		if err != nil {
			return err
		}
		if expanded != "" {
			*field = expanded
		}
	}
	return nil
}
