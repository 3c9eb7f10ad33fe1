// Package config loads copen's runtime settings.
//
// Settings are resolved in this order, highest first:
//  1. Command line flags
//  2. COPEN_* environment variables
//  3. The configuration file
//  4. Defaults
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/sys/unix"

	"github.com/Paintersrp/copen/internal/process"
)

// Default configuration values.
const (
	DefaultLogLevel        = "info"
	DefaultLogFormat       = "console"
	DefaultLogMaxSize      = 100 // MB
	DefaultLogMaxBackups   = 3
	DefaultLogMaxAge       = 7 // days
	DefaultPollInterval    = 100 * time.Millisecond
	DefaultSpawnLimit      = 8
	EnvPrefix              = "COPEN"
	configPathEnv          = EnvPrefix + "_CONFIG"
	defaultConfigName      = "config"
	defaultConfigDirectory = "copen"
)

// Config holds every setting of the copen binary.
type Config struct {
	Log     LogConfig     `mapstructure:"log"`
	Process ProcessConfig `mapstructure:"process"`
	Batch   BatchConfig   `mapstructure:"batch"`
}

// LogConfig contains logging settings. An empty File logs to stderr.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// ProcessConfig contains child termination settings. Signals are named the
// way kill(1) names them, with or without the SIG prefix.
type ProcessConfig struct {
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	KillPollInterval time.Duration `mapstructure:"kill_poll_interval"`
	TermSignal       string        `mapstructure:"term_signal"`
	KillSignal       string        `mapstructure:"kill_signal"`
}

// BatchConfig contains settings of the batch engine.
type BatchConfig struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	SpawnLimit     int           `mapstructure:"spawn_limit"`
	MetricsAddr    string        `mapstructure:"metrics_addr"`
}

// flagKeys maps command line flags to configuration keys.
var flagKeys = map[string]string{
	"log-level":          "log.level",
	"log-format":         "log.format",
	"log-file":           "log.file",
	"grace-period":       "process.grace_period",
	"kill-poll-interval": "process.kill_poll_interval",
	"term-signal":        "process.term_signal",
	"poll-interval":      "batch.poll_interval",
	"default-timeout":    "batch.default_timeout",
	"spawn-limit":        "batch.spawn_limit",
	"metrics-addr":       "batch.metrics_addr",
}

// Load resolves the configuration. configPath names an explicit file, which
// must exist; otherwise COPEN_CONFIG or the user configuration directory is
// consulted and a missing file is not an error. Flags present in flags
// override every other source when set.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			if flag := flags.Lookup(name); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", name, err)
				}
			}
		}
	}

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func readConfigFile(v *viper.Viper, configPath string) error {
	explicit := configPath != ""
	if !explicit {
		configPath = os.Getenv(configPathEnv)
		explicit = configPath != ""
	}
	if explicit {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("failed to read config file: %w", err)
		}
		return nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return nil
	}
	v.SetConfigName(defaultConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(filepath.Join(dir, defaultConfigDirectory))
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log.level", DefaultLogLevel)
	v.SetDefault("log.format", DefaultLogFormat)
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size", DefaultLogMaxSize)
	v.SetDefault("log.max_backups", DefaultLogMaxBackups)
	v.SetDefault("log.max_age", DefaultLogMaxAge)

	v.SetDefault("process.grace_period", process.DefaultGracePeriod)
	v.SetDefault("process.kill_poll_interval", process.DefaultKillPollInterval)
	v.SetDefault("process.term_signal", "SIGTERM")
	v.SetDefault("process.kill_signal", "SIGKILL")

	v.SetDefault("batch.poll_interval", DefaultPollInterval)
	v.SetDefault("batch.default_timeout", time.Duration(0))
	v.SetDefault("batch.spawn_limit", DefaultSpawnLimit)
	v.SetDefault("batch.metrics_addr", "")
}

// Validate checks value ranges that decoding cannot enforce.
func (c *Config) Validate() error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Log.Level)] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		return fmt.Errorf("invalid log format: %s (must be console or json)", c.Log.Format)
	}
	if c.Process.GracePeriod < 0 {
		return errors.New("process.grace_period must not be negative")
	}
	if c.Process.KillPollInterval <= 0 {
		return errors.New("process.kill_poll_interval must be positive")
	}
	if _, err := parseSignal(c.Process.TermSignal); err != nil {
		return fmt.Errorf("process.term_signal: %w", err)
	}
	if _, err := parseSignal(c.Process.KillSignal); err != nil {
		return fmt.Errorf("process.kill_signal: %w", err)
	}
	if c.Batch.PollInterval <= 0 {
		return errors.New("batch.poll_interval must be positive")
	}
	if c.Batch.DefaultTimeout < 0 {
		return errors.New("batch.default_timeout must not be negative")
	}
	if c.Batch.SpawnLimit < 1 {
		return errors.New("batch.spawn_limit must be at least 1")
	}
	return nil
}

// SpawnerConfig translates the termination settings for the spawner. Signals
// that fail to parse fall back to the process defaults; Load has already
// rejected them.
func (c *Config) SpawnerConfig() process.Config {
	term, _ := parseSignal(c.Process.TermSignal)
	kill, _ := parseSignal(c.Process.KillSignal)
	return process.Config{
		GracePeriod:      c.Process.GracePeriod,
		KillPollInterval: c.Process.KillPollInterval,
		TermSignal:       term,
		KillSignal:       kill,
	}
}

// ProcessOptions returns the spawner options derived from the configuration.
func (c *Config) ProcessOptions() []process.Option {
	return []process.Option{process.WithConfig(c.SpawnerConfig())}
}

// parseSignal resolves a signal name such as "TERM", "SIGINT" or "sigusr1".
// An empty name yields 0, which the spawner replaces with its default.
func parseSignal(name string) (unix.Signal, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "" {
		return 0, nil
	}
	if !strings.HasPrefix(name, "SIG") {
		name = "SIG" + name
	}
	sig := unix.SignalNum(name)
	if sig == 0 {
		return 0, fmt.Errorf("unknown signal %q", name)
	}
	return sig, nil
}

// String returns a compact representation for debug logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Log.Level: %s, Log.Format: %s, Process.GracePeriod: %v, Process.KillPollInterval: %v, Process.TermSignal: %s, Batch.PollInterval: %v}",
		c.Log.Level,
		c.Log.Format,
		c.Process.GracePeriod,
		c.Process.KillPollInterval,
		c.Process.TermSignal,
		c.Batch.PollInterval,
	)
}
