package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/jnesss/connwatch/channel"
	"github.com/jnesss/connwatch/hooks"
	"github.com/jnesss/connwatch/network"
	"github.com/jnesss/connwatch/platform"
	"github.com/jnesss/connwatch/process"
	"github.com/jnesss/connwatch/web"
)

const envPrefix = "CONNWATCH"

// TargetConfig names one kernel entry point to intercept
type TargetConfig struct {
	Name string `mapstructure:"name"`
	Kind string `mapstructure:"kind"`
}

type DeliveryConfig struct {
	Policy         string `mapstructure:"policy"`
	QueueSize      int    `mapstructure:"queue_size"`
	RecordCapacity int    `mapstructure:"record_capacity"`
}

type StreamConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type StateConfig struct {
	Dir          string        `mapstructure:"dir"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
}

type RulesConfig struct {
	Dir string `mapstructure:"dir"`
}

type ProcessConfig struct {
	CacheSize int `mapstructure:"cache_size"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Config is the full runtime configuration
type Config struct {
	Object         string         `mapstructure:"object"`
	Kallsyms       string         `mapstructure:"kallsyms"`
	Targets        []TargetConfig `mapstructure:"targets"`
	Delivery       DeliveryConfig `mapstructure:"delivery"`
	Listen         string         `mapstructure:"listen"`
	Stream         StreamConfig   `mapstructure:"stream"`
	State          StateConfig    `mapstructure:"state"`
	Rules          RulesConfig    `mapstructure:"rules"`
	Process        ProcessConfig  `mapstructure:"process"`
	Log            LogConfig      `mapstructure:"log"`
	DropPrivileges bool           `mapstructure:"drop_privileges"`
	Stdout         bool           `mapstructure:"stdout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("object", platform.DefaultObjectPath)
	v.SetDefault("kallsyms", platform.DefaultKallsymsPath)
	v.SetDefault("delivery.policy", string(channel.PolicyQueue))
	v.SetDefault("delivery.queue_size", channel.DefaultQueueSize)
	v.SetDefault("delivery.record_capacity", network.DefaultRecordCapacity)
	v.SetDefault("listen", "127.0.0.1:8080")
	v.SetDefault("stream.poll_interval", web.DefaultPollInterval)
	v.SetDefault("state.dir", "/var/lib/connwatch")
	v.SetDefault("state.sync_interval", 5*time.Second)
	v.SetDefault("rules.dir", "")
	v.SetDefault("process.cache_size", process.DefaultCacheSize)
	v.SetDefault("log.level", "info")
	v.SetDefault("drop_privileges", false)
	v.SetDefault("stdout", false)
}

// loadConfig reads path (or connwatch.yaml from the search path when empty),
// applies CONNWATCH_* environment overrides and validates the result.
func loadConfig(v *viper.Viper, path string) (Config, error) {
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("connwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/connwatch")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if len(cfg.Targets) == 0 {
		cfg.Targets = defaultTargetConfigs()
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func defaultTargetConfigs() []TargetConfig {
	var out []TargetConfig
	for _, t := range hooks.DefaultTargets() {
		out = append(out, TargetConfig{Name: t.Name, Kind: t.Kind.String()})
	}
	return out
}

// Validate rejects values the pipeline cannot run with
func (c Config) Validate() error {
	if _, err := channel.New(channel.Policy(c.Delivery.Policy), c.Delivery.QueueSize); err != nil {
		return fmt.Errorf("invalid delivery config: %w", err)
	}
	if c.Delivery.RecordCapacity < 2 {
		return fmt.Errorf("delivery.record_capacity must be at least 2, got %d", c.Delivery.RecordCapacity)
	}
	if c.Stream.PollInterval <= 0 {
		return fmt.Errorf("stream.poll_interval must be positive")
	}
	if c.State.Dir != "" && c.State.SyncInterval <= 0 {
		return fmt.Errorf("state.sync_interval must be positive")
	}
	if _, err := c.HookTargets(); err != nil {
		return err
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log level %q", c.Log.Level)
	}
	return nil
}

// HookTargets converts the configured targets, rejecting duplicates
func (c Config) HookTargets() ([]hooks.Target, error) {
	if len(c.Targets) == 0 {
		return nil, fmt.Errorf("no targets configured")
	}
	seen := make(map[string]bool)
	out := make([]hooks.Target, 0, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" {
			return nil, fmt.Errorf("target with empty name")
		}
		if seen[t.Name] {
			return nil, fmt.Errorf("duplicate target %s", t.Name)
		}
		seen[t.Name] = true
		kind, err := network.ParseKind(t.Kind)
		if err != nil {
			return nil, fmt.Errorf("target %s: %w", t.Name, err)
		}
		out = append(out, hooks.Target{Name: t.Name, Kind: kind})
	}
	return out, nil
}
