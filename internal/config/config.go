// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Host() HostConfig
	Perception() PerceptionConfig
	Memory() MemoryConfig
	Database() DatabaseConfig
	LLM() LLMConfig

	// CLI flag overrides.
	SetHostServices([]string)
	SetHostConfigDir(string)
	SetPerceptionHosts([]string)
	SetPerceptionFollow(bool)
	SetPerceptionRulesetPath(string)
	SetSummarizeEnabled(bool)
}

// Config holds the entire application configuration. Private fields enforce
// access through the Interface's getter methods.
type Config struct {
	logger     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	host       HostConfig       `mapstructure:"host" yaml:"host"`
	perception PerceptionConfig `mapstructure:"perception" yaml:"perception"`
	memory     MemoryConfig     `mapstructure:"memory" yaml:"memory"`
	database   DatabaseConfig   `mapstructure:"database" yaml:"database"`
	llm        LLMConfig        `mapstructure:"llm" yaml:"llm"`
}

// -- Interface Method Implementations (Getters) --

func (c *Config) Logger() LoggerConfig         { return c.logger }
func (c *Config) Host() HostConfig             { return c.host }
func (c *Config) Perception() PerceptionConfig { return c.perception }
func (c *Config) Memory() MemoryConfig         { return c.memory }
func (c *Config) Database() DatabaseConfig     { return c.database }
func (c *Config) LLM() LLMConfig               { return c.llm }

// -- Interface Method Implementations (Setters) --

func (c *Config) SetHostServices(s []string)        { c.host.Services = s }
func (c *Config) SetHostConfigDir(d string)         { c.host.ConfigDir = d }
func (c *Config) SetPerceptionHosts(h []string)     { c.perception.Hosts = h }
func (c *Config) SetPerceptionFollow(f bool)        { c.perception.Follow = f }
func (c *Config) SetPerceptionRulesetPath(p string) { c.perception.RulesetPath = p }
func (c *Config) SetSummarizeEnabled(b bool)        { c.perception.Summarize = b }

// LoggerConfig holds all the configuration for the operational logger. The
// attacker-facing event log is configured separately under HostConfig; the
// two must never share a file.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// HostConfig describes the local decoy host served by the session engine.
// Per-protocol service definitions (ports, banners, credentials, grammars)
// and the virtual filesystem tree live as JSON documents under ConfigDir,
// matching the deployment layout the generation agents write into.
type HostConfig struct {
	Name      string `mapstructure:"name" yaml:"name"`
	ConfigDir string `mapstructure:"config_dir" yaml:"config_dir"`
	SpoolDir  string `mapstructure:"spool_dir" yaml:"spool_dir"`
	// Services limits which protocol listeners start; empty means every
	// service with a config file present.
	Services []string `mapstructure:"services" yaml:"services"`

	BindAddress        string        `mapstructure:"bind_address" yaml:"bind_address"`
	MaxSessions        int           `mapstructure:"max_sessions" yaml:"max_sessions"`
	AcceptRate         float64       `mapstructure:"accept_rate" yaml:"accept_rate"`
	AcceptBurst        int           `mapstructure:"accept_burst" yaml:"accept_burst"`
	IdleTimeout        time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	MalformedThreshold int           `mapstructure:"malformed_threshold" yaml:"malformed_threshold"`
}

// PerceptionConfig tunes the stage perception engine.
type PerceptionConfig struct {
	SpoolDir    string        `mapstructure:"spool_dir" yaml:"spool_dir"`
	RulesetPath string        `mapstructure:"ruleset_path" yaml:"ruleset_path"`
	Hosts       []string      `mapstructure:"hosts" yaml:"hosts"`
	Follow      bool          `mapstructure:"follow" yaml:"follow"`
	Interval    time.Duration `mapstructure:"interval" yaml:"interval"`
	// WorkerConcurrency bounds concurrent per-host evaluation passes.
	WorkerConcurrency int  `mapstructure:"worker_concurrency" yaml:"worker_concurrency"`
	Summarize         bool `mapstructure:"summarize" yaml:"summarize"`
}

// MemoryConfig tunes the two-tier memory model and snapshot compression.
type MemoryConfig struct {
	Dir                string `mapstructure:"dir" yaml:"dir"`
	SnapshotLeafCap    int    `mapstructure:"snapshot_leaf_cap" yaml:"snapshot_leaf_cap"`
	TopFacts           int    `mapstructure:"top_facts" yaml:"top_facts"`
	TopPreferences     int    `mapstructure:"top_preferences" yaml:"top_preferences"`
	PreferenceCapacity int    `mapstructure:"preference_capacity" yaml:"preference_capacity"`
	ReportDiff         bool   `mapstructure:"report_diff" yaml:"report_diff"`
}

// DatabaseConfig holds the optional central event archive connection. An
// empty URL disables archiving; events then live only in the local spool.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// LLMConfig configures the advisory summarization client.
type LLMConfig struct {
	Provider    string        `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
}

// decodeFrom populates the private sections one at a time. Viper's
// whole-struct Unmarshal cannot reach unexported fields, and UnmarshalKey
// reads only the highest-precedence source for a section, so each section
// is decoded out of the fully merged AllSettings map instead.
func (c *Config) decodeFrom(v *viper.Viper) error {
	settings := v.AllSettings()
	sections := []struct {
		key    string
		target any
	}{
		{"logger", &c.logger},
		{"host", &c.host},
		{"perception", &c.perception},
		{"memory", &c.memory},
		{"database", &c.database},
		{"llm", &c.llm},
	}
	for _, s := range sections {
		raw, ok := settings[s.key]
		if !ok {
			continue
		}
		// Mirrors viper's own decoder setup so "5m" style durations and
		// comma-joined lists decode the same way Unmarshal would.
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			Result:           s.target,
			WeaklyTypedInput: true,
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
		})
		if err != nil {
			return fmt.Errorf("build %s decoder: %w", s.key, err)
		}
		if err := decoder.Decode(raw); err != nil {
			return fmt.Errorf("decode %s section: %w", s.key, err)
		}
	}
	return nil
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := cfg.decodeFrom(v); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "honeynet")
	v.SetDefault("logger.log_file", "honeynet.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Host --
	v.SetDefault("host.name", "base")
	v.SetDefault("host.config_dir", "config")
	v.SetDefault("host.spool_dir", "spool")
	v.SetDefault("host.bind_address", "0.0.0.0")
	v.SetDefault("host.max_sessions", 256)
	v.SetDefault("host.accept_rate", 50.0)
	v.SetDefault("host.accept_burst", 100)
	v.SetDefault("host.idle_timeout", "5m")
	v.SetDefault("host.malformed_threshold", 8)

	// -- Perception --
	v.SetDefault("perception.spool_dir", "spool")
	v.SetDefault("perception.ruleset_path", "")
	v.SetDefault("perception.follow", false)
	v.SetDefault("perception.interval", "30s")
	v.SetDefault("perception.worker_concurrency", 4)
	v.SetDefault("perception.summarize", false)

	// -- Memory --
	v.SetDefault("memory.dir", "memory")
	v.SetDefault("memory.snapshot_leaf_cap", 64)
	v.SetDefault("memory.top_facts", 10)
	v.SetDefault("memory.top_preferences", 5)
	v.SetDefault("memory.preference_capacity", 32)
	v.SetDefault("memory.report_diff", true)

	// -- LLM --
	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_timeout", "60s")
	v.SetDefault("llm.temperature", 0.2)
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data.
	v.BindEnv("llm.api_key", "HONEYNET_LLM_API_KEY")
	v.BindEnv("database.url", "HONEYNET_DATABASE_URL")

	if err := cfg.decodeFrom(v); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// UnmarshalKey does not see env-only bindings, so the sensitive keys
	// are read through the full precedence chain explicitly.
	cfg.llm.APIKey = v.GetString("llm.api_key")
	cfg.database.URL = v.GetString("database.url")

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if c.host.Name == "" {
		return fmt.Errorf("host.name must not be empty")
	}
	if c.host.MaxSessions <= 0 {
		return fmt.Errorf("host.max_sessions must be a positive integer")
	}
	if c.host.AcceptRate <= 0 {
		return fmt.Errorf("host.accept_rate must be positive")
	}
	if c.host.MalformedThreshold <= 0 {
		return fmt.Errorf("host.malformed_threshold must be a positive integer")
	}
	if c.perception.WorkerConcurrency <= 0 {
		return fmt.Errorf("perception.worker_concurrency must be a positive integer")
	}
	if c.memory.SnapshotLeafCap <= 0 {
		return fmt.Errorf("memory.snapshot_leaf_cap must be a positive integer")
	}
	if c.memory.PreferenceCapacity <= 0 {
		return fmt.Errorf("memory.preference_capacity must be a positive integer")
	}
	if c.perception.Summarize && c.llm.APIKey == "" {
		return fmt.Errorf("perception.summarize requires llm.api_key (HONEYNET_LLM_API_KEY)")
	}
	return nil
}
