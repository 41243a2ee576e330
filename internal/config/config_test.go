package config

import (
	"bytes"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	// Verify a few key defaults to ensure the decode mechanism works.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "base", cfg.Host().Name)
	assert.Equal(t, "spool", cfg.Host().SpoolDir)
	assert.Equal(t, 5*time.Minute, cfg.Host().IdleTimeout)
	assert.Equal(t, 4, cfg.Perception().WorkerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.Perception().Interval)
	assert.Equal(t, 64, cfg.Memory().SnapshotLeafCap)
	assert.Equal(t, "gemini", cfg.LLM().Provider)
	assert.Equal(t, "gemini-2.5-flash", cfg.LLM().Model)
	assert.False(t, cfg.Perception().Summarize)
}

func TestSetters(t *testing.T) {
	cfg := NewDefaultConfig()

	cfg.SetHostServices([]string{"ssh", "telnet"})
	cfg.SetHostConfigDir("/etc/decoy")
	cfg.SetPerceptionHosts([]string{"10.0.0.1"})
	cfg.SetPerceptionFollow(true)
	cfg.SetPerceptionRulesetPath("rules.yaml")
	cfg.SetSummarizeEnabled(true)

	assert.Equal(t, []string{"ssh", "telnet"}, cfg.Host().Services)
	assert.Equal(t, "/etc/decoy", cfg.Host().ConfigDir)
	assert.Equal(t, []string{"10.0.0.1"}, cfg.Perception().Hosts)
	assert.True(t, cfg.Perception().Follow)
	assert.Equal(t, "rules.yaml", cfg.Perception().RulesetPath)
	assert.True(t, cfg.Perception().Summarize)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	cfg := NewDefaultConfig()
	assert.NoError(t, cfg.Validate(), "default config should be valid")

	noName := *cfg
	noName.host.Name = ""
	err := noName.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "host.name must not be empty")

	badConcurrency := *cfg
	badConcurrency.perception.WorkerConcurrency = 0
	err = badConcurrency.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "perception.worker_concurrency must be a positive integer")

	badLeafCap := *cfg
	badLeafCap.memory.SnapshotLeafCap = -1
	err = badLeafCap.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "memory.snapshot_leaf_cap must be a positive integer")

	summarizeNoKey := *cfg
	summarizeNoKey.perception.Summarize = true
	err = summarizeNoKey.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "llm.api_key")

	summarizeWithKey := summarizeNoKey
	summarizeWithKey.llm.APIKey = "secret"
	assert.NoError(t, summarizeWithKey.Validate())
}

// -- Viper Integration Tests --

func TestNewConfigFromViper(t *testing.T) {
	yamlConfig := `
host:
  name: "dmz-web-01"
  services: ["ssh", "http"]
  idle_timeout: "90s"
perception:
  worker_concurrency: 8
memory:
  snapshot_leaf_cap: 16
`
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yamlConfig)))

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)

	// File values override defaults.
	assert.Equal(t, "dmz-web-01", cfg.Host().Name)
	assert.Equal(t, []string{"ssh", "http"}, cfg.Host().Services)
	assert.Equal(t, 90*time.Second, cfg.Host().IdleTimeout)
	assert.Equal(t, 8, cfg.Perception().WorkerConcurrency)
	assert.Equal(t, 16, cfg.Memory().SnapshotLeafCap)
	// Untouched sections keep their defaults.
	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, 32, cfg.Memory().PreferenceCapacity)
}

func TestNewConfigFromViperEnvBindings(t *testing.T) {
	t.Setenv("HONEYNET_LLM_API_KEY", "env-api-key")
	t.Setenv("HONEYNET_DATABASE_URL", "postgres://collector@db/honeynet")

	v := viper.New()
	SetDefaults(v)

	cfg, err := NewConfigFromViper(v)
	require.NoError(t, err)
	assert.Equal(t, "env-api-key", cfg.LLM().APIKey)
	assert.Equal(t, "postgres://collector@db/honeynet", cfg.Database().URL)
}

func TestNewConfigFromViperRejectsInvalid(t *testing.T) {
	v := viper.New()
	SetDefaults(v)
	v.Set("host.max_sessions", 0)

	_, err := NewConfigFromViper(v)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host.max_sessions")
}
