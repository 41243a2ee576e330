package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/json-iterator/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/config"
	"github.com/111bobmoin/myLLMhoneynet/internal/honeypot"
)

// stubConfig satisfies config.Interface with plain fields so tests can
// assemble exactly the configuration they need.
type stubConfig struct {
	logger     config.LoggerConfig
	host       config.HostConfig
	perception config.PerceptionConfig
	memory     config.MemoryConfig
	database   config.DatabaseConfig
	llm        config.LLMConfig
}

func (s *stubConfig) Logger() config.LoggerConfig         { return s.logger }
func (s *stubConfig) Host() config.HostConfig             { return s.host }
func (s *stubConfig) Perception() config.PerceptionConfig { return s.perception }
func (s *stubConfig) Memory() config.MemoryConfig         { return s.memory }
func (s *stubConfig) Database() config.DatabaseConfig     { return s.database }
func (s *stubConfig) LLM() config.LLMConfig               { return s.llm }

func (s *stubConfig) SetHostServices(v []string)        { s.host.Services = v }
func (s *stubConfig) SetHostConfigDir(v string)         { s.host.ConfigDir = v }
func (s *stubConfig) SetPerceptionHosts(v []string)     { s.perception.Hosts = v }
func (s *stubConfig) SetPerceptionFollow(v bool)        { s.perception.Follow = v }
func (s *stubConfig) SetPerceptionRulesetPath(v string) { s.perception.RulesetPath = v }
func (s *stubConfig) SetSummarizeEnabled(v bool)        { s.perception.Summarize = v }

func writeSpoolLog(t *testing.T, spool, host string, events []schemas.Event) {
	t.Helper()
	dir := filepath.Join(spool, host)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	f, err := os.Create(filepath.Join(dir, "events.log"))
	require.NoError(t, err)
	defer f.Close()
	for _, ev := range events {
		line, err := json.Marshal(ev)
		require.NoError(t, err)
		_, err = f.Write(append(line, '\n'))
		require.NoError(t, err)
	}
}

// attackerEvents is a short session that matches the built-in rules up
// through host reconnaissance.
func attackerEvents(host string) []schemas.Event {
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	mk := func(kind schemas.EventKind, off time.Duration, payload map[string]any) schemas.Event {
		return schemas.Event{
			Host:      host,
			Service:   schemas.ServiceSSH,
			SessionID: "sess-1",
			Timestamp: base.Add(off),
			Kind:      kind,
			Payload:   payload,
		}
	}
	return []schemas.Event{
		mk(schemas.EventConnect, 0, nil),
		mk(schemas.EventAuthAttempt, time.Second, map[string]any{"success": false, "username": "root"}),
		mk(schemas.EventAuthAttempt, 2*time.Second, map[string]any{"success": true, "username": "admin"}),
		mk(schemas.EventCommand, 3*time.Second, map[string]any{"command": "uname -a"}),
	}
}

func loadTestProfile(t *testing.T, services []string) *honeypot.HostProfile {
	t.Helper()
	o, err := New(&stubConfig{host: config.HostConfig{
		ConfigDir: t.TempDir(),
		Services:  services,
	}}, zap.NewNop())
	require.NoError(t, err)
	profile, err := o.loadProfile()
	require.NoError(t, err)
	return profile
}

func TestNewRejectsNilDependencies(t *testing.T) {
	cfg := &stubConfig{}
	log := zap.NewNop()

	_, err := New(nil, log)
	require.ErrorContains(t, err, "nil dependencies")

	_, err = New(cfg, nil)
	require.ErrorContains(t, err, "nil dependencies")

	o, err := New(cfg, log)
	require.NoError(t, err)
	require.NotNil(t, o)
}

func TestServiceKinds(t *testing.T) {
	cfg := &stubConfig{}
	o, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	t.Run("empty config means every protocol", func(t *testing.T) {
		assert.Equal(t, schemas.AllServiceKinds, o.serviceKinds())
	})

	t.Run("explicit list is preserved", func(t *testing.T) {
		cfg.SetHostServices([]string{"ssh", "http"})
		assert.Equal(t,
			[]schemas.ServiceKind{schemas.ServiceSSH, schemas.ServiceHTTP},
			o.serviceKinds())
	})
}

func TestPerceiveBatchPass(t *testing.T) {
	spool := t.TempDir()
	writeSpoolLog(t, spool, "10.0.0.5", attackerEvents("10.0.0.5"))

	cfg := &stubConfig{
		host: config.HostConfig{
			Name:      "base",
			ConfigDir: t.TempDir(),
			Services:  []string{"http"},
		},
		perception: config.PerceptionConfig{
			SpoolDir:          spool,
			WorkerConcurrency: 2,
		},
	}
	o, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, o.Perceive(context.Background()))
}

func TestPerceiveRejectsBadRuleset(t *testing.T) {
	badPath := filepath.Join(t.TempDir(), "rules.yaml")
	require.NoError(t, os.WriteFile(badPath, []byte("rules: ["), 0o644))

	cfg := &stubConfig{
		perception: config.PerceptionConfig{
			SpoolDir:    t.TempDir(),
			RulesetPath: badPath,
		},
	}
	o, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	require.Error(t, o.Perceive(context.Background()))
}

func TestSnapshotWritesArtifact(t *testing.T) {
	spool := t.TempDir()
	writeSpoolLog(t, spool, "10.0.0.5", attackerEvents("10.0.0.5"))

	configDir := t.TempDir()
	memDir := t.TempDir()
	cfg := &stubConfig{
		host: config.HostConfig{
			Name:      "base",
			ConfigDir: configDir,
			Services:  []string{"http", "ftp"},
		},
		perception: config.PerceptionConfig{
			SpoolDir:          spool,
			WorkerConcurrency: 1,
		},
		memory: config.MemoryConfig{
			Dir:                memDir,
			SnapshotLeafCap:    64,
			TopFacts:           10,
			TopPreferences:     10,
			PreferenceCapacity: 32,
		},
	}

	// FTP is interactive and accept-listed by default, so it needs users.
	ftpCfg, err := json.Marshal(map[string]any{
		"users": map[string]any{"anonymous": map[string]any{"passwords": []string{""}}},
	})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "ftp_config.json"), ftpCfg, 0o644))

	// Pin HTTP to its well-known port so the seeded knowledge applies.
	httpCfg, err := json.Marshal(map[string]any{"port": 80})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(configDir, "http_config.json"), httpCfg, 0o644))

	o, err := New(cfg, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, o.Snapshot(context.Background()))

	raw, err := os.ReadFile(filepath.Join(memDir, "snapshot.json"))
	require.NoError(t, err)

	var snap schemas.CompactContext
	require.NoError(t, json.Unmarshal(raw, &snap))
	require.Len(t, snap.Tree.Hosts, 1)

	host := snap.Tree.Hosts[0]
	assert.Equal(t, "base", host.Name)
	// The deepest stage any observed attacker reached folds onto the
	// decoy host.
	assert.Equal(t, schemas.Stage3, host.Stage)
	require.Len(t, host.Ports, 2)
	assert.Equal(t, schemas.ServiceHTTP, host.Ports[0].Service)
	assert.Equal(t, 80, host.Ports[0].Port)
	assert.Equal(t, schemas.ServiceFTP, host.Ports[1].Service)

	// Seed knowledge for the exposed HTTP port rides along.
	assert.NotEmpty(t, snap.Facts)
}

func TestMemorySourcesStageFold(t *testing.T) {
	cfg := &stubConfig{host: config.HostConfig{Name: "base"}}
	o, err := New(cfg, zap.NewNop())
	require.NoError(t, err)

	profile := loadTestProfile(t, []string{"http"})
	stages := map[string]schemas.Stage{
		"10.0.0.1": schemas.Stage1,
		"10.0.0.2": schemas.Stage4,
	}
	sources := o.memorySources(profile, stages)
	require.Len(t, sources, 1)
	assert.Equal(t, "base", sources[0].Name)
	assert.Equal(t, schemas.Stage4, sources[0].Stage)
	require.Len(t, sources[0].Ports, 1)
	assert.Equal(t, schemas.ServiceHTTP, sources[0].Ports[0].Service)
}
