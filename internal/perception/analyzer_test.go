package perception

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
)

func stageEvent(kind schemas.EventKind, ts time.Time, payload map[string]any) schemas.Event {
	return schemas.Event{
		Host:      "10.0.0.1",
		Service:   schemas.ServiceSSH,
		SessionID: "s-1",
		Timestamp: ts,
		Kind:      kind,
		Payload:   payload,
	}
}

func testHoneyfiles() []string { return []string{"/home/user/backup.sql"} }

func TestAnalyzerEscalation(t *testing.T) {
	a := NewAnalyzer(DefaultRuleset(testHoneyfiles()))
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	t.Run("failed login reaches stage 1", func(t *testing.T) {
		d, err := a.Evaluate("10.0.0.1", []schemas.Event{
			stageEvent(schemas.EventAuthAttempt, base, map[string]any{"success": false}),
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.Stage1, d.Stage)
		assert.Equal(t, schemas.Stage0, d.PrevStage)
		assert.Equal(t, "initial-auth-probe", d.RuleID)
		require.NotNil(t, d.Evidence)
		assert.Equal(t, schemas.EventAuthAttempt, d.Evidence.Kind)
	})

	t.Run("successful login reaches stage 2", func(t *testing.T) {
		d, err := a.Evaluate("10.0.0.1", []schemas.Event{
			stageEvent(schemas.EventAuthAttempt, base.Add(time.Second), map[string]any{"success": true}),
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.Stage2, d.Stage)
		assert.Equal(t, schemas.Stage1, d.PrevStage)
		assert.Equal(t, "login-success", d.RuleID)
	})

	t.Run("recon command reaches stage 3", func(t *testing.T) {
		d, err := a.Evaluate("10.0.0.1", []schemas.Event{
			stageEvent(schemas.EventCommand, base.Add(2*time.Second), map[string]any{"command": "uname -a"}),
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.Stage3, d.Stage)
		assert.Equal(t, "host-recon", d.RuleID)
	})

	t.Run("honeyfile theft reaches stage 4", func(t *testing.T) {
		d, err := a.Evaluate("10.0.0.1", []schemas.Event{
			stageEvent(schemas.EventCommand, base.Add(3*time.Second), map[string]any{"command": "cat /home/user/backup.sql"}),
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.Stage4, d.Stage)
		assert.Equal(t, "honeyfile-theft", d.RuleID)
	})

	t.Run("privileged tooling reaches stage 5", func(t *testing.T) {
		d, err := a.Evaluate("10.0.0.1", []schemas.Event{
			stageEvent(schemas.EventCommand, base.Add(4*time.Second), map[string]any{"command": "systemctl status nginx"}),
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.Stage5, d.Stage)
		assert.Equal(t, "privileged-tooling", d.RuleID)
		assert.True(t, d.Reached(schemas.Stage5))
	})
}

func TestAnalyzerCumulativeGating(t *testing.T) {
	a := NewAnalyzer(DefaultRuleset(testHoneyfiles()))
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	// A deep indicator alone sets its bit but cannot decide the stage:
	// every earlier stage must have evidence first.
	d, err := a.Evaluate("10.0.0.1", []schemas.Event{
		stageEvent(schemas.EventFileAccess, base, map[string]any{"path": "/home/user/backup.sql"}),
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.Stage0, d.Stage)
	assert.NotZero(t, d.MatchedMask&(1<<3), "stage 4 bit should be recorded")
	assert.False(t, d.Reached(schemas.Stage1))

	// Supplying the missing earlier evidence unlocks the deep stage at once.
	d, err = a.Evaluate("10.0.0.1", []schemas.Event{
		stageEvent(schemas.EventAuthAttempt, base.Add(time.Second), map[string]any{"success": true}),
		stageEvent(schemas.EventCommand, base.Add(2*time.Second), map[string]any{"command": "ifconfig"}),
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.Stage4, d.Stage)
	assert.Equal(t, schemas.Stage0, d.PrevStage)
}

func TestAnalyzerMonotoneAndIdempotent(t *testing.T) {
	a := NewAnalyzer(DefaultRuleset(nil))
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	window := []schemas.Event{
		stageEvent(schemas.EventAuthAttempt, base, map[string]any{"success": true}),
	}

	first, err := a.Evaluate("10.0.0.1", window)
	require.NoError(t, err)
	assert.Equal(t, schemas.Stage2, first.Stage)

	t.Run("re-evaluating the same window changes nothing", func(t *testing.T) {
		again, err := a.Evaluate("10.0.0.1", window)
		require.NoError(t, err)
		assert.Equal(t, first.Stage, again.Stage)
		assert.Equal(t, first.MatchedMask, again.MatchedMask)
		assert.Equal(t, first.RuleID, again.RuleID)
		assert.Equal(t, len(window), again.EventCount)
	})

	t.Run("quiet windows never lower the stage", func(t *testing.T) {
		d, err := a.Evaluate("10.0.0.1", []schemas.Event{
			stageEvent(schemas.EventDisconnect, base.Add(time.Minute), nil),
		})
		require.NoError(t, err)
		assert.Equal(t, schemas.Stage2, d.Stage)
	})

	t.Run("out-of-order timestamps are folded identically", func(t *testing.T) {
		shuffled := []schemas.Event{
			stageEvent(schemas.EventCommand, base.Add(3*time.Second), map[string]any{"command": "netstat -an"}),
			stageEvent(schemas.EventAuthAttempt, base.Add(time.Second), map[string]any{"success": true}),
		}
		d, err := a.Evaluate("10.0.0.1", shuffled)
		require.NoError(t, err)
		assert.Equal(t, schemas.Stage3, d.Stage)
	})
}

func TestAnalyzerReset(t *testing.T) {
	a := NewAnalyzer(DefaultRuleset(nil))
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	_, err := a.Evaluate("10.0.0.1", []schemas.Event{
		stageEvent(schemas.EventAuthAttempt, base, map[string]any{"success": true}),
	})
	require.NoError(t, err)
	require.Equal(t, schemas.Stage2, a.Stage("10.0.0.1"))

	a.Reset("10.0.0.1")
	assert.Equal(t, schemas.Stage0, a.Stage("10.0.0.1"))

	// Post-reset evidence starts from scratch.
	d, err := a.Evaluate("10.0.0.1", []schemas.Event{
		stageEvent(schemas.EventCommand, base.Add(time.Second), map[string]any{"command": "whoami"}),
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.Stage0, d.Stage)
}

func TestAnalyzerHostIsolation(t *testing.T) {
	a := NewAnalyzer(DefaultRuleset(nil))
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	_, err := a.Evaluate("10.0.0.1", []schemas.Event{
		stageEvent(schemas.EventAuthAttempt, base, map[string]any{"success": true}),
	})
	require.NoError(t, err)

	assert.Equal(t, schemas.Stage2, a.Stage("10.0.0.1"))
	assert.Equal(t, schemas.Stage0, a.Stage("10.0.0.2"))
}

func TestAnalyzerRulesetSwap(t *testing.T) {
	a := NewAnalyzer(DefaultRuleset(nil))
	base := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)

	_, err := a.Evaluate("10.0.0.1", []schemas.Event{
		stageEvent(schemas.EventAuthAttempt, base, map[string]any{"success": true}),
	})
	require.NoError(t, err)

	replacement, err := ParseRuleset([]byte(`
rules:
  - id: custom-recon
    stage: 3
    priority: 1
    match:
      events: [command]
      commands: [nmap]
`))
	require.NoError(t, err)
	a.SetRuleset(replacement)

	// Accumulated bits survive the swap; the new ruleset drives new matches.
	d, err := a.Evaluate("10.0.0.1", []schemas.Event{
		stageEvent(schemas.EventCommand, base.Add(time.Second), map[string]any{"command": "nmap -sV 10.0.0.0/24"}),
	})
	require.NoError(t, err)
	assert.Equal(t, schemas.Stage3, d.Stage)
	assert.Equal(t, "custom-recon", d.RuleID)
}

func TestAnalyzerEmptyHost(t *testing.T) {
	a := NewAnalyzer(DefaultRuleset(nil))
	_, err := a.Evaluate("", nil)
	require.Error(t, err)
}
