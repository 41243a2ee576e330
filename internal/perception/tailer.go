package perception

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/hpcloud/tail"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
)

// Tailer follows one host's event log and feeds freshly appended events to
// the engine in timed batches. Rotated or truncated files are reopened.
type Tailer struct {
	engine   *Engine
	host     string
	path     string
	interval time.Duration
	poll     bool
	log      *zap.Logger
}

// NewTailer builds a follower for <spoolDir>/<host>/events.log. interval
// bounds how long an appended event waits before evaluation.
func NewTailer(engine *Engine, spoolDir, host string, interval time.Duration) *Tailer {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Tailer{
		engine:   engine,
		host:     host,
		path:     filepath.Join(spoolDir, host, "events.log"),
		interval: interval,
		log: observability.GetLogger().With(
			zap.String("component", "perception_tailer"),
			zap.String("host", host)),
	}
}

// Run follows the log until ctx is canceled. Existing content is evaluated
// first as one window, then appended lines arrive in interval batches.
func (t *Tailer) Run(ctx context.Context) error {
	tf, err := tail.TailFile(t.path, tail.Config{
		Follow: true,
		ReOpen: true,
		Poll:   t.poll,
		Logger: tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("tail %s: %w", t.path, err)
	}
	defer func() {
		if err := tf.Stop(); err != nil {
			t.log.Debug("tail stop", zap.Error(err))
		}
		tf.Cleanup()
	}()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	var batch []schemas.Event
	flush := func() {
		if len(batch) == 0 {
			return
		}
		decision, err := t.engine.EvaluateWindow(ctx, t.host, batch)
		if err != nil {
			t.log.Warn("window evaluation failed", zap.Error(err))
		} else if decision.Stage > decision.PrevStage {
			t.log.Info("stage advanced in follow mode",
				zap.String("from", decision.PrevStage.String()),
				zap.String("to", decision.Stage.String()),
				zap.String("rule", decision.RuleID))
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return ctx.Err()
		case <-ticker.C:
			flush()
		case line, ok := <-tf.Lines:
			if !ok {
				flush()
				return tf.Err()
			}
			if line.Err != nil {
				t.log.Warn("tail read error", zap.Error(line.Err))
				continue
			}
			text := strings.TrimSpace(line.Text)
			if text == "" {
				continue
			}
			var ev schemas.Event
			if err := json.Unmarshal([]byte(text), &ev); err != nil {
				t.log.Debug("skipping unparseable line", zap.Error(err))
				continue
			}
			batch = append(batch, ev)
		}
	}
}
