package perception

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
)

// Summarizer produces an advisory natural-language account of a stage
// transition. Its output is attached to the decision and goes nowhere near
// rule evaluation.
type Summarizer interface {
	Summarize(ctx context.Context, decision schemas.StageDecision, window []schemas.Event) (string, error)
}

// PassResult is the outcome of evaluating one host in a pass.
type PassResult struct {
	Host     string
	Decision schemas.StageDecision
	Err      error
}

// Engine runs analysis passes over the spool: host discovery, concurrent
// per-host evaluation through a bounded worker pool, optional async
// summarization of finalized transitions.
type Engine struct {
	analyzer    *Analyzer
	spoolDir    string
	concurrency int
	summarizer  Summarizer
	log         *zap.Logger

	summaryWG sync.WaitGroup
	summaryMu sync.Mutex
	summaries map[string]string
}

// NewEngine builds a pass engine. summarizer may be nil.
func NewEngine(analyzer *Analyzer, spoolDir string, concurrency int, summarizer Summarizer) *Engine {
	if concurrency <= 0 {
		concurrency = 4
	}
	return &Engine{
		analyzer:    analyzer,
		spoolDir:    spoolDir,
		concurrency: concurrency,
		summarizer:  summarizer,
		summaries:   map[string]string{},
		log:         observability.GetLogger().With(zap.String("component", "perception_engine")),
	}
}

// Analyzer exposes the engine's analyzer for stage queries and resets.
func (e *Engine) Analyzer() *Analyzer { return e.analyzer }

// LastSummary returns the most recent advisory summary produced for host,
// or an empty string when none has completed yet.
func (e *Engine) LastSummary(host string) string {
	e.summaryMu.Lock()
	defer e.summaryMu.Unlock()
	return e.summaries[host]
}

// RunPass evaluates the given hosts (or every discovered host when the
// list is empty) against their full event history. A failing host yields a
// PassResult carrying its error; the rest of the pass is unaffected.
func (e *Engine) RunPass(ctx context.Context, hosts []string) ([]PassResult, error) {
	if len(hosts) == 0 {
		discovered, err := DiscoverHosts(e.spoolDir)
		if err != nil {
			return nil, err
		}
		hosts = discovered
	}

	tasks := make(chan string)
	results := make(chan PassResult, len(hosts))

	var wg sync.WaitGroup
	for i := 0; i < e.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			logger := e.log.With(zap.Int("worker_id", workerID))
			for {
				select {
				case <-ctx.Done():
					return
				case host, ok := <-tasks:
					if !ok {
						return
					}
					results <- e.evaluateHost(ctx, host, logger)
				}
			}
		}(i + 1)
	}

	for _, host := range hosts {
		select {
		case tasks <- host:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
	}
	close(tasks)
	wg.Wait()
	close(results)

	out := make([]PassResult, 0, len(hosts))
	for res := range results {
		out = append(out, res)
	}
	return out, ctx.Err()
}

func (e *Engine) evaluateHost(ctx context.Context, host string, logger *zap.Logger) PassResult {
	window, err := ReadHostEvents(e.spoolDir, host)
	if err != nil {
		logger.Warn("host skipped", zap.String("host", host), zap.Error(err))
		return PassResult{Host: host, Err: err}
	}
	decision, err := e.analyzer.Evaluate(host, window)
	if err != nil {
		return PassResult{Host: host, Err: err}
	}
	if decision.Stage > decision.PrevStage {
		e.spawnSummary(ctx, decision, window)
	}
	decision.Summary = e.LastSummary(host)
	return PassResult{Host: host, Decision: decision}
}

// EvaluateWindow feeds an incremental batch (follow mode) through the
// analyzer, kicking off summarization on finalized transitions.
func (e *Engine) EvaluateWindow(ctx context.Context, host string, window []schemas.Event) (schemas.StageDecision, error) {
	decision, err := e.analyzer.Evaluate(host, window)
	if err != nil {
		return decision, err
	}
	if decision.Stage > decision.PrevStage {
		e.spawnSummary(ctx, decision, window)
	}
	decision.Summary = e.LastSummary(host)
	return decision, nil
}

// spawnSummary runs the advisory summarizer off the evaluation path. The
// result lands in the per-host summary cache; failures are logged and
// dropped.
func (e *Engine) spawnSummary(ctx context.Context, decision schemas.StageDecision, window []schemas.Event) {
	if e.summarizer == nil {
		return
	}
	e.summaryWG.Add(1)
	go func() {
		defer e.summaryWG.Done()
		summary, err := e.summarizer.Summarize(ctx, decision, window)
		if err != nil {
			e.log.Warn("stage summary failed",
				zap.String("host", decision.Host), zap.Error(err))
			return
		}
		e.summaryMu.Lock()
		e.summaries[decision.Host] = summary
		e.summaryMu.Unlock()
		e.log.Info("stage transition summary",
			zap.String("host", decision.Host),
			zap.String("stage", decision.Stage.String()),
			zap.String("summary", summary))
	}()
}

// Wait blocks until in-flight summaries finish. Call on shutdown.
func (e *Engine) Wait() { e.summaryWG.Wait() }
