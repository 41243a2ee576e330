// Package orchestrator is the composition root: it owns construction and
// lifecycle of the session engine, the perception engine and the memory
// model. Components are wired explicitly here; nothing hangs off package
// state.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/config"
	"github.com/111bobmoin/myLLMhoneynet/internal/honeypot"
	"github.com/111bobmoin/myLLMhoneynet/internal/llmclient"
	"github.com/111bobmoin/myLLMhoneynet/internal/memory"
	"github.com/111bobmoin/myLLMhoneynet/internal/perception"
	"github.com/111bobmoin/myLLMhoneynet/internal/session"
	"github.com/111bobmoin/myLLMhoneynet/internal/store"
)

// Orchestrator wires configuration into running workflows.
type Orchestrator struct {
	cfg    config.Interface
	logger *zap.Logger
}

// New validates dependencies and returns an orchestrator.
func New(cfg config.Interface, logger *zap.Logger) (*Orchestrator, error) {
	if cfg == nil || logger == nil {
		return nil, fmt.Errorf("cannot initialize orchestrator with nil dependencies")
	}
	return &Orchestrator{cfg: cfg, logger: logger.Named("orchestrator")}, nil
}

// serviceKinds resolves the configured service list; empty means every
// supported protocol.
func (o *Orchestrator) serviceKinds() []schemas.ServiceKind {
	names := o.cfg.Host().Services
	if len(names) == 0 {
		return schemas.AllServiceKinds
	}
	kinds := make([]schemas.ServiceKind, 0, len(names))
	for _, name := range names {
		kinds = append(kinds, schemas.ServiceKind(name))
	}
	return kinds
}

func (o *Orchestrator) loadProfile() (*honeypot.HostProfile, error) {
	return honeypot.LoadHostProfile(o.cfg.Host().ConfigDir, o.serviceKinds())
}

// Serve runs the decoy host until ctx is canceled: loads the host profile,
// opens the event spool (optionally teed into the SQL archive) and starts
// the protocol listeners.
func (o *Orchestrator) Serve(ctx context.Context) error {
	host := o.cfg.Host()

	profile, err := o.loadProfile()
	if err != nil {
		return fmt.Errorf("load host profile: %w", err)
	}

	eventLog, err := session.OpenLog(host.SpoolDir, host.Name)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer eventLog.Close()

	var sink schemas.EventSink = eventLog
	if url := o.cfg.Database().URL; url != "" {
		archiveSink, closeArchive := o.connectArchive(ctx, url, eventLog)
		if archiveSink != nil {
			sink = archiveSink
			defer closeArchive()
		}
	}

	runtime := honeypot.NewRuntime(host, profile, sink)
	o.logger.Info("decoy host starting",
		zap.String("host", host.Name),
		zap.Int("services", len(profile.Services)))
	return runtime.Run(ctx)
}

// connectArchive wires the best-effort SQL archive. Any failure degrades
// to local-only logging; the decoy never refuses to start because a
// database is down.
func (o *Orchestrator) connectArchive(ctx context.Context, url string, local schemas.EventSink) (schemas.EventSink, func()) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		o.logger.Warn("event archive disabled: bad database url", zap.Error(err))
		return nil, nil
	}
	archive, err := store.New(ctx, pool, o.logger)
	if err != nil {
		pool.Close()
		o.logger.Warn("event archive disabled: connection failed", zap.Error(err))
		return nil, nil
	}
	sink := store.NewArchivingSink(local, archive, o.logger)
	return sink, func() {
		if err := sink.Close(); err != nil {
			o.logger.Warn("archive sink shutdown", zap.Error(err))
		}
		pool.Close()
	}
}

// buildPerception assembles the analyzer and pass engine from
// configuration. The ruleset comes from the configured YAML file when set,
// otherwise the built-in default seeded with honeyfiles inferred from the
// host's virtual tree.
func (o *Orchestrator) buildPerception() (*perception.Engine, error) {
	pcfg := o.cfg.Perception()

	var rs *perception.Ruleset
	if pcfg.RulesetPath != "" {
		loaded, err := perception.LoadRuleset(pcfg.RulesetPath)
		if err != nil {
			return nil, err
		}
		rs = loaded
	} else {
		var honeyfiles []string
		if profile, err := o.loadProfile(); err == nil {
			honeyfiles = perception.InferHoneyfiles(profile.FS.Files())
		}
		rs = perception.DefaultRuleset(honeyfiles)
	}

	var summarizer perception.Summarizer
	if pcfg.Summarize {
		client, err := llmclient.NewClient(o.cfg.LLM(), o.logger)
		if err != nil {
			return nil, fmt.Errorf("build summarizer: %w", err)
		}
		if client != nil {
			summarizer = llmclient.NewStageSummarizer(client, o.logger)
		}
	}

	analyzer := perception.NewAnalyzer(rs)
	return perception.NewEngine(analyzer, pcfg.SpoolDir, pcfg.WorkerConcurrency, summarizer), nil
}

// Perceive runs the stage assessment workflow: one batch pass over the
// spool, or continuous follow mode when configured.
func (o *Orchestrator) Perceive(ctx context.Context) error {
	pcfg := o.cfg.Perception()
	engine, err := o.buildPerception()
	if err != nil {
		return err
	}
	defer engine.Wait()

	if pcfg.Follow {
		return o.follow(ctx, engine)
	}

	results, err := engine.RunPass(ctx, pcfg.Hosts)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Err != nil {
			o.logger.Warn("host evaluation failed",
				zap.String("host", res.Host), zap.Error(res.Err))
			continue
		}
		o.logger.Info("host assessed",
			zap.String("host", res.Host),
			zap.String("stage", res.Decision.Stage.String()),
			zap.String("rule", res.Decision.RuleID),
			zap.Int("events", res.Decision.EventCount))
	}
	return nil
}

// follow tails every requested host's event log until cancellation.
func (o *Orchestrator) follow(ctx context.Context, engine *perception.Engine) error {
	pcfg := o.cfg.Perception()
	hosts := pcfg.Hosts
	if len(hosts) == 0 {
		discovered, err := perception.DiscoverHosts(pcfg.SpoolDir)
		if err != nil {
			return err
		}
		hosts = discovered
	}
	if len(hosts) == 0 {
		return fmt.Errorf("follow mode: no hosts found under %s", pcfg.SpoolDir)
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, host := range hosts {
		tailer := perception.NewTailer(engine, pcfg.SpoolDir, host, pcfg.Interval)
		g.Go(func() error { return tailer.Run(gctx) })
	}
	o.logger.Info("follow mode started", zap.Strings("hosts", hosts))
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// Snapshot rebuilds the memory model against the current deployment and
// writes the size-bounded context artifact. Stages come from a fresh batch
// pass over the spool.
func (o *Orchestrator) Snapshot(ctx context.Context) error {
	engine, err := o.buildPerception()
	if err != nil {
		return err
	}
	stages := map[string]schemas.Stage{}
	results, err := engine.RunPass(ctx, nil)
	if err != nil {
		return err
	}
	for _, res := range results {
		if res.Err == nil {
			stages[res.Host] = res.Decision.Stage
		}
	}
	engine.Wait()

	profile, err := o.loadProfile()
	if err != nil {
		return fmt.Errorf("load host profile: %w", err)
	}

	manager, err := memory.NewManager(o.cfg.Memory())
	if err != nil {
		return err
	}
	defer manager.Close()

	sources := o.memorySources(profile, stages)
	snap, err := manager.Snapshot(sources)
	if err != nil {
		return err
	}

	path := filepath.Join(o.cfg.Memory().Dir, "snapshot.json")
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}

	o.logger.Info("memory snapshot written",
		zap.String("path", path),
		zap.Int("leaves", snap.Tree.LeafCount()),
		zap.Bool("truncated", snap.Truncated),
		zap.Int("facts", len(snap.Facts)),
		zap.Int("preferences", len(snap.Preferences)))
	return manager.Flush()
}

// memorySources maps the loaded profile onto tree-builder input. The
// decoy host's stage is the deepest stage any observed attacker reached
// on it.
func (o *Orchestrator) memorySources(profile *honeypot.HostProfile, stages map[string]schemas.Stage) []memory.HostSource {
	host := o.cfg.Host()

	stage := stages[host.Name]
	for _, s := range stages {
		if s > stage {
			stage = s
		}
	}

	files := profile.FS.Files()
	source := memory.HostSource{Name: host.Name, Stage: stage}
	kinds := make([]schemas.ServiceKind, 0, len(profile.Services))
	for kind := range profile.Services {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	for _, kind := range kinds {
		svc := profile.Services[kind]
		source.Ports = append(source.Ports, memory.PortSource{
			Port:    svc.Port,
			Service: kind,
			Banner:  svc.Banner,
			Files:   files,
		})
	}
	return []memory.HostSource{source}
}
