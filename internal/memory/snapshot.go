package memory

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/config"
	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
)

// Manager owns the memory artifacts of one deployment: the persisted
// short-term tree, the badger long-term store and the snapshot policy. It
// is passed explicitly to whoever needs it; there is no package-level
// instance.
type Manager struct {
	cfg  config.MemoryConfig
	long *LongTermStore
	log  *zap.Logger
}

// NewManager opens the long-term store under cfg.Dir.
func NewManager(cfg config.MemoryConfig) (*Manager, error) {
	long, err := OpenLongTerm(cfg.Dir, cfg.PreferenceCapacity)
	if err != nil {
		return nil, err
	}
	return &Manager{
		cfg:  cfg,
		long: long,
		log:  observability.GetLogger().With(zap.String("component", "memory")),
	}, nil
}

// LongTerm exposes the fact/preference store.
func (m *Manager) LongTerm() *LongTermStore { return m.long }

func (m *Manager) treePath() string { return filepath.Join(m.cfg.Dir, "short_term.json") }

// Rebuild reconstructs and persists the short-term tree. When diff
// reporting is enabled the change summary against the previous rebuild is
// logged and returned.
func (m *Manager) Rebuild(sources []HostSource) (schemas.MemoryTree, TreeDiff, error) {
	tree := BuildTree(sources)

	var diff TreeDiff
	if m.cfg.ReportDiff {
		prev, err := LoadTree(m.treePath())
		if err != nil {
			return schemas.MemoryTree{}, TreeDiff{}, err
		}
		diff = DiffTrees(prev, tree)
		if !diff.Empty() {
			m.log.Info("short-term memory rebuilt",
				zap.Strings("added_hosts", diff.AddedHosts),
				zap.Strings("removed_hosts", diff.RemovedHosts),
				zap.Int("added_files", diff.AddedFiles),
				zap.Int("removed_files", diff.RemovedFiles))
		}
	}

	if err := SaveTree(m.treePath(), tree); err != nil {
		return schemas.MemoryTree{}, TreeDiff{}, err
	}
	return tree, diff, nil
}

// Snapshot produces the size-bounded context handed to prompt builders:
// the rebuilt tree truncated to the leaf cap, the top facts relevant to
// the tree's ports and the top attacker preferences.
func (m *Manager) Snapshot(sources []HostSource) (schemas.CompactContext, error) {
	tree, _, err := m.Rebuild(sources)
	if err != nil {
		return schemas.CompactContext{}, err
	}

	truncated := truncateTree(&tree, m.cfg.SnapshotLeafCap)

	facts, err := m.relevantFacts(tree)
	if err != nil {
		return schemas.CompactContext{}, err
	}
	if m.cfg.TopFacts > 0 && len(facts) > m.cfg.TopFacts {
		facts = facts[:m.cfg.TopFacts]
	}

	return schemas.CompactContext{
		Tree:        tree,
		Facts:       facts,
		Preferences: m.long.GetPreferences(m.cfg.TopPreferences),
		Truncated:   truncated,
	}, nil
}

// relevantFacts collects facts for every port present in the tree, oldest
// first across ports, deduplicating pairings exposed by several hosts.
func (m *Manager) relevantFacts(tree schemas.MemoryTree) ([]schemas.LongTermFact, error) {
	type pairing struct {
		port    int
		service schemas.ServiceKind
	}
	seen := map[pairing]struct{}{}
	var facts []schemas.LongTermFact
	for _, host := range tree.Hosts {
		for _, port := range host.Ports {
			key := pairing{port.Port, port.Service}
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			portFacts, err := m.long.GetFacts(port.Port, port.Service)
			if err != nil {
				return nil, fmt.Errorf("snapshot facts: %w", err)
			}
			facts = append(facts, portFacts...)
		}
	}
	sort.SliceStable(facts, func(i, j int) bool { return facts[i].FirstSeen.Before(facts[j].FirstSeen) })
	return facts, nil
}

// truncateTree enforces the leaf cap by dropping whole host branches in
// ascending stage order: the least-escalated hosts are the cheapest
// context to lose. Within a stage the lexicographically last host goes
// first, keeping truncation deterministic. Returns whether anything was
// dropped.
func truncateTree(tree *schemas.MemoryTree, leafCap int) bool {
	if leafCap <= 0 || tree.LeafCount() <= leafCap {
		return false
	}

	order := make([]int, len(tree.Hosts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		ha, hb := tree.Hosts[order[a]], tree.Hosts[order[b]]
		if ha.Stage != hb.Stage {
			return ha.Stage < hb.Stage
		}
		return ha.Name > hb.Name
	})

	drop := map[int]struct{}{}
	for _, idx := range order {
		drop[idx] = struct{}{}
		pruned := make([]schemas.HostNode, 0, len(tree.Hosts))
		for i, host := range tree.Hosts {
			if _, gone := drop[i]; !gone {
				pruned = append(pruned, host)
			}
		}
		trial := schemas.MemoryTree{Hosts: pruned}
		if trial.LeafCount() <= leafCap || len(pruned) == 0 {
			tree.Hosts = pruned
			return true
		}
	}
	return true
}

// Flush persists every artifact that must survive shutdown.
func (m *Manager) Flush() error { return m.long.Flush() }

// Close flushes and releases the long-term store.
func (m *Manager) Close() error {
	if err := m.long.Flush(); err != nil {
		m.log.Warn("memory flush on close failed", zap.Error(err))
	}
	return m.long.Close()
}
