package perception

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
)

// Analyzer evaluates event windows into stage decisions. Per-host state is
// cumulative: matched-stage bits accumulate across windows, the stage is
// derived from the bits and never decreases without an explicit Reset. The
// ruleset can be swapped between passes.
type Analyzer struct {
	mu      sync.Mutex
	ruleset *Ruleset
	hosts   map[string]*hostState
	log     *zap.Logger
}

type hostState struct {
	stage    schemas.Stage
	mask     uint8
	ruleID   string
	evidence *schemas.Event
}

// NewAnalyzer creates an analyzer over a validated ruleset.
func NewAnalyzer(rs *Ruleset) *Analyzer {
	return &Analyzer{
		ruleset: rs,
		hosts:   map[string]*hostState{},
		log:     observability.GetLogger().Named("perception"),
	}
}

// SetRuleset swaps the active ruleset. Accumulated host state survives the
// swap; only future matching changes.
func (a *Analyzer) SetRuleset(rs *Ruleset) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.ruleset = rs
}

// Reset clears the accumulated state of one host, returning its stage to
// zero. The only way a stage ever goes down.
func (a *Analyzer) Reset(host string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.hosts, host)
}

// Stage returns the current decided stage of a host.
func (a *Analyzer) Stage(host string) schemas.Stage {
	a.mu.Lock()
	defer a.mu.Unlock()
	if st, ok := a.hosts[host]; ok {
		return st.stage
	}
	return schemas.Stage0
}

// Evaluate folds one window of events into the host's cumulative state and
// returns the resulting decision. Events are processed in non-decreasing
// timestamp order regardless of input order. Re-evaluating an identical
// window yields the identical decision: matching only ever sets bits that
// the same events would set again.
func (a *Analyzer) Evaluate(host string, window []schemas.Event) (schemas.StageDecision, error) {
	if host == "" {
		return schemas.StageDecision{}, fmt.Errorf("evaluate: empty host id")
	}

	ordered := make([]schemas.Event, len(window))
	copy(ordered, window)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	a.mu.Lock()
	defer a.mu.Unlock()

	st, ok := a.hosts[host]
	if !ok {
		st = &hostState{}
		a.hosts[host] = st
	}
	prev := st.stage

	// Fold the window: for every stage whose bit is still unset, find the
	// highest-priority rule matching any event. Rules are pre-sorted by
	// priority, so the first match per stage wins.
	type hit struct {
		rule Rule
		ev   schemas.Event
	}
	hits := map[int]hit{}
	for stage := 1; stage <= int(schemas.MaxStage); stage++ {
		for _, rule := range a.ruleset.StageRules(stage) {
			var matched *schemas.Event
			for i := range ordered {
				if a.ruleset.Matches(rule, ordered[i]) {
					matched = &ordered[i]
					break
				}
			}
			if matched != nil {
				hits[stage] = hit{rule: rule, ev: *matched}
				break
			}
		}
	}
	for stage := range hits {
		st.mask |= 1 << uint(stage-1)
	}

	// Cumulative gating: the decided stage is the deepest k with every bit
	// 1..k set.
	decided := schemas.Stage0
	for k := 1; k <= int(schemas.MaxStage); k++ {
		want := uint8(1<<uint(k)) - 1
		if st.mask&want != want {
			break
		}
		decided = schemas.Stage(k)
	}

	if decided > st.stage {
		st.stage = decided
		if h, ok := hits[int(decided)]; ok {
			st.ruleID = h.rule.ID
			ev := h.ev
			st.evidence = &ev
		}
		a.log.Info("host stage advanced",
			zap.String("host", host),
			zap.String("from", prev.String()),
			zap.String("to", decided.String()),
			zap.String("rule", st.ruleID))
	}

	return schemas.StageDecision{
		Host:        host,
		Stage:       st.stage,
		PrevStage:   prev,
		RuleID:      st.ruleID,
		Evidence:    st.evidence,
		MatchedMask: st.mask,
		EvaluatedAt: time.Now().UTC(),
		EventCount:  len(window),
	}, nil
}
