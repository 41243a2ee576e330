// Package perception turns a host's event history into a staged intrusion
// assessment. Rules are configuration data; the engine hard-codes only the
// cumulative gating and monotonicity of stage decisions.
package perception

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
)

// Predicate is the matching half of one rule. Empty fields are wildcards;
// populated fields must all hold for the predicate to match an event.
type Predicate struct {
	// Events restricts the event kinds the rule fires on.
	Events []schemas.EventKind `yaml:"events,omitempty"`
	// Commands are lowercase command prefixes matched against the payload
	// command field.
	Commands []string `yaml:"commands,omitempty"`
	// HTTPPaths are path prefixes matched against the payload path field.
	HTTPPaths []string `yaml:"http_paths,omitempty"`
	// Keywords are lowercase substrings matched against the flattened
	// payload text.
	Keywords []string `yaml:"keywords,omitempty"`
	// Success gates on the payload success flag when set.
	Success *bool `yaml:"success,omitempty"`
	// Honeyfile requires the event to touch a configured honeyfile path.
	// It composes with the other fields: all populated fields must hold.
	Honeyfile bool `yaml:"honeyfile,omitempty"`
}

// Rule binds a predicate to a stage with a priority for evidence selection.
type Rule struct {
	ID       string    `yaml:"id"`
	Stage    int       `yaml:"stage"`
	Priority int       `yaml:"priority"`
	Match    Predicate `yaml:"match"`
}

// Ruleset is the full perception configuration of one deployment.
type Ruleset struct {
	Honeyfiles []string `yaml:"honeyfiles,omitempty"`
	Rules      []Rule   `yaml:"rules"`

	honeyfileSet map[string]struct{}
}

// LoadRuleset parses and validates a YAML ruleset file.
func LoadRuleset(path string) (*Ruleset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return ParseRuleset(data)
}

// ParseRuleset parses and validates a YAML ruleset document.
func ParseRuleset(data []byte) (*Ruleset, error) {
	var rs Ruleset
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return nil, fmt.Errorf("parse ruleset: %w", err)
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	rs.index()
	return &rs, nil
}

// Validate rejects rulesets the analyzer cannot evaluate deterministically.
func (rs *Ruleset) Validate() error {
	if len(rs.Rules) == 0 {
		return fmt.Errorf("ruleset contains no rules")
	}
	seen := map[string]struct{}{}
	for i, rule := range rs.Rules {
		if rule.ID == "" {
			return fmt.Errorf("rule %d is missing an id", i)
		}
		if _, dup := seen[rule.ID]; dup {
			return fmt.Errorf("duplicate rule id %q", rule.ID)
		}
		seen[rule.ID] = struct{}{}
		if rule.Stage < 1 || rule.Stage > int(schemas.MaxStage) {
			return fmt.Errorf("rule %q: stage %d out of range 1..%d", rule.ID, rule.Stage, schemas.MaxStage)
		}
		for _, kind := range rule.Match.Events {
			if !validEventKind(kind) {
				return fmt.Errorf("rule %q: unknown event kind %q", rule.ID, kind)
			}
		}
		if predicateEmpty(rule.Match) {
			return fmt.Errorf("rule %q: predicate matches nothing", rule.ID)
		}
	}
	return nil
}

func predicateEmpty(p Predicate) bool {
	return len(p.Events) == 0 && len(p.Commands) == 0 && len(p.HTTPPaths) == 0 &&
		len(p.Keywords) == 0 && p.Success == nil && !p.Honeyfile
}

func validEventKind(kind schemas.EventKind) bool {
	switch kind {
	case schemas.EventStartup, schemas.EventConnect, schemas.EventAuthAttempt,
		schemas.EventCommand, schemas.EventFileAccess, schemas.EventWrite,
		schemas.EventProtocolError, schemas.EventTransportError, schemas.EventDisconnect:
		return true
	}
	return false
}

func (rs *Ruleset) index() {
	rs.honeyfileSet = make(map[string]struct{}, len(rs.Honeyfiles))
	for _, path := range rs.Honeyfiles {
		rs.honeyfileSet[normalizeRulePath(path)] = struct{}{}
	}
	// Evidence selection walks rules in descending priority; sorting once
	// here keeps evaluation passes cheap.
	sort.SliceStable(rs.Rules, func(i, j int) bool { return rs.Rules[i].Priority > rs.Rules[j].Priority })
}

// StageRules returns the rules of one stage in descending priority order.
func (rs *Ruleset) StageRules(stage int) []Rule {
	var out []Rule
	for _, rule := range rs.Rules {
		if rule.Stage == stage {
			out = append(out, rule)
		}
	}
	return out
}

// Matches reports whether the rule's predicate holds for one event.
func (rs *Ruleset) Matches(rule Rule, ev schemas.Event) bool {
	p := rule.Match

	if p.Honeyfile && !rs.touchesHoneyfile(ev) {
		return false
	}

	if len(p.Events) > 0 {
		found := false
		for _, kind := range p.Events {
			if ev.Kind == kind {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if p.Success != nil {
		got, ok := ev.PayloadBool("success")
		if !ok || got != *p.Success {
			return false
		}
	}

	if len(p.Commands) > 0 {
		command := strings.ToLower(ev.PayloadString("command"))
		if command == "" {
			return false
		}
		found := false
		for _, prefix := range p.Commands {
			if strings.HasPrefix(command, strings.ToLower(prefix)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(p.HTTPPaths) > 0 {
		path := strings.ToLower(ev.PayloadString("path"))
		if path == "" {
			return false
		}
		found := false
		for _, prefix := range p.HTTPPaths {
			if strings.HasPrefix(path, strings.ToLower(prefix)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if len(p.Keywords) > 0 {
		blob := flattenEvent(ev)
		found := false
		for _, kw := range p.Keywords {
			if strings.Contains(blob, strings.ToLower(kw)) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	return true
}

// touchesHoneyfile checks the payload path and any absolute path embedded
// in the command text against the honeyfile set.
func (rs *Ruleset) touchesHoneyfile(ev schemas.Event) bool {
	if len(rs.honeyfileSet) == 0 {
		return false
	}
	if path := ev.PayloadString("path"); path != "" {
		if _, ok := rs.honeyfileSet[normalizeRulePath(path)]; ok {
			return true
		}
	}
	for _, token := range strings.Fields(ev.PayloadString("command")) {
		if strings.HasPrefix(token, "/") {
			if _, ok := rs.honeyfileSet[normalizeRulePath(token)]; ok {
				return true
			}
		}
	}
	return false
}

func normalizeRulePath(path string) string {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return strings.TrimSuffix(path, "/")
}

// flattenEvent lowercases every scalar payload value into one searchable
// blob, mirroring how keyword indicators treat events.
func flattenEvent(ev schemas.Event) string {
	parts := []string{string(ev.Kind), string(ev.Service)}
	for _, v := range ev.Payload {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case bool:
			parts = append(parts, fmt.Sprintf("%t", t))
		case int, int64, float64:
			parts = append(parts, fmt.Sprintf("%v", t))
		}
	}
	return strings.ToLower(strings.Join(parts, " "))
}
