package schemas

import "time"

// Stage is a discrete, cumulative level of inferred attacker progress.
// Stage0 means no stage-1 rule has matched yet. Within an analysis run a
// host's stage is monotone non-decreasing unless explicitly reset.
type Stage int

const (
	Stage0 Stage = iota
	Stage1       // reconnaissance / initial probing
	Stage2       // initial access gained
	Stage3       // privilege escalation or lateral movement
	Stage4       // data-objective access (honeyfile theft)
	Stage5       // full business-system compromise
)

// MaxStage is the highest stage the rule engine can assign.
const MaxStage = Stage5

func (s Stage) String() string {
	switch s {
	case Stage0:
		return "stage0"
	case Stage1:
		return "stage1"
	case Stage2:
		return "stage2"
	case Stage3:
		return "stage3"
	case Stage4:
		return "stage4"
	case Stage5:
		return "stage5"
	}
	return "unknown"
}

// StageDecision is the outcome of one perception pass over a host's event
// window. Identical windows yield identical decisions (the Summary field is
// advisory text attached after the fact and excluded from that contract).
type StageDecision struct {
	Host        string    `json:"host"`
	Stage       Stage     `json:"stage"`
	PrevStage   Stage     `json:"prev_stage"`
	RuleID      string    `json:"rule_id,omitempty"`   // highest-priority rule at the decided stage
	Evidence    *Event    `json:"evidence,omitempty"`  // event that satisfied the recorded rule
	MatchedMask uint8     `json:"matched_mask"`        // bit i-1 set when some stage-i rule matched
	EvaluatedAt time.Time `json:"evaluated_at"`
	EventCount  int       `json:"event_count"`

	// Summary is optional advisory text from the external summarizer. It
	// never feeds back into rule evaluation.
	Summary string `json:"summary,omitempty"`
}

// Reached reports whether every stage from 1 through k has matching
// evidence in the decision's cumulative mask.
func (d StageDecision) Reached(k Stage) bool {
	if k <= Stage0 {
		return true
	}
	want := uint8(1<<uint(k)) - 1
	return d.MatchedMask&want == want
}
