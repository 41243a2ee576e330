package schemas

import "time"

// The short-term memory tree mirrors the live decoy topology with a strict
// Host -> Port -> File -> VulnCategory depth ordering. Each level is keyed
// uniquely under its parent.

// VulnCategoryNode is a leaf tagging a decoy file or port with a fabricated
// vulnerability narrative category.
type VulnCategoryNode struct {
	Category   string `json:"category"`
	TargetPort int    `json:"target_port,omitempty"`
	TargetFile string `json:"target_file,omitempty"`
}

// FileNode is a decoy file exposed under a port.
type FileNode struct {
	Path       string             `json:"path"`
	LureType   string             `json:"lure_type,omitempty"`
	Vulns      []VulnCategoryNode `json:"vulnerabilities,omitempty"`
}

// PortNode is one exposed service port on a host.
type PortNode struct {
	Port    int         `json:"port"`
	Service ServiceKind `json:"service"`
	Banner  string      `json:"banner,omitempty"`
	Files   []FileNode  `json:"files"`
}

// HostNode is the root of one host's branch of the memory tree.
type HostNode struct {
	Name  string     `json:"name"`
	Stage Stage      `json:"stage"`
	Ports []PortNode `json:"ports"`
}

// MemoryTree is the full short-term snapshot handed to generation agents.
type MemoryTree struct {
	GeneratedAt time.Time  `json:"generated_at"`
	Mode        string     `json:"mode"` // "rebuild" is the only producer today
	Hosts       []HostNode `json:"hosts"`
}

// LeafCount returns the number of leaves in the tree, where a file with no
// vulnerability tags still counts as one leaf. The snapshot cap is enforced
// against this number.
func (t MemoryTree) LeafCount() int {
	n := 0
	for _, h := range t.Hosts {
		for _, p := range h.Ports {
			if len(p.Files) == 0 {
				n++
				continue
			}
			for _, f := range p.Files {
				if len(f.Vulns) == 0 {
					n++
					continue
				}
				n += len(f.Vulns)
			}
		}
	}
	return n
}

// LongTermFact is a cross-run fact about a port/service pairing. Facts are
// deduplicated by the (Port, Service, Text) triple and never auto-deleted.
type LongTermFact struct {
	Port      int         `json:"port"`
	Service   ServiceKind `json:"service"`
	Text      string      `json:"text"`
	FirstSeen time.Time   `json:"first_seen"`
}

// Preference is one observed attacker behavioral signal with its
// reinforcement count.
type Preference struct {
	Signal       string    `json:"signal"`
	Count        int       `json:"count"`
	LastObserved time.Time `json:"last_observed"`
}

// CompactContext is the size-bounded structure served to downstream prompt
// builders: the short-term tree merged with top long-term facts and top
// attacker preferences, truncated to the configured leaf cap.
type CompactContext struct {
	Tree        MemoryTree     `json:"tree"`
	Facts       []LongTermFact `json:"facts"`
	Preferences []Preference   `json:"preferences"`
	Truncated   bool           `json:"truncated"`
}
