// Package memory implements the two-tier memory model behind decoy
// generation: a short-term tree rebuilt from live deployment state and a
// persistent long-term store of cross-run facts and attacker preferences.
package memory

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	json "github.com/json-iterator/go"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/perception"
)

// HostSource is the live state of one decoy host fed into tree building.
type HostSource struct {
	Name  string
	Stage schemas.Stage
	Ports []PortSource
}

// PortSource is one exposed service with the file paths of its virtual tree.
type PortSource struct {
	Port    int
	Service schemas.ServiceKind
	Banner  string
	Files   []string
}

// Categories assigned to inferred honeyfiles by filename signal. The
// narrative category steers which vulnerability story a generation agent
// attaches to the lure.
var lureCategories = []struct {
	category string
	keywords []string
}{
	{"credential_exposure", []string{"secret", "credential", "password"}},
	{"data_exfiltration", []string{"backup", "snapshot", ".tar", ".gz", ".zip"}},
	{"financial_records", []string{"financial", "invoice"}},
	{"operational_intel", []string{"runbook", "readme", "notes"}},
}

func lureCategory(path string) string {
	lower := strings.ToLower(path)
	for _, lc := range lureCategories {
		for _, kw := range lc.keywords {
			if strings.Contains(lower, kw) {
				return lc.category
			}
		}
	}
	return ""
}

// BuildTree fully reconstructs the short-term memory tree from the current
// deployment state. It is a pure function of its input: no previous tree
// state leaks in. Hosts and ports come back sorted for stable output.
func BuildTree(sources []HostSource) schemas.MemoryTree {
	hosts := make([]schemas.HostNode, 0, len(sources))
	for _, src := range sources {
		host := schemas.HostNode{Name: src.Name, Stage: src.Stage}
		for _, port := range src.Ports {
			node := schemas.PortNode{
				Port:    port.Port,
				Service: port.Service,
				Banner:  port.Banner,
				Files:   []schemas.FileNode{},
			}
			honeyfiles := map[string]struct{}{}
			for _, path := range perception.InferHoneyfiles(port.Files) {
				honeyfiles[path] = struct{}{}
			}
			for _, path := range port.Files {
				file := schemas.FileNode{Path: path}
				if _, ok := honeyfiles[path]; ok {
					file.LureType = "honeyfile"
					if cat := lureCategory(path); cat != "" {
						file.Vulns = []schemas.VulnCategoryNode{{
							Category:   cat,
							TargetPort: port.Port,
							TargetFile: path,
						}}
					}
				}
				node.Files = append(node.Files, file)
			}
			sort.Slice(node.Files, func(i, j int) bool { return node.Files[i].Path < node.Files[j].Path })
			host.Ports = append(host.Ports, node)
		}
		sort.Slice(host.Ports, func(i, j int) bool { return host.Ports[i].Port < host.Ports[j].Port })
		hosts = append(hosts, host)
	}
	sort.Slice(hosts, func(i, j int) bool { return hosts[i].Name < hosts[j].Name })

	return schemas.MemoryTree{
		GeneratedAt: time.Now().UTC(),
		Mode:        "rebuild",
		Hosts:       hosts,
	}
}

// TreeDiff summarizes what changed between two rebuilds.
type TreeDiff struct {
	AddedHosts   []string `json:"added_hosts,omitempty"`
	RemovedHosts []string `json:"removed_hosts,omitempty"`
	AddedFiles   int      `json:"added_files"`
	RemovedFiles int      `json:"removed_files"`
}

// Empty reports whether the rebuild changed nothing.
func (d TreeDiff) Empty() bool {
	return len(d.AddedHosts) == 0 && len(d.RemovedHosts) == 0 &&
		d.AddedFiles == 0 && d.RemovedFiles == 0
}

func treeFileSet(t schemas.MemoryTree) map[string]struct{} {
	set := map[string]struct{}{}
	for _, h := range t.Hosts {
		for _, p := range h.Ports {
			for _, f := range p.Files {
				set[fmt.Sprintf("%s|%d|%s", h.Name, p.Port, f.Path)] = struct{}{}
			}
		}
	}
	return set
}

// DiffTrees compares a previous tree with its rebuild.
func DiffTrees(prev, next schemas.MemoryTree) TreeDiff {
	var diff TreeDiff

	prevHosts := map[string]struct{}{}
	for _, h := range prev.Hosts {
		prevHosts[h.Name] = struct{}{}
	}
	nextHosts := map[string]struct{}{}
	for _, h := range next.Hosts {
		nextHosts[h.Name] = struct{}{}
		if _, ok := prevHosts[h.Name]; !ok {
			diff.AddedHosts = append(diff.AddedHosts, h.Name)
		}
	}
	for _, h := range prev.Hosts {
		if _, ok := nextHosts[h.Name]; !ok {
			diff.RemovedHosts = append(diff.RemovedHosts, h.Name)
		}
	}
	sort.Strings(diff.AddedHosts)
	sort.Strings(diff.RemovedHosts)

	prevFiles := treeFileSet(prev)
	nextFiles := treeFileSet(next)
	for key := range nextFiles {
		if _, ok := prevFiles[key]; !ok {
			diff.AddedFiles++
		}
	}
	for key := range prevFiles {
		if _, ok := nextFiles[key]; !ok {
			diff.RemovedFiles++
		}
	}
	return diff
}

// SaveTree persists the tree as a JSON artifact, overwriting the previous
// rebuild.
func SaveTree(path string, tree schemas.MemoryTree) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create memory directory: %w", err)
	}
	data, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory tree: %w", err)
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write memory tree: %w", err)
	}
	return nil
}

// LoadTree reads a previously persisted tree. A missing file yields an
// empty tree, not an error; the first rebuild has nothing to diff against.
func LoadTree(path string) (schemas.MemoryTree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return schemas.MemoryTree{}, nil
		}
		return schemas.MemoryTree{}, fmt.Errorf("read memory tree: %w", err)
	}
	var tree schemas.MemoryTree
	if err := json.Unmarshal(data, &tree); err != nil {
		return schemas.MemoryTree{}, fmt.Errorf("decode memory tree: %w", err)
	}
	return tree, nil
}
