// Package vfs implements the in-memory virtual filesystem shared by every
// decoy service on a host. Nodes live in an arena and are addressed by
// stable handles; mutation happens only through the write-emulation path,
// which never touches real storage.
package vfs

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/json-iterator/go"
)

var (
	// ErrNotFound reports an unresolvable path. Callers translate it into a
	// protocol-plausible not-found response; it never crashes a session.
	ErrNotFound = errors.New("no such file or directory")
	// ErrNotDir reports a directory operation against a file node.
	ErrNotDir = errors.New("not a directory")
	// ErrIsDir reports a file operation against a directory node.
	ErrIsDir = errors.New("is a directory")
)

// PathError wraps a VFS failure with the operation and path that caused it.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string { return fmt.Sprintf("vfs %s %s: %v", e.Op, e.Path, e.Err) }
func (e *PathError) Unwrap() error { return e.Err }

// NodeID is a stable handle into the arena. The zero value addresses the
// root directory, which always exists.
type NodeID int32

// RootID addresses the root directory of every FS.
const RootID NodeID = 0

const invalidID NodeID = -1

// NodeKind discriminates directories from files.
type NodeKind uint8

const (
	KindDir NodeKind = iota
	KindFile
)

// NodeInfo is the metadata snapshot returned by Stat.
type NodeInfo struct {
	Name     string
	Kind     NodeKind
	Mode     string
	Owner    string
	Group    string
	Modified time.Time
	Size     int
}

// IsDir reports whether the node is a directory.
func (i NodeInfo) IsDir() bool { return i.Kind == KindDir }

type node struct {
	name     string
	kind     NodeKind
	parent   NodeID
	children map[string]NodeID
	mode  string
	owner string
	group string
	// sizeOverride lets a decoy advertise a size that does not match its
	// content (multi-gigabyte "backups" with a few bytes of bait inside).
	sizeOverride int

	// content is swapped atomically so readers never observe a half-applied
	// write; modified holds the UTC mtime as UnixNano for the same reason.
	// wmu serializes writers on this node.
	content  atomic.Pointer[[]byte]
	modified atomic.Int64
	wmu      sync.Mutex
}

// FS is the shared filesystem tree. Structure reads take the RLock and never
// block each other; structural mutation (adding a node) takes the write
// lock; content writes serialize per node via its write mutex.
type FS struct {
	mu    sync.RWMutex
	nodes []*node
}

// nodeSpec mirrors one entry of the serialized filesystem definition.
type nodeSpec struct {
	Type     string              `json:"type"`
	Mode     string              `json:"mode"`
	Owner    string              `json:"owner"`
	Group    string              `json:"group"`
	Modified string              `json:"modified"`
	Content  string              `json:"content"`
	Size     *int                `json:"size"`
	Children map[string]nodeSpec `json:"children"`
}

type fsSpec struct {
	Root *nodeSpec `json:"root"`
}

// Load reads a serialized filesystem definition from disk.
func Load(path string) (*FS, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read filesystem definition: %w", err)
	}
	return Parse(data)
}

// Parse builds an FS from a serialized tree. The definition must contain a
// root directory node; child names must be unique within their directory
// (guaranteed by the map encoding) and the result is always a tree.
func Parse(data []byte) (*FS, error) {
	var spec fsSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return nil, fmt.Errorf("parse filesystem definition: %w", err)
	}
	if spec.Root == nil {
		return nil, errors.New("filesystem definition must contain a root node")
	}

	fs := &FS{}
	if _, err := fs.addSpec("", *spec.Root, invalidID); err != nil {
		return nil, err
	}
	if fs.nodes[RootID].kind != KindDir {
		return nil, errors.New("filesystem root must be a directory")
	}
	return fs, nil
}

// Empty returns a filesystem holding only a root directory.
func Empty() *FS {
	fs := &FS{}
	fs.alloc("", KindDir, invalidID, "0755", "root", "root", time.Now().UTC())
	return fs
}

func (fs *FS) addSpec(name string, spec nodeSpec, parent NodeID) (NodeID, error) {
	kind := KindFile
	defaultMode := "0644"
	switch spec.Type {
	case "directory":
		kind = KindDir
		defaultMode = "0755"
	case "file", "":
	default:
		return invalidID, fmt.Errorf("unsupported node type %q for %q", spec.Type, name)
	}

	mode := spec.Mode
	if mode == "" {
		mode = defaultMode
	}
	owner := spec.Owner
	if owner == "" {
		owner = "root"
	}
	group := spec.Group
	if group == "" {
		group = "root"
	}

	id := fs.alloc(name, kind, parent, mode, owner, group, parseTimestamp(spec.Modified))
	n := fs.nodes[id]

	if kind == KindFile {
		content := []byte(spec.Content)
		n.content.Store(&content)
		if spec.Size != nil {
			n.sizeOverride = *spec.Size
		}
		return id, nil
	}

	// Insert children in sorted order so arena layout is deterministic.
	names := make([]string, 0, len(spec.Children))
	for childName := range spec.Children {
		names = append(names, childName)
	}
	sort.Strings(names)
	for _, childName := range names {
		if childName == "" || strings.Contains(childName, "/") {
			return invalidID, fmt.Errorf("invalid child name %q under %q", childName, name)
		}
		childID, err := fs.addSpec(childName, spec.Children[childName], id)
		if err != nil {
			return invalidID, err
		}
		n.children[childName] = childID
	}
	return id, nil
}

func (fs *FS) alloc(name string, kind NodeKind, parent NodeID, mode, owner, group string, modified time.Time) NodeID {
	n := &node{
		name:   name,
		kind:   kind,
		parent: parent,
		mode:   mode,
		owner:  owner,
		group:  group,
	}
	n.modified.Store(modified.UnixNano())
	if kind == KindDir {
		n.children = make(map[string]NodeID)
	} else {
		empty := []byte(nil)
		n.content.Store(&empty)
	}
	fs.nodes = append(fs.nodes, n)
	return NodeID(len(fs.nodes) - 1)
}

// Normalize collapses ".", ".." and redundant separators, resolving path
// against cwd when relative. It performs no existence check.
func Normalize(path, cwd string) string {
	if path == "" {
		path = "."
	}
	var parts []string
	if !strings.HasPrefix(path, "/") {
		for _, p := range strings.Split(strings.Trim(cwd, "/"), "/") {
			if p != "" {
				parts = append(parts, p)
			}
		}
	}
	for _, p := range strings.Split(path, "/") {
		switch p {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, p)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Resolve walks the tree to the node named by path (relative paths resolve
// against cwd). Returns ErrNotFound (wrapped in a PathError) for missing
// components.
func (fs *FS) Resolve(path, cwd string) (NodeID, error) {
	normalized := Normalize(path, cwd)

	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.resolveLocked(normalized)
}

func (fs *FS) resolveLocked(normalized string) (NodeID, error) {
	id := RootID
	if normalized == "/" {
		return id, nil
	}
	for _, part := range strings.Split(strings.Trim(normalized, "/"), "/") {
		n := fs.nodes[id]
		if n.kind != KindDir {
			return invalidID, &PathError{Op: "resolve", Path: normalized, Err: ErrNotDir}
		}
		child, ok := n.children[part]
		if !ok {
			return invalidID, &PathError{Op: "resolve", Path: normalized, Err: ErrNotFound}
		}
		id = child
	}
	return id, nil
}

// Stat returns the metadata snapshot for id.
func (fs *FS) Stat(id NodeID) NodeInfo {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.statLocked(id)
}

func (fs *FS) statLocked(id NodeID) NodeInfo {
	n := fs.nodes[id]
	return NodeInfo{
		Name:     n.name,
		Kind:     n.kind,
		Mode:     n.mode,
		Owner:    n.owner,
		Group:    n.group,
		Modified: time.Unix(0, n.modified.Load()).UTC(),
		Size:     fs.sizeLocked(id),
	}
}

func (fs *FS) sizeLocked(id NodeID) int {
	n := fs.nodes[id]
	if n.kind == KindDir {
		total := 0
		for _, child := range n.children {
			total += fs.sizeLocked(child)
		}
		return total
	}
	if n.sizeOverride > 0 {
		return n.sizeOverride
	}
	if c := n.content.Load(); c != nil {
		return len(*c)
	}
	return 0
}

// List returns the sorted child names of a directory.
func (fs *FS) List(id NodeID) ([]string, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n := fs.nodes[id]
	if n.kind != KindDir {
		return nil, &PathError{Op: "list", Path: fs.pathLocked(id), Err: ErrNotDir}
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Child resolves one named entry of a directory.
func (fs *FS) Child(id NodeID, name string) (NodeID, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	n := fs.nodes[id]
	if n.kind != KindDir {
		return invalidID, &PathError{Op: "child", Path: fs.pathLocked(id), Err: ErrNotDir}
	}
	child, ok := n.children[name]
	if !ok {
		return invalidID, &PathError{Op: "child", Path: name, Err: ErrNotFound}
	}
	return child, nil
}

// Read returns the content of a file node. The returned slice is the
// published snapshot; callers must not mutate it.
func (fs *FS) Read(id NodeID) ([]byte, error) {
	fs.mu.RLock()
	n := fs.nodes[id]
	fs.mu.RUnlock()

	if n.kind != KindFile {
		return nil, &PathError{Op: "read", Path: fs.Path(id), Err: ErrIsDir}
	}
	if c := n.content.Load(); c != nil {
		return *c, nil
	}
	return nil, nil
}

// ReadPath resolves then reads in one step.
func (fs *FS) ReadPath(path, cwd string) ([]byte, error) {
	id, err := fs.Resolve(path, cwd)
	if err != nil {
		return nil, err
	}
	return fs.Read(id)
}

// Path reconstructs the absolute path of a node.
func (fs *FS) Path(id NodeID) string {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	return fs.pathLocked(id)
}

func (fs *FS) pathLocked(id NodeID) string {
	if id == RootID {
		return "/"
	}
	var parts []string
	for id != RootID && id != invalidID {
		n := fs.nodes[id]
		parts = append(parts, n.name)
		id = n.parent
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

// WriteRecord describes one emulated mutation for event emission.
type WriteRecord struct {
	Path     string
	Created  bool
	Size     int
	Occurred time.Time
}

// EmulateWrite replaces the content of the file at path, creating it in its
// parent directory when absent. The mutation is visible only in the
// in-memory tree; the record is returned so the caller can append the
// corresponding event. Writers to the same node serialize on its write
// lock; a caller holds at most this single lock for the duration.
func (fs *FS) EmulateWrite(path, cwd string, content []byte) (WriteRecord, error) {
	normalized := Normalize(path, cwd)
	if normalized == "/" {
		return WriteRecord{}, &PathError{Op: "write", Path: normalized, Err: ErrIsDir}
	}

	id, err := fs.Resolve(normalized, "/")
	created := false
	if err != nil {
		if !errors.Is(err, ErrNotFound) {
			return WriteRecord{}, err
		}
		id, err = fs.createFile(normalized)
		if err != nil {
			return WriteRecord{}, err
		}
		created = true
	}

	fs.mu.RLock()
	n := fs.nodes[id]
	fs.mu.RUnlock()
	if n.kind != KindFile {
		return WriteRecord{}, &PathError{Op: "write", Path: normalized, Err: ErrIsDir}
	}

	now := time.Now().UTC()
	buf := make([]byte, len(content))
	copy(buf, content)

	n.wmu.Lock()
	n.content.Store(&buf)
	n.modified.Store(now.UnixNano())
	n.wmu.Unlock()

	return WriteRecord{Path: normalized, Created: created, Size: len(buf), Occurred: now}, nil
}

// createFile adds an empty file node under the (existing) parent directory
// of the normalized path. The arena write lock covers both the allocation
// and the parent linkage, so concurrent creators of the same path collapse
// to one winner.
func (fs *FS) createFile(normalized string) (NodeID, error) {
	idx := strings.LastIndex(normalized, "/")
	parentPath, name := normalized[:idx], normalized[idx+1:]
	if parentPath == "" {
		parentPath = "/"
	}
	if name == "" {
		return invalidID, &PathError{Op: "write", Path: normalized, Err: ErrNotFound}
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()

	parent, err := fs.resolveLocked(parentPath)
	if err != nil {
		return invalidID, err
	}
	p := fs.nodes[parent]
	if p.kind != KindDir {
		return invalidID, &PathError{Op: "write", Path: parentPath, Err: ErrNotDir}
	}
	if existing, ok := p.children[name]; ok {
		return existing, nil
	}

	id := fs.alloc(name, KindFile, parent, "0644", "root", "root", time.Now().UTC())
	p.children[name] = id
	return id, nil
}

// Walk visits every node depth-first in sorted child order, invoking fn with
// the node's absolute path and metadata.
func (fs *FS) Walk(fn func(path string, info NodeInfo)) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()
	fs.walkLocked(RootID, fn)
}

func (fs *FS) walkLocked(id NodeID, fn func(path string, info NodeInfo)) {
	fn(fs.pathLocked(id), fs.statLocked(id))
	n := fs.nodes[id]
	if n.kind != KindDir {
		return
	}
	names := make([]string, 0, len(n.children))
	for name := range n.children {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fs.walkLocked(n.children[name], fn)
	}
}

// Files returns the absolute path of every file node. Used by honeyfile
// inference and short-term memory construction.
func (fs *FS) Files() []string {
	var files []string
	fs.Walk(func(path string, info NodeInfo) {
		if !info.IsDir() {
			files = append(files, path)
		}
	})
	return files
}

func parseTimestamp(value string) time.Time {
	if value == "" {
		return time.Now().UTC()
	}
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts
		}
	}
	return time.Now().UTC()
}
