package vfs

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// unixModeString converts an octal mode string like "0755" into the
// rwx triplet rendering, prefixed with the node's type character.
func unixModeString(mode string, kind NodeKind) string {
	typeChar := "-"
	if kind == KindDir {
		typeChar = "d"
	}
	bits, err := strconv.ParseUint(strings.TrimPrefix(mode, "0"), 8, 16)
	if err != nil {
		bits = 0o644
		if kind == KindDir {
			bits = 0o755
		}
	}
	flags := []byte("rwxrwxrwx")
	var b strings.Builder
	b.WriteString(typeChar)
	for i := 0; i < 9; i++ {
		if bits&(1<<uint(8-i)) != 0 {
			b.WriteByte(flags[i])
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

// lsTime renders a modification timestamp the way ls does: month, day and
// time for entries within roughly six months, month, day and year beyond.
func lsTime(modified, now time.Time) string {
	if now.Sub(modified) < 180*24*time.Hour && modified.Before(now.Add(time.Hour)) {
		return modified.Format("Jan _2 15:04")
	}
	return modified.Format("Jan _2  2006")
}

// FormatLS renders the output of ls for a directory or single file node.
// detailed selects the long (-l) format; hidden includes dotfiles and the
// "." and ".." entries.
func (fs *FS) FormatLS(id NodeID, detailed, hidden bool) (string, error) {
	info := fs.Stat(id)
	if !info.IsDir() {
		if detailed {
			return fs.longEntry(id, info.Name), nil
		}
		return info.Name, nil
	}

	names, err := fs.List(id)
	if err != nil {
		return "", err
	}
	var visible []string
	if hidden {
		visible = append(visible, ".", "..")
	}
	for _, name := range names {
		if !hidden && strings.HasPrefix(name, ".") {
			continue
		}
		visible = append(visible, name)
	}

	if !detailed {
		return strings.Join(visible, "  "), nil
	}

	lines := make([]string, 0, len(visible)+1)
	lines = append(lines, fmt.Sprintf("total %d", len(visible)))
	for _, name := range visible {
		if name == "." || name == ".." {
			lines = append(lines, fs.longEntry(id, name))
			continue
		}
		child, cerr := fs.Child(id, name)
		if cerr != nil {
			continue
		}
		lines = append(lines, fs.longEntry(child, name))
	}
	return strings.Join(lines, "\n"), nil
}

func (fs *FS) longEntry(id NodeID, displayName string) string {
	info := fs.Stat(id)
	links := 1
	if info.IsDir() {
		links = 2
	}
	return fmt.Sprintf("%s %2d %-8s %-8s %8d %s %s",
		unixModeString(info.Mode, info.Kind), links, info.Owner, info.Group,
		info.Size, lsTime(info.Modified, time.Now().UTC()), displayName)
}

// FormatFTPList renders the LIST response for a directory, one long-format
// entry per line with CRLF terminators as the protocol expects.
func (fs *FS) FormatFTPList(id NodeID) (string, error) {
	info := fs.Stat(id)
	if !info.IsDir() {
		return fs.longEntry(id, info.Name) + "\r\n", nil
	}
	names, err := fs.List(id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, name := range names {
		child, cerr := fs.Child(id, name)
		if cerr != nil {
			continue
		}
		b.WriteString(fs.longEntry(child, name))
		b.WriteString("\r\n")
	}
	return b.String(), nil
}

// FormatNLST renders the NLST response, bare names with CRLF terminators.
func (fs *FS) FormatNLST(id NodeID) (string, error) {
	names, err := fs.List(id)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteString("\r\n")
	}
	return b.String(), nil
}
