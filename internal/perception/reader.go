package perception

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	json "github.com/json-iterator/go"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
)

// DiscoverHosts lists every host with an event log under the spool
// directory. Both the current layout (<spool>/<host>/events.log) and the
// legacy one (<spool>/logs_<host>/*.log) are recognized.
func DiscoverHosts(spoolDir string) ([]string, error) {
	entries, err := os.ReadDir(spoolDir)
	if err != nil {
		return nil, fmt.Errorf("read spool directory: %w", err)
	}
	seen := map[string]struct{}{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name := entry.Name()
		if host, ok := strings.CutPrefix(name, "logs_"); ok && host != "" {
			seen[host] = struct{}{}
			continue
		}
		if _, err := os.Stat(filepath.Join(spoolDir, name, "events.log")); err == nil {
			seen[name] = struct{}{}
		}
	}
	hosts := make([]string, 0, len(seen))
	for host := range seen {
		hosts = append(hosts, host)
	}
	sort.Strings(hosts)
	return hosts, nil
}

// ReadHostEvents loads the full event history of one host in file order.
// Unparseable lines are counted and skipped; a poisoned line must never
// hide the rest of the history.
func ReadHostEvents(spoolDir, host string) ([]schemas.Event, error) {
	var paths []string
	current := filepath.Join(spoolDir, host, "events.log")
	if _, err := os.Stat(current); err == nil {
		paths = append(paths, current)
	}
	legacy, _ := filepath.Glob(filepath.Join(spoolDir, "logs_"+host, "*.log"))
	sort.Strings(legacy)
	paths = append(paths, legacy...)

	if len(paths) == 0 {
		return nil, fmt.Errorf("no event log found for host %s", host)
	}

	var events []schemas.Event
	for _, path := range paths {
		fileEvents, err := readEventFile(path)
		if err != nil {
			return nil, err
		}
		events = append(events, fileEvents...)
	}
	return events, nil
}

func readEventFile(path string) ([]schemas.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open event log %s: %w", path, err)
	}
	defer f.Close()

	var events []schemas.Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var ev schemas.Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan event log %s: %w", path, err)
	}
	return events, nil
}
