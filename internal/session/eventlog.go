package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/111bobmoin/myLLMhoneynet/internal/observability"
)

// Log is the append-only NDJSON event log of one host. All sessions of the
// host share one Log; the mutex makes each appended line atomic so
// concurrent sessions never interleave records.
type Log struct {
	host string
	path string

	mu   sync.Mutex
	file *os.File
	log  *zap.Logger
}

// LogPath returns the canonical event log location for a host.
func LogPath(spoolDir, host string) string {
	return filepath.Join(spoolDir, host, "events.log")
}

// OpenLog creates the host's spool directory and opens its event log for
// appending. Failure here is fatal to startup: a honeypot that cannot
// persist evidence must not serve attackers.
func OpenLog(spoolDir, host string) (*Log, error) {
	path := LogPath(spoolDir, host)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create spool directory for %s: %w", host, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open event log for %s: %w", host, err)
	}
	return &Log{
		host: host,
		path: path,
		file: file,
		log:  observability.GetLogger().Named("eventlog").With(zap.String("host", host)),
	}, nil
}

// Append serializes one event and writes it as a single NDJSON line.
// Transient write failures retry with capped exponential backoff; a write
// that still fails after the retries is reported to the caller but must
// never take the serving process down.
func (l *Log) Append(ctx context.Context, ev schemas.Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()

	policy := backoff.WithContext(backoff.WithMaxRetries(newAppendBackoff(), 4), ctx)
	op := func() error {
		_, werr := l.file.Write(line)
		return werr
	}
	if err := backoff.Retry(op, policy); err != nil {
		l.log.Error("event append failed after retries",
			zap.String("kind", string(ev.Kind)), zap.Error(err))
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// Path returns the log file location.
func (l *Log) Path() string { return l.path }

// Sync flushes buffered writes to disk.
func (l *Log) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Sync()
}

// Close syncs and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.file.Sync(); err != nil {
		l.log.Warn("event log sync on close", zap.Error(err))
	}
	return l.file.Close()
}

func newAppendBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	b.MaxElapsedTime = 10 * time.Second
	return b
}

var _ schemas.EventSink = (*Log)(nil)
