package store

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
	"github.com/jackc/pgx/v5"
)

// flexibleSQLMatcher builds a whitespace-insensitive regex for SQL mocks.
func flexibleSQLMatcher(sql string) string {
	trimmed := strings.TrimSpace(sql)
	return regexp.MustCompile(`\s+`).ReplaceAllString(regexp.QuoteMeta(trimmed), `\s+`)
}

func archiveEvent(host string, kind schemas.EventKind, ts time.Time) schemas.Event {
	return schemas.Event{
		Host:      host,
		Service:   schemas.ServiceSSH,
		SessionID: "s-1",
		Timestamp: ts,
		Kind:      kind,
		Payload:   map[string]any{"command": "whoami"},
	}
}

func newMockArchive(t *testing.T) (*Archive, pgxmock.PgxPoolIface) {
	t.Helper()
	mockPool, err := pgxmock.NewPool()
	require.NoError(t, err)

	mockPool.ExpectPing()
	mockPool.ExpectExec(flexibleSQLMatcher(createEventsTable)).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	archive, err := New(context.Background(), mockPool, zap.NewNop())
	require.NoError(t, err)
	return archive, mockPool
}

func TestNewArchive(t *testing.T) {
	t.Run("propagates ping failure", func(t *testing.T) {
		mockPool, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mockPool.Close()

		pingErr := errors.New("database unavailable")
		mockPool.ExpectPing().WillReturnError(pingErr)

		_, err = New(context.Background(), mockPool, zap.NewNop())
		require.Error(t, err)
		assert.ErrorIs(t, err, pingErr)
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("ensures the events table", func(t *testing.T) {
		_, mockPool := newMockArchive(t)
		defer mockPool.Close()
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})
}

func TestArchiveBatch(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	t.Run("copies every event", func(t *testing.T) {
		archive, mockPool := newMockArchive(t)
		defer mockPool.Close()

		mockPool.ExpectCopyFrom(pgx.Identifier{"events"}, eventColumns).
			WillReturnResult(2)

		events := []schemas.Event{
			archiveEvent("10.0.0.1", schemas.EventConnect, ts),
			archiveEvent("10.0.0.1", schemas.EventCommand, ts.Add(time.Second)),
		}
		require.NoError(t, archive.ArchiveBatch(ctx, events))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		archive, mockPool := newMockArchive(t)
		defer mockPool.Close()
		require.NoError(t, archive.ArchiveBatch(ctx, nil))
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("copy count mismatch surfaces as error", func(t *testing.T) {
		archive, mockPool := newMockArchive(t)
		defer mockPool.Close()

		mockPool.ExpectCopyFrom(pgx.Identifier{"events"}, eventColumns).
			WillReturnResult(1)

		events := []schemas.Event{
			archiveEvent("10.0.0.1", schemas.EventConnect, ts),
			archiveEvent("10.0.0.1", schemas.EventCommand, ts.Add(time.Second)),
		}
		err := archive.ArchiveBatch(ctx, events)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "mismatch")
	})

	t.Run("copy failure surfaces as error", func(t *testing.T) {
		archive, mockPool := newMockArchive(t)
		defer mockPool.Close()

		mockPool.ExpectCopyFrom(pgx.Identifier{"events"}, eventColumns).
			WillReturnError(errors.New("connection reset"))

		err := archive.ArchiveBatch(ctx, []schemas.Event{archiveEvent("10.0.0.1", schemas.EventConnect, ts)})
		require.Error(t, err)
	})
}

func TestEventsForHost(t *testing.T) {
	archive, mockPool := newMockArchive(t)
	defer mockPool.Close()

	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	columns := []string{"host", "service", "session_id", "observed_at", "kind", "payload"}
	rows := pgxmock.NewRows(columns).
		AddRow("10.0.0.1", "ssh", "s-1", ts, "connect", []byte(`{}`)).
		AddRow("10.0.0.1", "ssh", "s-1", ts.Add(time.Second), "command", []byte(`{"command":"ls"}`))

	mockPool.ExpectQuery(`SELECT host, service, session_id, observed_at, kind, payload`).
		WithArgs("10.0.0.1").
		WillReturnRows(rows)

	events, err := archive.EventsForHost(context.Background(), "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schemas.EventCommand, events[1].Kind)
	assert.Equal(t, "ls", events[1].PayloadString("command"))
	assert.NoError(t, mockPool.ExpectationsWereMet())
}

type recordingSink struct {
	mu     sync.Mutex
	events []schemas.Event
	err    error
}

func (r *recordingSink) Append(_ context.Context, ev schemas.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSink) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func TestArchivingSink(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)

	t.Run("tees events into the archive on close", func(t *testing.T) {
		archive, mockPool := newMockArchive(t)
		defer mockPool.Close()

		mockPool.ExpectCopyFrom(pgx.Identifier{"events"}, eventColumns).
			WillReturnResult(2)

		local := &recordingSink{}
		sink := NewArchivingSink(local, archive, zap.NewNop())

		require.NoError(t, sink.Append(ctx, archiveEvent("10.0.0.1", schemas.EventConnect, ts)))
		require.NoError(t, sink.Append(ctx, archiveEvent("10.0.0.1", schemas.EventDisconnect, ts.Add(time.Second))))
		require.NoError(t, sink.Close())

		assert.Equal(t, 2, local.count())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("local failure surfaces and skips archiving", func(t *testing.T) {
		archive, mockPool := newMockArchive(t)
		defer mockPool.Close()

		local := &recordingSink{err: errors.New("disk full")}
		sink := NewArchivingSink(local, archive, zap.NewNop())

		require.Error(t, sink.Append(ctx, archiveEvent("10.0.0.1", schemas.EventConnect, ts)))
		require.NoError(t, sink.Close())
		assert.NoError(t, mockPool.ExpectationsWereMet())
	})

	t.Run("archive failure degrades to local-only", func(t *testing.T) {
		archive, mockPool := newMockArchive(t)
		defer mockPool.Close()

		mockPool.ExpectCopyFrom(pgx.Identifier{"events"}, eventColumns).
			WillReturnError(errors.New("connection refused"))

		local := &recordingSink{}
		sink := NewArchivingSink(local, archive, zap.NewNop())

		require.NoError(t, sink.Append(ctx, archiveEvent("10.0.0.1", schemas.EventConnect, ts)))
		require.NoError(t, sink.Close())

		assert.Equal(t, 1, local.count(), "spool keeps the event regardless")
	})
}
