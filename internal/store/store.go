// Package store implements the optional central event archive. The local
// NDJSON spool is always the source of truth; the archive is a best-effort
// PostgreSQL copy for fleet-wide queries.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/111bobmoin/myLLMhoneynet/api/schemas"
)

// DBPool abstracts pgxpool.Pool so tests can substitute a mock.
type DBPool interface {
	Ping(ctx context.Context) error
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Archive is the PostgreSQL event archive.
type Archive struct {
	pool DBPool
	log  *zap.Logger
}

var eventColumns = []string{"host", "service", "session_id", "observed_at", "kind", "payload"}

const createEventsTable = `
        CREATE TABLE IF NOT EXISTS events (
            id BIGSERIAL PRIMARY KEY,
            host TEXT NOT NULL,
            service TEXT NOT NULL,
            session_id TEXT NOT NULL,
            observed_at TIMESTAMPTZ NOT NULL,
            kind TEXT NOT NULL,
            payload JSONB NOT NULL DEFAULT '{}'
        );
    `

// New verifies the connection and ensures the archive schema exists.
func New(ctx context.Context, pool DBPool, logger *zap.Logger) (*Archive, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, createEventsTable); err != nil {
		return nil, fmt.Errorf("failed to ensure events table: %w", err)
	}
	return &Archive{
		pool: pool,
		log:  logger.Named("store"),
	}, nil
}

// ArchiveBatch copies one batch of events into the archive. The batch is
// all-or-nothing; callers retry or drop on error, the local spool already
// holds every event.
func (a *Archive) ArchiveBatch(ctx context.Context, events []schemas.Event) error {
	if len(events) == 0 {
		return nil
	}

	rows := make([][]interface{}, len(events))
	for i, ev := range events {
		payload := ev.Payload
		if payload == nil {
			payload = map[string]any{}
		}
		encoded, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to encode payload for %s: %w", ev.SessionID, err)
		}
		rows[i] = []interface{}{
			ev.Host, string(ev.Service), ev.SessionID,
			ev.Timestamp.UTC(), string(ev.Kind), encoded,
		}
	}

	copyCount, err := a.pool.CopyFrom(ctx, pgx.Identifier{"events"}, eventColumns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to copy events: %w", err)
	}
	if int(copyCount) != len(events) {
		return fmt.Errorf("mismatch in copied events count: expected %d, got %d", len(events), copyCount)
	}
	return nil
}

// EventsForHost reads back a host's archived events, oldest first.
func (a *Archive) EventsForHost(ctx context.Context, host string) ([]schemas.Event, error) {
	query := `
        SELECT host, service, session_id, observed_at, kind, payload
        FROM events
        WHERE host = $1
        ORDER BY observed_at ASC;
    `
	rows, err := a.pool.Query(ctx, query, host)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}
	defer rows.Close()

	var events []schemas.Event
	for rows.Next() {
		var (
			ev         schemas.Event
			serviceStr string
			kindStr    string
			payload    []byte
		)
		if err := rows.Scan(&ev.Host, &serviceStr, &ev.SessionID, &ev.Timestamp, &kindStr, &payload); err != nil {
			return nil, fmt.Errorf("failed to scan event row: %w", err)
		}
		ev.Service = schemas.ServiceKind(serviceStr)
		ev.Kind = schemas.EventKind(kindStr)
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("failed to decode payload: %w", err)
			}
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return events, nil
}
