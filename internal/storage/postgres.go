package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/arqonbus/bus/internal/envelope"
	_ "github.com/lib/pq"
)

func init() {
	Register("postgres", newPostgresBackend)
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS arqonbus_history (
	id TEXT PRIMARY KEY,
	room TEXT NOT NULL,
	channel TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	sequence BIGINT NOT NULL DEFAULT 0,
	body BYTEA NOT NULL
);
CREATE INDEX IF NOT EXISTS arqonbus_history_room_channel_ts ON arqonbus_history (room, channel, ts);
`

// SQLDB is the subset of *sql.DB the backend needs, letting tests inject a
// fake without dialing a real database.
type SQLDB interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	PingContext(ctx context.Context) error
	Close() error
}

func newPostgresBackend(ctx context.Context, cfg Config) (Backend, error) {
	if cfg.PostgresURL == "" {
		return nil, fmt.Errorf("storage: postgres backend requires PostgresURL")
	}
	opener := cfg.SQLOpener
	if opener == nil {
		opener = func(driverName, dsn string) (SQLDB, error) { return sql.Open(driverName, dsn) }
	}
	db, err := opener("postgres", cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("storage: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("storage: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("storage: create schema: %w", err)
	}
	return &PostgresBackend{db: db}, nil
}

// PostgresBackend stores the envelope's canonical binary form alongside
// denormalized (room, channel, ts, sequence) columns for efficient replay.
type PostgresBackend struct {
	db SQLDB
}

func (b *PostgresBackend) Append(ctx context.Context, env *envelope.Envelope) (Result, error) {
	blob, err := env.MarshalBinary()
	if err != nil {
		return Result{}, fmt.Errorf("storage: encode envelope: %w", err)
	}
	var seq int64
	if env.Metadata.Sequence != nil {
		seq = *env.Metadata.Sequence
	}
	const q = `INSERT INTO arqonbus_history (id, room, channel, ts, sequence, body)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`
	if _, err := b.db.ExecContext(ctx, q, env.ID, env.Room, env.Channel, env.Timestamp, seq, blob); err != nil {
		return Result{}, fmt.Errorf("storage: insert: %w", err)
	}
	return Result{Success: true, MessageID: env.ID, Timestamp: env.Timestamp}, nil
}

func (b *PostgresBackend) query(ctx context.Context, room, channel string, fromTS, toTS *time.Time, limit int) ([]HistoryEntry, error) {
	q := `SELECT room, channel, ts, sequence, body FROM arqonbus_history WHERE room = $1 AND channel = $2`
	args := []any{room, channel}
	n := 2
	if fromTS != nil {
		n++
		q += fmt.Sprintf(" AND ts >= $%d", n)
		args = append(args, *fromTS)
	}
	if toTS != nil {
		n++
		q += fmt.Sprintf(" AND ts <= $%d", n)
		args = append(args, *toTS)
	}
	q += " ORDER BY ts ASC"
	if limit > 0 {
		n++
		q += fmt.Sprintf(" LIMIT $%d", n)
		args = append(args, limit)
	}

	rows, err := b.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: query: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var entry HistoryEntry
		var body []byte
		if err := rows.Scan(&entry.Room, &entry.Channel, &entry.Timestamp, &entry.Sequence, &body); err != nil {
			return nil, fmt.Errorf("storage: scan: %w", err)
		}
		var env envelope.Envelope
		if err := env.UnmarshalBinary(body); err != nil {
			return nil, fmt.Errorf("storage: decode envelope: %w", err)
		}
		entry.Envelope = &env
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, rows.Err()
}

func (b *PostgresBackend) GetHistory(ctx context.Context, room, channel string, limit int, since, until *time.Time) ([]HistoryEntry, error) {
	return b.query(ctx, room, channel, since, until, limit)
}

func (b *PostgresBackend) GetHistoryReplay(ctx context.Context, room, channel string, fromTS, toTS time.Time, limit int, strictSequence bool) ([]HistoryEntry, error) {
	out, err := b.query(ctx, room, channel, &fromTS, &toTS, limit)
	if err != nil {
		return nil, err
	}
	if strictSequence {
		for i := 1; i < len(out); i++ {
			if out[i].Sequence < out[i-1].Sequence {
				return nil, ErrSequenceRegression
			}
		}
	}
	return out, nil
}

func (b *PostgresBackend) DeleteMessage(ctx context.Context, id string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM arqonbus_history WHERE id = $1`, id)
	return err
}

func (b *PostgresBackend) ClearHistory(ctx context.Context, room, channel string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM arqonbus_history WHERE room = $1 AND channel = $2`, room, channel)
	return err
}

func (b *PostgresBackend) GetStats(ctx context.Context) (Stats, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT count(*), min(ts), max(ts) FROM arqonbus_history`)
	if err != nil {
		return Stats{}, fmt.Errorf("storage: stats: %w", err)
	}
	defer rows.Close()
	stats := Stats{Backend: "postgres"}
	if rows.Next() {
		var oldest, newest sql.NullTime
		if err := rows.Scan(&stats.EntryCount, &oldest, &newest); err != nil {
			return Stats{}, fmt.Errorf("storage: scan stats: %w", err)
		}
		stats.OldestEntry = oldest.Time
		stats.NewestEntry = newest.Time
	}
	return stats, rows.Err()
}

func (b *PostgresBackend) HealthCheck(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

func (b *PostgresBackend) Close() error {
	return b.db.Close()
}
