// Package store implements the embedded time-series event store of spec
// §4.7: an sqlite-backed table keyed (timestamp_ms, session_id), batched
// writes, range queries, retention, and vacuum. Grounded in
// modules/database/module.go's pooled database/sql service shape, using
// modernc.org/sqlite (the teacher's own cgo-free driver dependency).
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flowloop/companion/internal/applog"
	"github.com/flowloop/companion/internal/bus"
)

// Config is the store's configuration surface (spec §6).
type Config struct {
	Path               string
	PoolSize           int
	WriteBufferSize    int
	WriteBufferWindow  time.Duration
	CompactionInterval time.Duration
	WALEnabled         bool
	SynchronousMode    string // OFF | NORMAL | FULL
}

// DefaultConfig mirrors the teacher database module's sane defaults.
func DefaultConfig() Config {
	return Config{
		Path:               "companion.db",
		PoolSize:           4,
		WriteBufferSize:    256,
		WriteBufferWindow:  2 * time.Second,
		CompactionInterval: 24 * time.Hour,
		WALEnabled:         true,
		SynchronousMode:    "NORMAL",
	}
}

// ErrBatchFailed is returned when a batch write cannot commit atomically;
// the table is left unchanged (spec §4.7 durability contract).
var ErrBatchFailed = errors.New("store: batch write failed, no rows committed")

// Record is one row of the events table, encoding a RawEvent generically
// enough to hold any future payload kind without schema churn.
type Record struct {
	TimestampMS int64
	SessionID   string
	EventKind   string
	Payload     []byte // caller-supplied serialization (e.g. JSON)
}

// Store wraps a pooled *sql.DB over the embedded events table.
type Store struct {
	db  *sql.DB
	log applog.Logger
}

// Open creates/opens the sqlite database file, applies pragmas from cfg, and
// ensures the schema exists.
func Open(cfg Config, log applog.Logger) (*Store, error) {
	dsn := cfg.Path
	if cfg.WALEnabled {
		dsn += "?_pragma=journal_mode(WAL)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(cfg.PoolSize)

	s := &Store{db: db, log: log}
	if err := s.migrate(cfg); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate(cfg Config) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS events (
			timestamp_ms INTEGER NOT NULL,
			session_id   TEXT    NOT NULL,
			event_kind   TEXT    NOT NULL,
			payload      BLOB,
			PRIMARY KEY (timestamp_ms, session_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_session_ts ON events(session_id, timestamp_ms)`,
		`CREATE TABLE IF NOT EXISTS screenshot_metadata (
			id               TEXT PRIMARY KEY,
			timestamp_ms     INTEGER NOT NULL,
			window_title     TEXT,
			app_name         TEXT,
			text_density     REAL,
			ui_element_count INTEGER,
			dominant_colors  TEXT,
			privacy_masked   INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_screenshot_ts ON screenshot_metadata(timestamp_ms)`,
	}
	for _, period := range []string{"minute", "hour", "day"} {
		stmts = append(stmts, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS event_aggregates_%s (
			bucket_ts_ms INTEGER NOT NULL,
			session_id   TEXT    NOT NULL,
			event_kind   TEXT    NOT NULL,
			count        INTEGER NOT NULL,
			PRIMARY KEY (bucket_ts_ms, session_id, event_kind)
		)`, period))
	}
	if cfg.SynchronousMode != "" {
		stmts = append([]string{fmt.Sprintf("PRAGMA synchronous = %s", cfg.SynchronousMode)}, stmts...)
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}

// aggregatePeriod names one of the event_aggregates_{minute,hour,day} tables
// and the bucket width it rolls events up to.
type aggregatePeriod struct {
	table    string
	bucketMS int64
}

var aggregatePeriods = []aggregatePeriod{
	{table: "event_aggregates_minute", bucketMS: int64(time.Minute / time.Millisecond)},
	{table: "event_aggregates_hour", bucketMS: int64(time.Hour / time.Millisecond)},
	{table: "event_aggregates_day", bucketMS: int64(24 * time.Hour / time.Millisecond)},
}

func bucketStart(tsMS, bucketMS int64) int64 {
	return tsMS - tsMS%bucketMS
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

// Ping verifies connectivity, for the registry's health check.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Ingest writes a single event row.
func (s *Store) Ingest(ctx context.Context, r Record) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO events (timestamp_ms, session_id, event_kind, payload) VALUES (?, ?, ?, ?)`,
		r.TimestampMS, r.SessionID, r.EventKind, r.Payload)
	if err != nil {
		return fmt.Errorf("store: ingest: %w", err)
	}
	return nil
}

// IngestBatch writes every record in a single transaction: all rows commit
// or none do (spec §4.7 "either all rows commit or the store reports
// failure").
func (s *Store) IngestBatch(ctx context.Context, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO events (timestamp_ms, session_id, event_kind, payload) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.TimestampMS, r.SessionID, r.EventKind, r.Payload); err != nil {
			return fmt.Errorf("%w: %v", ErrBatchFailed, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %v", ErrBatchFailed, err)
	}
	return nil
}

// IngestEventBatch rolls up a finalized window's events into the
// minute/hour/day aggregate tables (spec §6: "Aggregate tables
// event_aggregates_{minute,hour,day} with matching columns for precomputed
// counts"): one upsert per raw event per table, each adding 1 to its
// (bucket, session, event kind) row, all in one transaction for the batch.
func (s *Store) IngestEventBatch(ctx context.Context, sessionID string, events []bus.RawEvent) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: ingest event batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	for _, period := range aggregatePeriods {
		stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
			`INSERT INTO %s (bucket_ts_ms, session_id, event_kind, count) VALUES (?, ?, ?, 1)
			 ON CONFLICT(bucket_ts_ms, session_id, event_kind) DO UPDATE SET count = count + 1`, period.table))
		if err != nil {
			return fmt.Errorf("store: ingest event batch: %w", err)
		}
		for _, e := range events {
			bucket := bucketStart(e.Timestamp.UnixMilli(), period.bucketMS)
			if _, err := stmt.ExecContext(ctx, bucket, sessionID, string(e.RawKind())); err != nil {
				stmt.Close()
				return fmt.Errorf("store: ingest event batch: %w", err)
			}
		}
		stmt.Close()
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: ingest event batch: %w", err)
	}
	return nil
}

// Range returns events for session within [tStart, tEnd], sorted by
// timestamp.
func (s *Store) Range(ctx context.Context, sessionID string, tStart, tEnd time.Time) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT timestamp_ms, session_id, event_kind, payload FROM events
		 WHERE session_id = ? AND timestamp_ms >= ? AND timestamp_ms <= ?
		 ORDER BY timestamp_ms ASC`,
		sessionID, tStart.UnixMilli(), tEnd.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("store: range: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.TimestampMS, &r.SessionID, &r.EventKind, &r.Payload); err != nil {
			return nil, fmt.Errorf("store: range scan: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Retain deletes rows older than days and returns the count removed (spec
// §4.7, §8 S7).
func (s *Store) Retain(ctx context.Context, days int) (int64, error) {
	cutoff := time.Now().Add(-time.Duration(days) * 24 * time.Hour).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM events WHERE timestamp_ms < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("store: retain: %w", err)
	}
	return res.RowsAffected()
}

// RetainAggregates deletes rollup rows older than their configured windows
// (spec §6 retention keys hourly_aggregates_days / daily_summaries_days),
// returning the total rows removed across all three aggregate tables. Minute
// and hour rollups share the hourly_aggregates_days window since both are
// sub-day granularities; day rollups use daily_summaries_days.
func (s *Store) RetainAggregates(ctx context.Context, hourlyAggregatesDays, dailySummariesDays int) (int64, error) {
	var total int64

	hourlyCutoff := time.Now().Add(-time.Duration(hourlyAggregatesDays) * 24 * time.Hour).UnixMilli()
	for _, table := range []string{"event_aggregates_minute", "event_aggregates_hour"} {
		res, err := s.db.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %s WHERE bucket_ts_ms < ?`, table), hourlyCutoff)
		if err != nil {
			return total, fmt.Errorf("store: retain aggregates: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("store: retain aggregates: %w", err)
		}
		total += n
	}

	dailyCutoff := time.Now().Add(-time.Duration(dailySummariesDays) * 24 * time.Hour).UnixMilli()
	res, err := s.db.ExecContext(ctx, `DELETE FROM event_aggregates_day WHERE bucket_ts_ms < ?`, dailyCutoff)
	if err != nil {
		return total, fmt.Errorf("store: retain aggregates: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return total, fmt.Errorf("store: retain aggregates: %w", err)
	}
	return total + n, nil
}

// Vacuum compacts the database file; safe to call on a schedule.
func (s *Store) Vacuum(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("store: vacuum: %w", err)
	}
	return nil
}

// ToRecord builds a storable Record from a raw event's session, kind,
// timestamp and payload. payload is already serialized by the caller (kept
// out of this package so store has no opinion on serialization format).
func ToRecord(sessionID string, kind bus.RawEventKind, ts time.Time, payload []byte) Record {
	return Record{
		TimestampMS: ts.UnixMilli(),
		SessionID:   sessionID,
		EventKind:   string(kind),
		Payload:     payload,
	}
}
