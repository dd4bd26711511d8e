package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"livewatch/internal/models"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS uptime_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    timestamp INTEGER NOT NULL,
    status INTEGER NOT NULL,
    response_time_ns INTEGER,
    error_message TEXT
);

CREATE INDEX IF NOT EXISTS idx_uptime_records_timestamp ON uptime_records(timestamp);

CREATE TABLE IF NOT EXISTS config (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// SQLiteStore keeps one row per verdict in an SQLite database.
type SQLiteStore struct {
	db              *sql.DB
	now             func() time.Time
	defaultInterval int
	closed          atomic.Bool
}

// OpenSQLite opens (or creates) the database at opts.Path.
func OpenSQLite(opts Options) (*SQLiteStore, error) {
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(FULL)")
	dsn := "file:" + opts.Path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("database open failed: %w", err)
	}
	// A single writer avoids SQLITE_BUSY between the loop and admin requests.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("schema creation failed: %w", err)
	}
	if _, err := db.Exec(
		`INSERT OR IGNORE INTO config (key, value) VALUES (?, ?)`,
		keyCheckInterval, strconv.Itoa(opts.DefaultInterval),
	); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("seed check interval: %w", err)
	}

	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &SQLiteStore{db: db, now: now, defaultInterval: opts.DefaultInterval}, nil
}

// Append inserts one verdict row.
func (s *SQLiteStore) Append(ctx context.Context, v models.Verdict) error {
	if s.closed.Load() {
		return ErrClosed
	}
	var latency sql.NullInt64
	if v.ResponseTime != nil {
		latency = sql.NullInt64{Int64: int64(*v.ResponseTime), Valid: true}
	}
	var message sql.NullString
	if v.ErrorMessage != nil {
		message = sql.NullString{String: *v.ErrorMessage, Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO uptime_records (timestamp, status, response_time_ns, error_message) VALUES (?, ?, ?, ?)`,
		v.Timestamp.UnixNano(), boolToInt(v.Status), latency, message,
	)
	if err != nil {
		return fmt.Errorf("insert verdict: %w", err)
	}
	return nil
}

// Load returns verdicts newer than now-maxAge.
func (s *SQLiteStore) Load(ctx context.Context, maxAge time.Duration) ([]models.Verdict, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	query := `SELECT timestamp, status, response_time_ns, error_message FROM uptime_records`
	var args []any
	if cutoff, ok := cutoffFor(s.now(), maxAge); ok {
		query += ` WHERE timestamp > ?`
		args = append(args, cutoff.UnixNano())
	}
	query += ` ORDER BY timestamp, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query verdicts: %w", err)
	}
	defer rows.Close()

	verdicts := make([]models.Verdict, 0)
	for rows.Next() {
		var (
			ts      int64
			status  int64
			latency sql.NullInt64
			message sql.NullString
		)
		if err := rows.Scan(&ts, &status, &latency, &message); err != nil {
			return nil, fmt.Errorf("scan verdict: %w", err)
		}
		v := models.Verdict{
			Timestamp: time.Unix(0, ts).UTC(),
			Status:    status != 0,
		}
		if latency.Valid {
			d := time.Duration(latency.Int64)
			v.ResponseTime = &d
		}
		if message.Valid {
			msg := message.String
			v.ErrorMessage = &msg
		}
		verdicts = append(verdicts, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verdicts: %w", err)
	}
	return verdicts, nil
}

// Prune deletes rows older than the retention window in one transaction
// together with the last_cleanup update.
func (s *SQLiteStore) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	now := s.now()
	cutoff, ok := cutoffFor(now, retention)
	if !ok {
		return 0, fmt.Errorf("prune: retention must be positive, got %s", retention)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin prune: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM uptime_records WHERE timestamp < ?`, cutoff.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("delete old verdicts: %w", err)
	}
	removed, _ := res.RowsAffected()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		keyLastCleanup, now.UTC().Format(time.RFC3339Nano),
	); err != nil {
		return 0, fmt.Errorf("record last cleanup: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return removed, nil
}

// LastCleanup returns the time of the last prune, or zero.
func (s *SQLiteStore) LastCleanup(ctx context.Context) (time.Time, error) {
	raw, ok, err := s.configValue(ctx, keyLastCleanup)
	if err != nil || !ok {
		return time.Time{}, err
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse last cleanup: %w", err)
	}
	return ts, nil
}

// CheckInterval returns the durable interval in seconds.
func (s *SQLiteStore) CheckInterval(ctx context.Context) (int, error) {
	raw, ok, err := s.configValue(ctx, keyCheckInterval)
	if err != nil {
		return 0, err
	}
	if !ok {
		return s.defaultInterval, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parse check interval %q: %w", raw, err)
	}
	return n, nil
}

// SetCheckInterval overwrites the durable interval.
func (s *SQLiteStore) SetCheckInterval(ctx context.Context, seconds int) error {
	if seconds <= 0 {
		return ErrInvalidInterval
	}
	if s.closed.Load() {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO config (key, value) VALUES (?, ?) ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		keyCheckInterval, strconv.Itoa(seconds),
	)
	if err != nil {
		return fmt.Errorf("update check interval: %w", err)
	}
	return nil
}

// Compact reclaims space left by pruning.
func (s *SQLiteStore) Compact(ctx context.Context) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if _, err := s.db.ExecContext(ctx, `PRAGMA optimize`); err != nil {
		return fmt.Errorf("optimize: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `VACUUM`); err != nil {
		return fmt.Errorf("vacuum: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) configValue(ctx context.Context, key string) (string, bool, error) {
	if s.closed.Load() {
		return "", false, ErrClosed
	}
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM config WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read config %s: %w", key, err)
	}
	return value, true, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
