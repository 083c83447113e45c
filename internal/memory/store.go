// Package memory implements the durable, namespaced key/value store that is
// the sole source of cross-session truth for the coordination core.
//
// Keys are namespaced strings "category/subkey" (e.g. "agents/reviewer-1",
// "tasks/tsk_abc123", "health/latest"). Every write is versioned: a put only
// succeeds when the caller's expected version matches the stored version,
// which serializes conflicting writers per key without a global lock.
// Deletes set a tombstone with a version bump; rows are never silently
// removed.
package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	empotel "github.com/tellemthatsme/ai-empire-monitoring-suite/internal/otel"
)

var tracer = empotel.Tracer("github.com/tellemthatsme/ai-empire-monitoring-suite/internal/memory")

// Domain errors for the store. ErrConflict is recovered locally by
// re-read-and-retry (see Update); ErrNotFound surfaces to callers querying
// unknown keys; ErrStorage means the durable write itself failed and must
// never be swallowed.
var (
	ErrNotFound = errors.New("memory entry not found")
	ErrConflict = errors.New("memory version conflict")
	ErrStorage  = errors.New("memory storage failure")
)

// Well-known key categories. Sep joins a category and subkey.
const (
	CategoryAgents    = "agents"
	CategoryTasks     = "tasks"
	CategoryEndpoints = "endpoints"
	CategoryHealth    = "health"
	CategorySessions  = "sessions"
	Sep               = "/"
)

// Key builds a namespaced key from a category and subkey.
func Key(category, subkey string) string {
	return category + Sep + subkey
}

const schema = `
CREATE TABLE IF NOT EXISTS memory_entries (
    key TEXT PRIMARY KEY,
    category TEXT NOT NULL,
    value TEXT NOT NULL,
    version INTEGER NOT NULL,
    tombstone INTEGER NOT NULL DEFAULT 0,
    expires_at TIMESTAMP,
    updated_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memory_category ON memory_entries(category);
CREATE INDEX IF NOT EXISTS idx_memory_expires ON memory_entries(expires_at);
`

// Entry is a stored key/value pair with its version.
type Entry struct {
	Key       string          `json:"key"`
	Category  string          `json:"category"`
	Value     json.RawMessage `json:"value"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Stats aggregates store contents for the observability surface.
type Stats struct {
	TotalEntries int64            `json:"total_entries"`
	Tombstones   int64            `json:"tombstones"`
	ByCategory   map[string]int64 `json:"by_category"`
}

// Store persists versioned entries in SQLite. Safe for concurrent use; WAL
// mode plus busy retries handle writer contention from the orchestrator,
// monitor, and agent loops sharing one database.
type Store struct {
	db *sql.DB
}

// Open creates a store at dbPath, initializing the schema.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("opening memory database: %w", err)
	}
	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		return nil, fmt.Errorf("creating memory schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Put writes value under key if expectedVersion matches the stored version.
// expectedVersion 0 means "create": the key must be absent, tombstoned, or
// expired. Returns the new version. A put over a dead entry continues the
// version sequence rather than restarting it.
func (s *Store) Put(ctx context.Context, key string, value json.RawMessage, expectedVersion int64) (int64, error) {
	return s.put(ctx, key, value, expectedVersion, time.Time{})
}

// PutTTL is Put with an expiry; expired entries are tombstoned by
// PurgeExpired. Used for session-scoped state.
func (s *Store) PutTTL(ctx context.Context, key string, value json.RawMessage, expectedVersion int64, ttl time.Duration) (int64, error) {
	return s.put(ctx, key, value, expectedVersion, time.Now().UTC().Add(ttl))
}

func (s *Store) put(ctx context.Context, key string, value json.RawMessage, expectedVersion int64, expiresAt time.Time) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.put",
		trace.WithAttributes(
			attribute.String("memory.key", key),
			attribute.Int64("memory.expected_version", expectedVersion),
		))
	defer span.End()

	var newVersion int64
	err := s.withRetry(ctx, func() error {
		var err error
		newVersion, err = s.putInTx(ctx, key, value, expectedVersion, expiresAt)
		return err
	})
	if err != nil {
		if errors.Is(err, ErrConflict) {
			conflictsTotal.Add(ctx, 1)
		}
		span.RecordError(err)
		return 0, err
	}

	writesTotal.Add(ctx, 1)
	span.SetAttributes(attribute.Int64("memory.version", newVersion))
	return newVersion, nil
}

func (s *Store) putInTx(ctx context.Context, key string, value json.RawMessage, expectedVersion int64, expiresAt time.Time) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("%w: begin transaction: %v", ErrStorage, err)
	}
	defer func() { _ = tx.Rollback() }()

	current, tombstone, expired, exists, err := readVersion(ctx, tx, key)
	if err != nil {
		return 0, err
	}

	switch {
	case !exists:
		if expectedVersion != 0 {
			return 0, fmt.Errorf("%w: key %s absent, expected version %d", ErrConflict, key, expectedVersion)
		}
	case tombstone || expired:
		// Tombstoned and expired entries read as NotFound, so they accept
		// either the stored version (caller saw the delete) or 0 (caller
		// re-creates after a NotFound read).
		if expectedVersion != 0 && expectedVersion != current {
			return 0, fmt.Errorf("%w: key %s at version %d (dead), expected %d", ErrConflict, key, current, expectedVersion)
		}
	default:
		if expectedVersion != current {
			return 0, fmt.Errorf("%w: key %s at version %d, expected %d", ErrConflict, key, current, expectedVersion)
		}
	}

	newVersion := current + 1
	var expires interface{}
	if !expiresAt.IsZero() {
		expires = expiresAt
	}
	now := time.Now().UTC()
	if exists {
		_, err = tx.ExecContext(ctx,
			`UPDATE memory_entries SET value = ?, version = ?, tombstone = 0, expires_at = ?, updated_at = ? WHERE key = ?`,
			string(value), newVersion, expires, now, key)
	} else {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO memory_entries (key, category, value, version, tombstone, expires_at, updated_at) VALUES (?, ?, ?, ?, 0, ?, ?)`,
			key, categoryOf(key), string(value), newVersion, expires, now)
	}
	if err != nil {
		return 0, fmt.Errorf("%w: writing entry %s: %v", ErrStorage, key, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("%w: commit for %s: %v", ErrStorage, key, err)
	}
	return newVersion, nil
}

// Get returns the value and version for key. Tombstoned and expired entries
// read as ErrNotFound.
func (s *Store) Get(ctx context.Context, key string) (json.RawMessage, int64, error) {
	ctx, span := tracer.Start(ctx, "memory.get",
		trace.WithAttributes(attribute.String("memory.key", key)))
	defer span.End()

	var value string
	var version int64
	var tombstone int
	var expires interface{}
	err := s.db.QueryRowContext(ctx,
		`SELECT value, version, tombstone, expires_at FROM memory_entries WHERE key = ?`, key).
		Scan(&value, &version, &tombstone, &expires)
	if err == sql.ErrNoRows {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("%w: reading entry %s: %v", ErrStorage, key, err)
	}
	if tombstone != 0 {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if t, ok := scanTime(expires); ok && t.Before(time.Now().UTC()) {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	readsTotal.Add(ctx, 1)
	return json.RawMessage(value), version, nil
}

// Delete tombstones key with a version bump. The row stays for audit and so
// later writers still see a monotonic version sequence.
func (s *Store) Delete(ctx context.Context, key string, expectedVersion int64) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.delete",
		trace.WithAttributes(attribute.String("memory.key", key)))
	defer span.End()

	var newVersion int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("%w: begin transaction: %v", ErrStorage, err)
		}
		defer func() { _ = tx.Rollback() }()

		current, tombstone, expired, exists, err := readVersion(ctx, tx, key)
		if err != nil {
			return err
		}
		if !exists || tombstone || expired {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		if expectedVersion != current {
			return fmt.Errorf("%w: key %s at version %d, expected %d", ErrConflict, key, current, expectedVersion)
		}
		newVersion = current + 1
		_, err = tx.ExecContext(ctx,
			`UPDATE memory_entries SET tombstone = 1, version = ?, updated_at = ? WHERE key = ?`,
			newVersion, time.Now().UTC(), key)
		if err != nil {
			return fmt.Errorf("%w: tombstoning %s: %v", ErrStorage, key, err)
		}
		return tx.Commit()
	})
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	return newVersion, nil
}

// Update re-reads key and applies fn until the conditional write succeeds or
// attempts run out. fn receives the current value (nil when absent) and must
// return the new value. This is the local recovery loop for ErrConflict.
func (s *Store) Update(ctx context.Context, key string, fn func(current json.RawMessage) (json.RawMessage, error)) (int64, error) {
	const maxAttempts = 10
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		current, version, err := s.Get(ctx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return 0, err
		}
		next, err := fn(current)
		if err != nil {
			return 0, err
		}
		newVersion, err := s.Put(ctx, key, next, version)
		if err == nil {
			return newVersion, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, err
		}
		lastErr = err
	}
	return 0, fmt.Errorf("update %s: retries exhausted: %w", key, lastErr)
}

// Query returns all live entries whose key starts with prefix, ordered by key.
func (s *Store) Query(ctx context.Context, prefix string) ([]Entry, error) {
	return s.QueryPage(ctx, prefix, "", 0)
}

// QueryPage returns up to limit live entries with keys after afterKey,
// ordered by key. afterKey "" starts from the beginning; pass the last key of
// the previous page to resume a scan. limit 0 means no limit.
func (s *Store) QueryPage(ctx context.Context, prefix, afterKey string, limit int) ([]Entry, error) {
	ctx, span := tracer.Start(ctx, "memory.query",
		trace.WithAttributes(attribute.String("memory.prefix", prefix)))
	defer span.End()

	query := `SELECT key, category, value, version, updated_at FROM memory_entries
	          WHERE key LIKE ? || '%' AND key > ? AND tombstone = 0
	          AND (expires_at IS NULL OR expires_at > ?)
	          ORDER BY key`
	args := []interface{}{prefix, afterKey, time.Now().UTC()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: querying prefix %s: %v", ErrStorage, prefix, err)
	}
	defer rows.Close()

	var results []Entry
	for rows.Next() {
		var e Entry
		var value string
		var updated interface{}
		if err := rows.Scan(&e.Key, &e.Category, &value, &e.Version, &updated); err != nil {
			continue
		}
		e.Value = json.RawMessage(value)
		if t, ok := scanTime(updated); ok {
			e.UpdatedAt = t
		}
		results = append(results, e)
	}
	readsTotal.Add(ctx, 1)
	return results, rows.Err()
}

// Stats returns total, tombstoned, and per-category entry counts.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx, span := tracer.Start(ctx, "memory.stats")
	defer span.End()

	stats := &Stats{ByCategory: make(map[string]int64)}
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(tombstone), 0) FROM memory_entries`).
		Scan(&stats.TotalEntries, &stats.Tombstones)
	if err != nil {
		return nil, fmt.Errorf("%w: counting entries: %v", ErrStorage, err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT category, COUNT(*) FROM memory_entries WHERE tombstone = 0 GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("%w: counting categories: %v", ErrStorage, err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int64
		if err := rows.Scan(&cat, &n); err != nil {
			continue
		}
		stats.ByCategory[cat] = n
	}
	return stats, rows.Err()
}

// PurgeExpired tombstones entries whose TTL has passed. Returns the number of
// entries tombstoned.
func (s *Store) PurgeExpired(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "memory.purge_expired")
	defer span.End()

	result, err := s.db.ExecContext(ctx,
		`UPDATE memory_entries SET tombstone = 1, version = version + 1, updated_at = ?
		 WHERE tombstone = 0 AND expires_at IS NOT NULL AND expires_at <= ?`,
		time.Now().UTC(), time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("%w: purging expired entries: %v", ErrStorage, err)
	}
	affected, _ := result.RowsAffected()
	span.SetAttributes(attribute.Int64("memory.purged", affected))
	return affected, nil
}

// readVersion reads (version, tombstoned, expired, exists) for key inside tx.
func readVersion(ctx context.Context, tx *sql.Tx, key string) (version int64, tombstoned, expired, exists bool, err error) {
	var t int
	var expires interface{}
	err = tx.QueryRowContext(ctx,
		`SELECT version, tombstone, expires_at FROM memory_entries WHERE key = ?`, key).Scan(&version, &t, &expires)
	if err == sql.ErrNoRows {
		return 0, false, false, false, nil
	}
	if err != nil {
		return 0, false, false, false, fmt.Errorf("%w: reading version for %s: %v", ErrStorage, key, err)
	}
	if et, ok := scanTime(expires); ok && et.Before(time.Now().UTC()) {
		expired = true
	}
	return version, t != 0, expired, true, nil
}

// withRetry runs fn with retries on SQLite busy/locked, with capped
// quadratic backoff.
func (s *Store) withRetry(ctx context.Context, fn func() error) error {
	const maxRetries = 15
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepRetry(ctx, attempt); err != nil {
				return err
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isSQLiteLocked(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

func sleepRetry(ctx context.Context, attempt int) error {
	backoff := time.Duration(attempt*attempt) * 20 * time.Millisecond
	if backoff > 250*time.Millisecond {
		backoff = 250 * time.Millisecond
	}
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	case <-time.After(backoff):
		return nil
	}
}

// isSQLiteLocked reports whether the error is SQLite busy/locked (retryable).
func isSQLiteLocked(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "locked")
}

// categoryOf returns the category part of a namespaced key.
func categoryOf(key string) string {
	if i := strings.Index(key, Sep); i > 0 {
		return key[:i]
	}
	return key
}

// scanTime scans a column that may be time.Time or string (SQLite returns
// datetime as string).
func scanTime(v interface{}) (t time.Time, ok bool) {
	if v == nil {
		return time.Time{}, false
	}
	switch val := v.(type) {
	case time.Time:
		return val, true
	case []byte:
		return parseSQLiteTime(string(val))
	case string:
		return parseSQLiteTime(val)
	}
	return time.Time{}, false
}

func parseSQLiteTime(s string) (time.Time, bool) {
	parsed, err := time.Parse("2006-01-02 15:04:05.999999999-07:00", s)
	if err != nil {
		parsed, err = time.Parse(time.RFC3339, s)
	}
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}
