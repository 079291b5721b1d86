// Package cache is the local mutation store: a per-identity SQLite
// database that keeps the board fully usable offline. It holds the
// entity tables, the tombstone set, the durable pending-operation log,
// and the sync cursor.
package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"time"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when an entity is not in the cache.
var ErrNotFound = errors.New("entity not in cache")

// timeLayout is RFC 3339 with fixed nanosecond precision so timestamps
// stored as TEXT compare correctly against the sync cursor.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Meta keys used by the sync pipeline.
const (
	MetaCursor   = "sync_cursor"
	MetaIdentity = "identity"
)

var identityPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Cache is the local store for one authenticated identity. Safe for
// concurrent use; SQLite serializes writers underneath.
type Cache struct {
	db       *sql.DB
	identity string
	path     string
	now      func() time.Time
	logger   *slog.Logger
}

// Open creates or opens the cache for an identity under the data root.
// Each identity gets its own database file so switching accounts never
// mixes data.
func Open(dataRoot, identity string, logger *slog.Logger) (*Cache, error) {
	if !identityPattern.MatchString(identity) {
		return nil, fmt.Errorf("invalid identity %q", identity)
	}
	if logger == nil {
		logger = slog.Default()
	}

	dir := filepath.Join(dataRoot, identity)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}
	path := filepath.Join(dir, "flowsync.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}

	c := &Cache{
		db:       db,
		identity: identity,
		path:     path,
		now:      time.Now,
		logger:   logger.With("component", "cache", "identity", identity),
	}

	if err := c.init(); err != nil {
		db.Close()
		return nil, err
	}

	return c, nil
}

func (c *Cache) init() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA synchronous=NORMAL",
	}
	for _, pragma := range pragmas {
		if _, err := c.db.Exec(pragma); err != nil {
			return fmt.Errorf("set pragma: %w", err)
		}
	}

	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		parent_id TEXT,
		title TEXT NOT NULL DEFAULT '',
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'open',
		x REAL NOT NULL DEFAULT 0,
		y REAL NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_id);
	CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at);

	CREATE TABLE IF NOT EXISTS connections (
		id TEXT PRIMARY KEY,
		source_id TEXT NOT NULL,
		target_id TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		updated_at TEXT NOT NULL,
		deleted_at TEXT,
		version INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_connections_source ON connections(source_id);
	CREATE INDEX IF NOT EXISTS idx_connections_target ON connections(target_id);

	CREATE TABLE IF NOT EXISTS tombstones (
		entity_id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		deleted_at TEXT NOT NULL,
		deleted_by TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS pending_ops (
		operation_id TEXT PRIMARY KEY,
		entity_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		entity_kind TEXT NOT NULL,
		payload TEXT,
		enqueued_at TEXT NOT NULL,
		attempt_count INTEGER NOT NULL DEFAULT 0,
		next_attempt_at TEXT NOT NULL,
		last_error TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_pending_next ON pending_ops(next_attempt_at);
	CREATE INDEX IF NOT EXISTS idx_pending_entity ON pending_ops(entity_id);

	CREATE TABLE IF NOT EXISTS sync_meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("create cache schema: %w", err)
	}

	if err := c.SetMeta(MetaIdentity, c.identity); err != nil {
		return err
	}
	return nil
}

// Close closes the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Path returns the database file path.
func (c *Cache) Path() string {
	return c.path
}

// Identity returns the identity this cache belongs to.
func (c *Cache) Identity() string {
	return c.identity
}

// SetClock replaces the time source. Tests only.
func (c *Cache) SetClock(now func() time.Time) {
	c.now = now
}

// GetMeta reads a sync_meta value.
func (c *Cache) GetMeta(key string) (string, bool, error) {
	var value string
	err := c.db.QueryRow(`SELECT value FROM sync_meta WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("read meta %s: %w", key, err)
	}
	return value, true, nil
}

// SetMeta writes a sync_meta value.
func (c *Cache) SetMeta(key, value string) error {
	if _, err := c.db.Exec(`
		INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)
	`, key, value); err != nil {
		return fmt.Errorf("write meta %s: %w", key, err)
	}
	return nil
}

// Cursor returns the delta cursor, zero time if no sync has completed.
func (c *Cache) Cursor() (time.Time, error) {
	raw, ok, err := c.GetMeta(MetaCursor)
	if err != nil || !ok {
		return time.Time{}, err
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor: %w", err)
	}
	return t, nil
}

// SetCursor advances the delta cursor.
func (c *Cache) SetCursor(t time.Time) error {
	return c.SetMeta(MetaCursor, t.UTC().Format(timeLayout))
}

// Purge erases all local data for this identity. Used on sign-out; the
// remote store remains authoritative.
func (c *Cache) Purge() error {
	tables := []string{"tasks", "connections", "tombstones", "pending_ops", "sync_meta"}
	for _, table := range tables {
		if _, err := c.db.Exec(`DELETE FROM ` + table); err != nil {
			return fmt.Errorf("purge %s: %w", table, err)
		}
	}
	c.logger.Info("local cache purged", "action", "purge")
	return nil
}

func formatNullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeLayout)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
