package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/hyperengineering/flowsync/internal/types"
)

// UpsertTask writes a task row as-is. Callers decide versioning; the
// cache stores whatever the resolver or local editor produced.
func (c *Cache) UpsertTask(task types.Task) error {
	_, err := c.db.Exec(`
		INSERT INTO tasks (id, parent_id, title, content, status, x, y, updated_at, deleted_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			title = excluded.title,
			content = excluded.content,
			status = excluded.status,
			x = excluded.x,
			y = excluded.y,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			version = excluded.version
	`, task.ID, task.ParentID, task.Title, task.Content, task.Status, task.X, task.Y,
		task.UpdatedAt.UTC().Format(timeLayout), formatNullableTime(task.DeletedAt), task.Version)
	if err != nil {
		return fmt.Errorf("upsert task %s: %w", task.ID, err)
	}
	return nil
}

// GetTask returns a task regardless of soft-delete state.
func (c *Cache) GetTask(id string) (*types.Task, error) {
	row := c.db.QueryRow(`
		SELECT id, parent_id, title, content, status, x, y, updated_at, deleted_at, version
		FROM tasks WHERE id = ?
	`, id)
	return scanCacheTask(row)
}

// ListActiveTasks returns non-deleted tasks ordered by update time.
func (c *Cache) ListActiveTasks() ([]types.Task, error) {
	rows, err := c.db.Query(`
		SELECT id, parent_id, title, content, status, x, y, updated_at, deleted_at, version
		FROM tasks WHERE deleted_at IS NULL
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanCacheTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// DeleteTask removes the row entirely. Used after a tombstone is
// recorded; soft deletes go through UpsertTask with DeletedAt set.
func (c *Cache) DeleteTask(id string) error {
	if _, err := c.db.Exec(`DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// UpsertConnection writes a connection row as-is.
func (c *Cache) UpsertConnection(conn types.Connection) error {
	_, err := c.db.Exec(`
		INSERT INTO connections (id, source_id, target_id, label, updated_at, deleted_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			source_id = excluded.source_id,
			target_id = excluded.target_id,
			label = excluded.label,
			updated_at = excluded.updated_at,
			deleted_at = excluded.deleted_at,
			version = excluded.version
	`, conn.ID, conn.SourceID, conn.TargetID, conn.Label,
		conn.UpdatedAt.UTC().Format(timeLayout), formatNullableTime(conn.DeletedAt), conn.Version)
	if err != nil {
		return fmt.Errorf("upsert connection %s: %w", conn.ID, err)
	}
	return nil
}

// GetConnection returns a connection regardless of soft-delete state.
func (c *Cache) GetConnection(id string) (*types.Connection, error) {
	row := c.db.QueryRow(`
		SELECT id, source_id, target_id, label, updated_at, deleted_at, version
		FROM connections WHERE id = ?
	`, id)
	return scanCacheConnection(row)
}

// ListActiveConnections returns non-deleted connections.
func (c *Cache) ListActiveConnections() ([]types.Connection, error) {
	rows, err := c.db.Query(`
		SELECT id, source_id, target_id, label, updated_at, deleted_at, version
		FROM connections WHERE deleted_at IS NULL
		ORDER BY updated_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active connections: %w", err)
	}
	defer rows.Close()

	var conns []types.Connection
	for rows.Next() {
		conn, err := scanCacheConnection(rows)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *conn)
	}
	return conns, rows.Err()
}

// DeleteConnection removes the row entirely.
func (c *Cache) DeleteConnection(id string) error {
	if _, err := c.db.Exec(`DELETE FROM connections WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete connection %s: %w", id, err)
	}
	return nil
}

// ActiveEntityCount returns the number of non-deleted tasks and
// connections. The mass-delete guard sizes batches against it.
func (c *Cache) ActiveEntityCount() (int, error) {
	var count int
	err := c.db.QueryRow(`
		SELECT (SELECT COUNT(*) FROM tasks WHERE deleted_at IS NULL)
		     + (SELECT COUNT(*) FROM connections WHERE deleted_at IS NULL)
	`).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count active entities: %w", err)
	}
	return count, nil
}

// RecordTombstone persists a tombstone. Recording twice is a no-op; the
// first deletion wins and there is no un-tombstone.
func (c *Cache) RecordTombstone(ts types.Tombstone) error {
	if _, err := c.db.Exec(`
		INSERT OR IGNORE INTO tombstones (entity_id, kind, deleted_at, deleted_by)
		VALUES (?, ?, ?, ?)
	`, ts.EntityID, ts.Kind, ts.DeletedAt.UTC().Format(timeLayout), ts.DeletedBy); err != nil {
		return fmt.Errorf("record tombstone %s: %w", ts.EntityID, err)
	}
	return nil
}

// ListTombstones returns every persisted tombstone, used to hydrate the
// in-memory registry at startup.
func (c *Cache) ListTombstones() ([]types.Tombstone, error) {
	rows, err := c.db.Query(`
		SELECT entity_id, kind, deleted_at, deleted_by FROM tombstones
	`)
	if err != nil {
		return nil, fmt.Errorf("list tombstones: %w", err)
	}
	defer rows.Close()

	var tombstones []types.Tombstone
	for rows.Next() {
		var ts types.Tombstone
		var deletedAt string
		if err := rows.Scan(&ts.EntityID, &ts.Kind, &deletedAt, &ts.DeletedBy); err != nil {
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, deletedAt); err == nil {
			ts.DeletedAt = t
		}
		tombstones = append(tombstones, ts)
	}
	return tombstones, rows.Err()
}

func scanCacheTask(scanner interface{ Scan(...any) error }) (*types.Task, error) {
	var task types.Task
	var parentID, deletedAt sql.NullString
	var updatedAt string

	err := scanner.Scan(&task.ID, &parentID, &task.Title, &task.Content, &task.Status,
		&task.X, &task.Y, &updatedAt, &deletedAt, &task.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	task.ParentID = parentID.String
	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		task.UpdatedAt = t
	}
	task.DeletedAt = parseNullableTime(deletedAt)
	return &task, nil
}

func scanCacheConnection(scanner interface{ Scan(...any) error }) (*types.Connection, error) {
	var conn types.Connection
	var deletedAt sql.NullString
	var updatedAt string

	err := scanner.Scan(&conn.ID, &conn.SourceID, &conn.TargetID, &conn.Label,
		&updatedAt, &deletedAt, &conn.Version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}

	if t, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		conn.UpdatedAt = t
	}
	conn.DeletedAt = parseNullableTime(deletedAt)
	return &conn, nil
}
