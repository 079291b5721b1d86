package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	boardsync "github.com/hyperengineering/flowsync/internal/sync"
	"github.com/hyperengineering/flowsync/internal/types"
)

// timeLayout is RFC 3339 with fixed nanosecond precision so stored
// timestamps sort lexicographically and the delta cursor can compare them
// as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// RegressionError reports the row that caused a batch to be rejected for
// optimistic-lock regression.
type RegressionError struct {
	ID       string
	Kind     types.EntityKind
	Incoming int64
	Stored   int64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("%s %s: incoming version %d below stored version %d",
		e.Kind, e.ID, e.Incoming, e.Stored)
}

func (e *RegressionError) Unwrap() error { return ErrVersionRegression }

// ApplyWrite applies a bulk write in a single transaction. Rows targeting
// tombstoned ids are dropped silently; a version regression anywhere rolls
// back the entire batch.
func (s *SQLiteStore) ApplyWrite(ctx context.Context, req boardsync.WriteRequest) (*boardsync.WriteResponse, error) {
	if len(req.Tasks) == 0 && len(req.Connections) == 0 {
		return nil, ErrEmptyBatch
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	resp := &boardsync.WriteResponse{}

	for i := range req.Tasks {
		row, dropped, err := s.applyTask(ctx, tx, req.CollectionID, &req.Tasks[i], now)
		if err != nil {
			return nil, err
		}
		if dropped {
			resp.Dropped = append(resp.Dropped, req.Tasks[i].ID)
			continue
		}
		resp.Rows = append(resp.Rows, *row)
	}

	for i := range req.Connections {
		row, dropped, err := s.applyConnection(ctx, tx, req.CollectionID, &req.Connections[i], now)
		if err != nil {
			return nil, err
		}
		if dropped {
			resp.Dropped = append(resp.Dropped, req.Connections[i].ID)
			continue
		}
		resp.Rows = append(resp.Rows, *row)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	resp.Accepted = len(resp.Rows)
	return resp, nil
}

// applyTask upserts one task row inside the write transaction. Returns
// dropped=true when a tombstone blocks the write.
func (s *SQLiteStore) applyTask(ctx context.Context, tx *sql.Tx, collectionID string, p *types.TaskPayload, now time.Time) (*boardsync.WrittenRow, bool, error) {
	tombstoned, err := isTombstonedTx(ctx, tx, p.ID)
	if err != nil {
		return nil, false, err
	}
	if tombstoned {
		return nil, true, nil
	}

	existing, err := getTaskTx(ctx, tx, p.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	nowStr := now.Format(timeLayout)
	var version int64

	if existing == nil {
		version = p.Version
		if version < 1 {
			version = 1
		}
		task := taskFromPayload(p)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO tasks (id, collection_id, parent_id, title, content, status, x, y, updated_at, deleted_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, collectionID, nullableString(task.ParentID), task.Title, task.Content, task.Status,
			task.X, task.Y, nowStr, formatNullableTime(p.DeletedAt), version)
		if err != nil {
			return nil, false, fmt.Errorf("insert task %s: %w", p.ID, err)
		}
	} else {
		if p.Version < existing.Version {
			return nil, false, &RegressionError{ID: p.ID, Kind: types.KindTask, Incoming: p.Version, Stored: existing.Version}
		}

		// Partial payload: absent fields keep their stored values.
		merged := *existing
		if p.ParentID != nil {
			merged.ParentID = *p.ParentID
		}
		if p.Title != nil {
			merged.Title = *p.Title
		}
		if p.Content != nil {
			merged.Content = *p.Content
		}
		if p.Status != nil {
			merged.Status = *p.Status
		}
		if p.X != nil {
			merged.X = *p.X
		}
		if p.Y != nil {
			merged.Y = *p.Y
		}
		merged.DeletedAt = p.DeletedAt
		version = existing.Version + 1

		_, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET parent_id = ?, title = ?, content = ?, status = ?, x = ?, y = ?,
			    updated_at = ?, deleted_at = ?, version = ?
			WHERE id = ?
		`, nullableString(merged.ParentID), merged.Title, merged.Content, merged.Status,
			merged.X, merged.Y, nowStr, formatNullableTime(merged.DeletedAt), version, p.ID)
		if err != nil {
			return nil, false, fmt.Errorf("update task %s: %w", p.ID, err)
		}
	}

	return &boardsync.WrittenRow{ID: p.ID, Kind: types.KindTask, UpdatedAt: now, Version: version}, false, nil
}

// applyConnection upserts one connection row inside the write transaction.
func (s *SQLiteStore) applyConnection(ctx context.Context, tx *sql.Tx, collectionID string, p *types.ConnectionPayload, now time.Time) (*boardsync.WrittenRow, bool, error) {
	tombstoned, err := isTombstonedTx(ctx, tx, p.ID)
	if err != nil {
		return nil, false, err
	}
	if tombstoned {
		return nil, true, nil
	}

	existing, err := getConnectionTx(ctx, tx, p.ID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	nowStr := now.Format(timeLayout)
	var version int64

	if existing == nil {
		version = p.Version
		if version < 1 {
			version = 1
		}
		conn := connectionFromPayload(p)
		_, err = tx.ExecContext(ctx, `
			INSERT INTO connections (id, collection_id, source_id, target_id, label, updated_at, deleted_at, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, p.ID, collectionID, conn.SourceID, conn.TargetID, conn.Label, nowStr,
			formatNullableTime(p.DeletedAt), version)
		if err != nil {
			return nil, false, fmt.Errorf("insert connection %s: %w", p.ID, err)
		}
	} else {
		if p.Version < existing.Version {
			return nil, false, &RegressionError{ID: p.ID, Kind: types.KindConnection, Incoming: p.Version, Stored: existing.Version}
		}

		merged := *existing
		if p.SourceID != nil {
			merged.SourceID = *p.SourceID
		}
		if p.TargetID != nil {
			merged.TargetID = *p.TargetID
		}
		if p.Label != nil {
			merged.Label = *p.Label
		}
		merged.DeletedAt = p.DeletedAt
		version = existing.Version + 1

		_, err = tx.ExecContext(ctx, `
			UPDATE connections
			SET source_id = ?, target_id = ?, label = ?, updated_at = ?, deleted_at = ?, version = ?
			WHERE id = ?
		`, merged.SourceID, merged.TargetID, merged.Label, nowStr,
			formatNullableTime(merged.DeletedAt), version, p.ID)
		if err != nil {
			return nil, false, fmt.Errorf("update connection %s: %w", p.ID, err)
		}
	}

	return &boardsync.WrittenRow{ID: p.ID, Kind: types.KindConnection, UpdatedAt: now, Version: version}, false, nil
}

// Purge permanently deletes entities. The tombstone is written first, in
// the same transaction as the deletion, and dependent connections are
// removed (and tombstoned) atomically so stale clients cannot resurrect
// either the entity or its edges.
func (s *SQLiteStore) Purge(ctx context.Context, req boardsync.PurgeRequest) (*boardsync.PurgeResponse, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := s.now()
	nowStr := now.Format(timeLayout)
	resp := &boardsync.PurgeResponse{AttachmentKeys: []string{}}

	for _, id := range req.EntityIDs {
		// A purge id may name either entity table. Connections are the
		// simple case: tombstone and remove, nothing cascades off them.
		var one int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM connections WHERE id = ?`, id).Scan(&one)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("classify purge target %s: %w", id, err)
		}
		if err == nil {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO tombstones (entity_id, collection_id, kind, deleted_at, deleted_by)
				VALUES (?, ?, ?, ?, ?)
			`, id, req.CollectionID, types.KindConnection, nowStr, req.DeletedBy); err != nil {
				return nil, fmt.Errorf("write connection tombstone %s: %w", id, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id); err != nil {
				return nil, fmt.Errorf("delete connection %s: %w", id, err)
			}
			resp.Purged++
			continue
		}

		// Tombstone before delete.
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO tombstones (entity_id, collection_id, kind, deleted_at, deleted_by)
			VALUES (?, ?, ?, ?, ?)
		`, id, req.CollectionID, types.KindTask, nowStr, req.DeletedBy); err != nil {
			return nil, fmt.Errorf("write tombstone %s: %w", id, err)
		}

		var attachmentKey sql.NullString
		err = tx.QueryRowContext(ctx, `
			SELECT attachment_key FROM tasks WHERE id = ?
		`, id).Scan(&attachmentKey)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("read attachment key %s: %w", id, err)
		}
		if attachmentKey.Valid && attachmentKey.String != "" {
			resp.AttachmentKeys = append(resp.AttachmentKeys, attachmentKey.String)
		}

		// Tombstone and remove dependent edges.
		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM connections WHERE source_id = ? OR target_id = ?
		`, id, id)
		if err != nil {
			return nil, fmt.Errorf("list dependent connections %s: %w", id, err)
		}
		var connIDs []string
		for rows.Next() {
			var cid string
			if err := rows.Scan(&cid); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan connection id: %w", err)
			}
			connIDs = append(connIDs, cid)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate connections: %w", err)
		}

		for _, cid := range connIDs {
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO tombstones (entity_id, collection_id, kind, deleted_at, deleted_by)
				VALUES (?, ?, ?, ?, ?)
			`, cid, req.CollectionID, types.KindConnection, nowStr, req.DeletedBy); err != nil {
				return nil, fmt.Errorf("write connection tombstone %s: %w", cid, err)
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, cid); err != nil {
				return nil, fmt.Errorf("delete connection %s: %w", cid, err)
			}
			resp.ConnectionsRemoved++
		}

		result, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
		if err != nil {
			return nil, fmt.Errorf("delete task %s: %w", id, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("rows affected: %w", err)
		}
		resp.Purged += int(affected)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	return resp, nil
}

// Delta returns rows with updated_at strictly after the cursor, including
// soft-deleted rows, plus tombstones recorded after it.
func (s *SQLiteStore) Delta(ctx context.Context, collectionID string, req boardsync.DeltaRequest) (*boardsync.DeltaResponse, error) {
	limit := req.Limit
	if limit <= 0 {
		limit = boardsync.DefaultDeltaLimit
	}
	if limit > boardsync.MaxDeltaLimit {
		limit = boardsync.MaxDeltaLimit
	}
	sinceStr := req.Since.UTC().Format(timeLayout)

	resp := &boardsync.DeltaResponse{
		Tasks:       []types.TaskPayload{},
		Connections: []types.ConnectionPayload{},
		Tombstones:  []types.Tombstone{},
		AsOf:        s.now(),
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, parent_id, title, content, status, x, y, updated_at, deleted_at, version
		FROM tasks
		WHERE collection_id = ? AND updated_at > ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, collectionID, sinceStr, limit)
	if err != nil {
		return nil, fmt.Errorf("query task delta: %w", err)
	}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan task delta: %w", err)
		}
		resp.Tasks = append(resp.Tasks, task.FullPayload())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task delta: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT id, source_id, target_id, label, updated_at, deleted_at, version
		FROM connections
		WHERE collection_id = ? AND updated_at > ?
		ORDER BY updated_at ASC
		LIMIT ?
	`, collectionID, sinceStr, limit)
	if err != nil {
		return nil, fmt.Errorf("query connection delta: %w", err)
	}
	for rows.Next() {
		conn, err := scanConnection(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan connection delta: %w", err)
		}
		resp.Connections = append(resp.Connections, conn.FullPayload())
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connection delta: %w", err)
	}

	rows, err = s.db.QueryContext(ctx, `
		SELECT entity_id, kind, deleted_at, deleted_by
		FROM tombstones
		WHERE collection_id = ? AND deleted_at > ?
		ORDER BY deleted_at ASC
	`, collectionID, sinceStr)
	if err != nil {
		return nil, fmt.Errorf("query tombstone delta: %w", err)
	}
	for rows.Next() {
		var ts types.Tombstone
		var deletedAt string
		if err := rows.Scan(&ts.EntityID, &ts.Kind, &deletedAt, &ts.DeletedBy); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan tombstone: %w", err)
		}
		if t, err := time.Parse(time.RFC3339Nano, deletedAt); err == nil {
			ts.DeletedAt = t
		}
		resp.Tombstones = append(resp.Tombstones, ts)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tombstones: %w", err)
	}

	resp.HasMore = len(resp.Tasks) == limit || len(resp.Connections) == limit
	return resp, nil
}

// --- transaction-scoped helpers ---

func isTombstonedTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var one int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM tombstones WHERE entity_id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check tombstone: %w", err)
	}
	return true, nil
}

func getTaskTx(ctx context.Context, tx *sql.Tx, id string) (*types.Task, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, parent_id, title, content, status, x, y, updated_at, deleted_at, version
		FROM tasks
		WHERE id = ?
	`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	return task, nil
}

func getConnectionTx(ctx context.Context, tx *sql.Tx, id string) (*types.Connection, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, source_id, target_id, label, updated_at, deleted_at, version
		FROM connections
		WHERE id = ?
	`, id)
	conn, err := scanConnection(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return conn, nil
}

func taskFromPayload(p *types.TaskPayload) types.Task {
	task := types.Task{ID: p.ID, Status: types.StatusOpen, Version: p.Version, DeletedAt: p.DeletedAt}
	if p.ParentID != nil {
		task.ParentID = *p.ParentID
	}
	if p.Title != nil {
		task.Title = *p.Title
	}
	if p.Content != nil {
		task.Content = *p.Content
	}
	if p.Status != nil {
		task.Status = *p.Status
	}
	if p.X != nil {
		task.X = *p.X
	}
	if p.Y != nil {
		task.Y = *p.Y
	}
	return task
}

func connectionFromPayload(p *types.ConnectionPayload) types.Connection {
	conn := types.Connection{ID: p.ID, Version: p.Version, DeletedAt: p.DeletedAt}
	if p.SourceID != nil {
		conn.SourceID = *p.SourceID
	}
	if p.TargetID != nil {
		conn.TargetID = *p.TargetID
	}
	if p.Label != nil {
		conn.Label = *p.Label
	}
	return conn
}
