package cache

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/hyperengineering/flowsync/internal/types"
)

// InsertPendingOp appends an operation to the durable outbound log.
func (c *Cache) InsertPendingOp(op types.PendingOperation) error {
	_, err := c.db.Exec(`
		INSERT INTO pending_ops (operation_id, entity_id, kind, entity_kind, payload, enqueued_at, attempt_count, next_attempt_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, op.OperationID, op.EntityID, op.Kind, op.EntityKind, string(op.Payload),
		op.EnqueuedAt.UTC().Format(timeLayout), op.AttemptCount,
		op.NextAttemptAt.UTC().Format(timeLayout), op.LastError)
	if err != nil {
		return fmt.Errorf("insert pending op %s: %w", op.OperationID, err)
	}
	return nil
}

// DuePendingOps returns operations whose next attempt time has passed,
// in enqueue order.
func (c *Cache) DuePendingOps(now time.Time) ([]types.PendingOperation, error) {
	rows, err := c.db.Query(`
		SELECT operation_id, entity_id, kind, entity_kind, payload, enqueued_at, attempt_count, next_attempt_at, last_error
		FROM pending_ops
		WHERE next_attempt_at <= ?
		ORDER BY enqueued_at ASC
	`, now.UTC().Format(timeLayout))
	if err != nil {
		return nil, fmt.Errorf("query due ops: %w", err)
	}
	defer rows.Close()
	return scanPendingOps(rows)
}

// PendingOpsForEntity returns queued operations for one entity in
// enqueue order.
func (c *Cache) PendingOpsForEntity(entityID string) ([]types.PendingOperation, error) {
	rows, err := c.db.Query(`
		SELECT operation_id, entity_id, kind, entity_kind, payload, enqueued_at, attempt_count, next_attempt_at, last_error
		FROM pending_ops
		WHERE entity_id = ?
		ORDER BY enqueued_at ASC
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("query entity ops: %w", err)
	}
	defer rows.Close()
	return scanPendingOps(rows)
}

// UpdatePendingOpAttempt records a failed attempt and its retry time.
func (c *Cache) UpdatePendingOpAttempt(operationID string, attemptCount int, nextAttemptAt time.Time, lastError string) error {
	_, err := c.db.Exec(`
		UPDATE pending_ops
		SET attempt_count = ?, next_attempt_at = ?, last_error = ?
		WHERE operation_id = ?
	`, attemptCount, nextAttemptAt.UTC().Format(timeLayout), lastError, operationID)
	if err != nil {
		return fmt.Errorf("update pending op %s: %w", operationID, err)
	}
	return nil
}

// DeletePendingOp removes an acknowledged operation.
func (c *Cache) DeletePendingOp(operationID string) error {
	if _, err := c.db.Exec(`DELETE FROM pending_ops WHERE operation_id = ?`, operationID); err != nil {
		return fmt.Errorf("delete pending op %s: %w", operationID, err)
	}
	return nil
}

// PendingOpCount returns the size of the outbound log.
func (c *Cache) PendingOpCount() (int, error) {
	var count int
	if err := c.db.QueryRow(`SELECT COUNT(*) FROM pending_ops`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count pending ops: %w", err)
	}
	return count, nil
}

func scanPendingOps(rows *sql.Rows) ([]types.PendingOperation, error) {
	var ops []types.PendingOperation
	for rows.Next() {
		var op types.PendingOperation
		var payload, lastError sql.NullString
		var enqueuedAt, nextAttemptAt string

		if err := rows.Scan(&op.OperationID, &op.EntityID, &op.Kind, &op.EntityKind,
			&payload, &enqueuedAt, &op.AttemptCount, &nextAttemptAt, &lastError); err != nil {
			return nil, fmt.Errorf("scan pending op: %w", err)
		}

		if payload.Valid {
			op.Payload = []byte(payload.String)
		}
		op.LastError = lastError.String
		if t, err := time.Parse(time.RFC3339Nano, enqueuedAt); err == nil {
			op.EnqueuedAt = t
		}
		if t, err := time.Parse(time.RFC3339Nano, nextAttemptAt); err == nil {
			op.NextAttemptAt = t
		}
		ops = append(ops, op)
	}
	return ops, rows.Err()
}
