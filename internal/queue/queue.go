// Package queue is the durable outbound write log. Operations enqueue
// on local mutation, survive restarts in the cache's pending_ops table,
// and drain with quadratic backoff. Draining is serialized per entity:
// at most one in-flight attempt per entity id, and a later operation
// never overtakes an earlier one.
package queue

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hyperengineering/flowsync/internal/types"
)

// Default backoff bounds.
const (
	DefaultBackoffBase = 2 * time.Second
	DefaultBackoffCap  = 5 * time.Minute
)

// Storage is the durable side of the queue; the local cache implements
// it.
type Storage interface {
	InsertPendingOp(op types.PendingOperation) error
	DuePendingOps(now time.Time) ([]types.PendingOperation, error)
	PendingOpsForEntity(entityID string) ([]types.PendingOperation, error)
	UpdatePendingOpAttempt(operationID string, attemptCount int, nextAttemptAt time.Time, lastError string) error
	DeletePendingOp(operationID string) error
	PendingOpCount() (int, error)
}

// RetryQueue schedules pending operations. Safe for concurrent use.
type RetryQueue struct {
	storage Storage
	base    time.Duration
	cap     time.Duration
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	inFlight map[string]string // entity id -> operation id
}

// New creates a queue over the given storage. Non-positive backoff
// bounds fall back to defaults.
func New(storage Storage, base, cap time.Duration, logger *slog.Logger) *RetryQueue {
	if base <= 0 {
		base = DefaultBackoffBase
	}
	if cap <= 0 {
		cap = DefaultBackoffCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RetryQueue{
		storage:  storage,
		base:     base,
		cap:      cap,
		logger:   logger.With("component", "queue"),
		now:      time.Now,
		inFlight: make(map[string]string),
	}
}

// SetClock replaces the time source. Tests only.
func (q *RetryQueue) SetClock(now func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.now = now
}

// Enqueue appends an operation for an entity. The operation id doubles
// as the remote idempotency key.
func (q *RetryQueue) Enqueue(entityID string, kind types.OperationKind, entityKind types.EntityKind, payload any) (*types.PendingOperation, error) {
	var raw json.RawMessage
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload for %s: %w", entityID, err)
		}
		raw = encoded
	}

	q.mu.Lock()
	now := q.now()
	q.mu.Unlock()

	op := types.PendingOperation{
		OperationID:   ulid.Make().String(),
		EntityID:      entityID,
		Kind:          kind,
		EntityKind:    entityKind,
		Payload:       raw,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	if err := q.storage.InsertPendingOp(op); err != nil {
		return nil, err
	}

	q.logger.Debug("operation enqueued",
		"action", "enqueue",
		"operation_id", op.OperationID,
		"entity_id", entityID,
		"kind", string(kind),
	)
	return &op, nil
}

// Due returns operations ready to attempt, at most one per entity, in
// enqueue order. Returned operations are marked in flight until the
// caller settles them with Ack or MarkAttempt.
func (q *RetryQueue) Due(now time.Time) ([]types.PendingOperation, error) {
	ops, err := q.storage.DuePendingOps(now)
	if err != nil {
		return nil, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	var out []types.PendingOperation
	claimed := make(map[string]struct{})
	for _, op := range ops {
		if _, busy := q.inFlight[op.EntityID]; busy {
			continue
		}
		if _, dup := claimed[op.EntityID]; dup {
			// Strict FIFO per entity: only the earliest queued op runs.
			continue
		}
		claimed[op.EntityID] = struct{}{}
		q.inFlight[op.EntityID] = op.OperationID
		out = append(out, op)
	}
	return out, nil
}

// Ack removes a confirmed operation.
func (q *RetryQueue) Ack(op types.PendingOperation) error {
	if err := q.storage.DeletePendingOp(op.OperationID); err != nil {
		return err
	}
	q.settle(op)
	q.logger.Debug("operation acknowledged", "action", "ack", "operation_id", op.OperationID)
	return nil
}

// Release returns a claimed operation to the queue untouched: no
// attempt recorded, no backoff. Callers use it when a drain aborts
// before reaching the operation, so the claim does not starve the
// entity until restart.
func (q *RetryQueue) Release(op types.PendingOperation) {
	q.settle(op)
}

// MarkAttempt records a failed attempt and schedules the retry with
// quadratic backoff: min(attempts^2 * base, cap).
func (q *RetryQueue) MarkAttempt(op types.PendingOperation, attemptErr error) error {
	attempts := op.AttemptCount + 1
	delay := q.Backoff(attempts)

	q.mu.Lock()
	nextAttempt := q.now().Add(delay)
	q.mu.Unlock()

	msg := ""
	if attemptErr != nil {
		msg = attemptErr.Error()
	}
	if err := q.storage.UpdatePendingOpAttempt(op.OperationID, attempts, nextAttempt, msg); err != nil {
		return err
	}
	q.settle(op)

	q.logger.Warn("operation attempt failed",
		"action", "retry",
		"operation_id", op.OperationID,
		"entity_id", op.EntityID,
		"attempts", attempts,
		"retry_in", delay.String(),
		"error", msg,
	)
	return nil
}

// Backoff returns the delay before the given attempt count's retry.
func (q *RetryQueue) Backoff(attempts int) time.Duration {
	delay := time.Duration(attempts*attempts) * q.base
	if delay > q.cap || delay < 0 {
		delay = q.cap
	}
	return delay
}

// Pending returns the outbound log size.
func (q *RetryQueue) Pending() (int, error) {
	return q.storage.PendingOpCount()
}

// settle clears the in-flight mark if this operation holds it.
func (q *RetryQueue) settle(op types.PendingOperation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inFlight[op.EntityID] == op.OperationID {
		delete(q.inFlight, op.EntityID)
	}
}
