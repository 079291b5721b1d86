package types

import (
	"encoding/json"
	"time"
)

// EntityKind identifies the table an entity belongs to.
type EntityKind string

const (
	KindTask       EntityKind = "task"
	KindConnection EntityKind = "connection"
)

// TaskStatus represents the workflow state of a task.
type TaskStatus string

const (
	StatusOpen       TaskStatus = "open"
	StatusInProgress TaskStatus = "in_progress"
	StatusDone       TaskStatus = "done"
	StatusArchived   TaskStatus = "archived"
)

// Task is a node in the board hierarchy. UpdatedAt is always
// server-assigned on write; Version is a monotonically non-decreasing
// optimistic-lock counter.
type Task struct {
	ID        string     `json:"id"`
	ParentID  string     `json:"parent_id,omitempty"`
	Title     string     `json:"title"`
	Content   string     `json:"content"`
	Status    TaskStatus `json:"status"`
	X         float64    `json:"x"`
	Y         float64    `json:"y"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Version   int64      `json:"version"`
}

// Active reports whether the task appears in active views.
// Soft-deleted tasks remain syncable until physically purged.
func (t Task) Active() bool {
	return t.DeletedAt == nil
}

// Connection is an edge between two tasks on the flow canvas.
type Connection struct {
	ID        string     `json:"id"`
	SourceID  string     `json:"source_id"`
	TargetID  string     `json:"target_id"`
	Label     string     `json:"label"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Version   int64      `json:"version"`
}

// Active reports whether the connection appears in active views.
func (c Connection) Active() bool {
	return c.DeletedAt == nil
}

// TaskPayload is the wire form of a task. Content-bearing fields are
// pointers so a payload that omits a field (bandwidth-optimized partial
// update) is distinguishable from one that explicitly clears it: nil means
// "not sent", a pointer to "" means "intentionally emptied".
type TaskPayload struct {
	ID        string      `json:"id"`
	ParentID  *string     `json:"parent_id,omitempty"`
	Title     *string     `json:"title,omitempty"`
	Content   *string     `json:"content,omitempty"`
	Status    *TaskStatus `json:"status,omitempty"`
	X         *float64    `json:"x,omitempty"`
	Y         *float64    `json:"y,omitempty"`
	UpdatedAt time.Time   `json:"updated_at"`
	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
	Version   int64       `json:"version"`
}

// FullPayload converts a task to a payload carrying every field.
func (t Task) FullPayload() TaskPayload {
	status := t.Status
	parentID := t.ParentID
	title := t.Title
	content := t.Content
	x, y := t.X, t.Y
	return TaskPayload{
		ID:        t.ID,
		ParentID:  &parentID,
		Title:     &title,
		Content:   &content,
		Status:    &status,
		X:         &x,
		Y:         &y,
		UpdatedAt: t.UpdatedAt,
		DeletedAt: t.DeletedAt,
		Version:   t.Version,
	}
}

// ConnectionPayload is the wire form of a connection.
type ConnectionPayload struct {
	ID        string     `json:"id"`
	SourceID  *string    `json:"source_id,omitempty"`
	TargetID  *string    `json:"target_id,omitempty"`
	Label     *string    `json:"label,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	Version   int64      `json:"version"`
}

// FullPayload converts a connection to a payload carrying every field.
func (c Connection) FullPayload() ConnectionPayload {
	sourceID := c.SourceID
	targetID := c.TargetID
	label := c.Label
	return ConnectionPayload{
		ID:        c.ID,
		SourceID:  &sourceID,
		TargetID:  &targetID,
		Label:     &label,
		UpdatedAt: c.UpdatedAt,
		DeletedAt: c.DeletedAt,
		Version:   c.Version,
	}
}

// Tombstone records a permanent deletion. Once written, no write to the
// entity id is ever accepted again, locally or remotely.
type Tombstone struct {
	EntityID  string     `json:"entity_id"`
	Kind      EntityKind `json:"kind"`
	DeletedAt time.Time  `json:"deleted_at"`
	DeletedBy string     `json:"deleted_by"`
}

// OperationKind classifies a pending outbound operation.
type OperationKind string

const (
	OpUpsert OperationKind = "upsert"
	OpDelete OperationKind = "delete"
)

// PendingOperation is one entry in the durable outbound write log.
// Created on local mutation while offline or on push failure; removed on
// confirmed remote acknowledgement; retried with exponential backoff
// otherwise. OperationID doubles as the remote idempotency key so a
// replayed acknowledgement-dropped push cannot double-apply.
type PendingOperation struct {
	OperationID   string          `json:"operation_id"`
	EntityID      string          `json:"entity_id"`
	Kind          OperationKind   `json:"kind"`
	EntityKind    EntityKind      `json:"entity_kind"`
	Payload       json.RawMessage `json:"payload,omitempty"`
	EnqueuedAt    time.Time       `json:"enqueued_at"`
	AttemptCount  int             `json:"attempt_count"`
	NextAttemptAt time.Time       `json:"next_attempt_at"`
	LastError     string          `json:"last_error,omitempty"`
}

// SyncState is the externally observable status of the sync pipeline.
// It is mutated only by the sync coordinator.
type SyncState string

const (
	SyncIdle        SyncState = "idle"
	SyncSyncing     SyncState = "syncing"
	SyncOffline     SyncState = "offline"
	SyncError       SyncState = "error"
	SyncCircuitOpen SyncState = "circuitOpen"
)

// SyncStatus is the snapshot handed to status subscribers and the status
// API. LastSyncAt is zero until the first successful cycle.
type SyncStatus struct {
	State        SyncState `json:"state"`
	LastSyncAt   time.Time `json:"-"`
	PendingCount int       `json:"pending_count"`
	LastError    string    `json:"last_error,omitempty"`
}

// MarshalJSON ensures a zero LastSyncAt marshals as null, not the zero
// RFC 3339 timestamp, so UI consumers can test for "never synced".
func (s SyncStatus) MarshalJSON() ([]byte, error) {
	type Alias SyncStatus
	out := struct {
		Alias
		LastSyncAt *time.Time `json:"last_sync_at"`
	}{Alias: Alias(s)}
	if !s.LastSyncAt.IsZero() {
		out.LastSyncAt = &s.LastSyncAt
	}
	return json.Marshal(out)
}
