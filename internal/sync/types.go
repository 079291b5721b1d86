// Package sync defines the wire contract between the local sync core and
// the remote store. The remote store owns the authoritative schema (rows
// with id, updated_at, deleted_at, version); this package only describes
// the request and response shapes the core consumes.
package sync

import (
	"time"

	"github.com/hyperengineering/flowsync/internal/types"
)

// Default and maximum page sizes for delta requests.
const (
	DefaultDeltaLimit = 500
	MaxDeltaLimit     = 2000
)

// WriteRequest is a transactional bulk write. The whole batch is applied
// or rejected; PushID is the idempotency key so a retried request after a
// dropped acknowledgement returns the cached response instead of applying
// twice.
type WriteRequest struct {
	PushID       string                    `json:"push_id"`
	CollectionID string                    `json:"collection_id"`
	SourceID     string                    `json:"source_id"`
	Tasks        []types.TaskPayload       `json:"tasks,omitempty"`
	Connections  []types.ConnectionPayload `json:"connections,omitempty"`
}

// WrittenRow reports the server-assigned fields for one accepted row.
type WrittenRow struct {
	ID        string           `json:"id"`
	Kind      types.EntityKind `json:"kind"`
	UpdatedAt time.Time        `json:"updated_at"`
	Version   int64            `json:"version"`
}

// WriteResponse acknowledges an applied batch. Dropped lists ids that were
// silently skipped because a tombstone exists for them; they are not
// errors.
type WriteResponse struct {
	Accepted int          `json:"accepted"`
	Rows     []WrittenRow `json:"rows"`
	Dropped  []string     `json:"dropped,omitempty"`
}

// WriteErrorCode classifies a rejected batch.
type WriteErrorCode string

const (
	WriteErrorValidation      WriteErrorCode = "validation"
	WriteErrorVersionConflict WriteErrorCode = "version_conflict"
)

// WriteError describes one rejected row. Any WriteError rejects the whole
// batch.
type WriteError struct {
	ID      string           `json:"id"`
	Kind    types.EntityKind `json:"kind"`
	Code    WriteErrorCode   `json:"code"`
	Message string           `json:"message"`
}

// WriteErrorResponse is returned when a batch is rejected in full.
type WriteErrorResponse struct {
	Accepted int          `json:"accepted"`
	Errors   []WriteError `json:"errors"`
}

// PurgeRequest permanently deletes entities. The server writes tombstones
// first and removes dependent connections in the same transaction.
type PurgeRequest struct {
	CollectionID string   `json:"collection_id"`
	EntityIDs    []string `json:"entity_ids"`
	DeletedBy    string   `json:"deleted_by"`
}

// PurgeResponse reports what was removed. AttachmentKeys are dependent
// storage paths the caller must garbage-collect separately.
type PurgeResponse struct {
	Purged             int      `json:"purged"`
	ConnectionsRemoved int      `json:"connections_removed"`
	AttachmentKeys     []string `json:"attachment_keys"`
}

// DeltaRequest asks for rows modified after the client's cursor.
type DeltaRequest struct {
	Since time.Time
	Limit int
}

// DeltaResponse carries rows with updated_at strictly greater than the
// request cursor, including soft-deleted rows, plus tombstones so stale
// clients learn about permanent deletions.
type DeltaResponse struct {
	Tasks       []types.TaskPayload       `json:"tasks"`
	Connections []types.ConnectionPayload `json:"connections"`
	Tombstones  []types.Tombstone         `json:"tombstones"`
	AsOf        time.Time                 `json:"as_of"`
	HasMore     bool                      `json:"has_more"`
}

// ServerTimeResponse carries the authoritative server clock, callable
// without write privileges.
type ServerTimeResponse struct {
	ServerTime time.Time `json:"server_time"`
}

// FeedEventType classifies realtime change feed notifications.
type FeedEventType string

const (
	FeedInsert FeedEventType = "insert"
	FeedUpdate FeedEventType = "update"
	FeedDelete FeedEventType = "delete"
)

// FeedEvent is one realtime change notification. Delete events carry the
// full prior row (not just the key) so subscribers can react without a
// follow-up fetch.
type FeedEvent struct {
	Type       types.EntityKind         `json:"entity"`
	Event      FeedEventType            `json:"event"`
	Task       *types.TaskPayload       `json:"task,omitempty"`
	Connection *types.ConnectionPayload `json:"connection,omitempty"`
	PriorTask  *types.TaskPayload       `json:"prior_task,omitempty"`
	PriorConn  *types.ConnectionPayload `json:"prior_connection,omitempty"`
	ServerTime time.Time                `json:"server_time"`
}
