// Package store implements the authoritative remote store backing the
// sync protocol: transactional bulk writes with optimistic-lock checks,
// tombstone enforcement at the storage layer, atomic purges, and the delta
// query that feeds client pull cycles.
package store

import (
	"context"
	"time"

	boardsync "github.com/hyperengineering/flowsync/internal/sync"
	"github.com/hyperengineering/flowsync/internal/types"
)

// Store is the storage contract consumed by the API layer.
type Store interface {
	// ApplyWrite applies a bulk write transactionally. The whole batch is
	// rejected on any version regression or validation failure; writes to
	// tombstoned ids are silently dropped and reported in the response.
	ApplyWrite(ctx context.Context, req boardsync.WriteRequest) (*boardsync.WriteResponse, error)

	// Purge permanently deletes entities: tombstone first, dependent
	// connections removed, entity rows deleted, all in one transaction.
	Purge(ctx context.Context, req boardsync.PurgeRequest) (*boardsync.PurgeResponse, error)

	// Delta returns rows with updated_at strictly after the cursor,
	// including soft-deleted rows, plus tombstones recorded after it.
	Delta(ctx context.Context, collectionID string, req boardsync.DeltaRequest) (*boardsync.DeltaResponse, error)

	// GetTask returns a task row regardless of soft-delete state.
	GetTask(ctx context.Context, id string) (*types.Task, error)

	// GetConnection returns a connection row regardless of soft-delete state.
	GetConnection(ctx context.Context, id string) (*types.Connection, error)

	// CountActive returns the number of active (non-deleted) tasks in a
	// collection; the breaker's percentage guard reads it.
	CountActive(ctx context.Context, collectionID string) (int, error)

	// IsTombstoned reports whether a tombstone exists for the id.
	IsTombstoned(ctx context.Context, id string) (bool, error)

	// CheckPushIdempotency returns the cached response for a replayed push.
	CheckPushIdempotency(ctx context.Context, pushID string) ([]byte, bool, error)

	// RecordPushIdempotency caches a push response for replay detection.
	RecordPushIdempotency(ctx context.Context, pushID, collectionID string, response []byte, ttl time.Duration) error

	Close() error
}
