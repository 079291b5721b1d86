// Package engine runs the sync pipeline: a single consumer goroutine
// drains trigger channels (timer, network events, explicit requests)
// and runs push and pull cycles against the remote store. A cycle in
// flight is never cancelled mid-transaction; the next trigger waits.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hyperengineering/flowsync/internal/breaker"
	"github.com/hyperengineering/flowsync/internal/cache"
	"github.com/hyperengineering/flowsync/internal/merge"
	"github.com/hyperengineering/flowsync/internal/remote"
	boardsync "github.com/hyperengineering/flowsync/internal/sync"
	"github.com/hyperengineering/flowsync/internal/types"
)

// DefaultInterval is the periodic sync cadence.
const DefaultInterval = 30 * time.Second

// LocalStore is the slice of the cache the coordinator needs.
type LocalStore interface {
	GetTask(id string) (*types.Task, error)
	UpsertTask(task types.Task) error
	DeleteTask(id string) error
	GetConnection(id string) (*types.Connection, error)
	UpsertConnection(conn types.Connection) error
	DeleteConnection(id string) error
	ActiveEntityCount() (int, error)
	Cursor() (time.Time, error)
	SetCursor(t time.Time) error
}

// Resolver merges remote rows into local state.
type Resolver interface {
	ResolveTask(local types.Task, remote types.TaskPayload) (types.Task, []merge.Protection)
	ResolveConnection(local types.Connection, remote types.ConnectionPayload) (types.Connection, []merge.Protection)
}

// TombstoneSet answers and learns permanent deletions.
type TombstoneSet interface {
	IsTombstoned(id string) bool
	Observe(tombstones []types.Tombstone) error
}

// OpQueue is the outbound log the push path drains.
type OpQueue interface {
	Enqueue(entityID string, kind types.OperationKind, entityKind types.EntityKind, payload any) (*types.PendingOperation, error)
	Due(now time.Time) ([]types.PendingOperation, error)
	Ack(op types.PendingOperation) error
	MarkAttempt(op types.PendingOperation, attemptErr error) error
	Release(op types.PendingOperation)
	Pending() (int, error)
}

// RemoteStore is the slice of the remote client the coordinator needs.
type RemoteStore interface {
	BulkWrite(ctx context.Context, collectionID string, req boardsync.WriteRequest) (*boardsync.WriteResponse, error)
	Purge(ctx context.Context, collectionID string, ids []string) (*boardsync.PurgeResponse, error)
	Delta(ctx context.Context, collectionID string, since time.Time, limit int) (*boardsync.DeltaResponse, error)
}

// Guard is the circuit breaker surface the coordinator consults.
type Guard interface {
	AllowPush() error
	CheckBatchDelete(n, collectionSize int) error
	RecordFailure()
	RecordSuccess()
	Open() bool
}

// Coordinator drives sync cycles. Construct with NewCoordinator; all
// fields are immutable after that.
type Coordinator struct {
	local        LocalStore
	resolver     Resolver
	tombstones   TombstoneSet
	queue        OpQueue
	remote       RemoteStore
	guard        Guard
	status       *StatusBoard
	collectionID string
	interval     time.Duration
	deltaLimit   int
	logger       *slog.Logger
	now          func() time.Time

	trigger chan struct{}
}

// Options bundles the coordinator's collaborators.
type Options struct {
	Local        LocalStore
	Resolver     Resolver
	Tombstones   TombstoneSet
	Queue        OpQueue
	Remote       RemoteStore
	Guard        Guard
	Status       *StatusBoard
	CollectionID string
	Interval     time.Duration
	DeltaLimit   int
	Logger       *slog.Logger
}

// NewCoordinator wires a coordinator. Zero Interval and DeltaLimit fall
// back to defaults; a nil Status board gets created.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.DeltaLimit <= 0 {
		opts.DeltaLimit = boardsync.DefaultDeltaLimit
	}
	if opts.Status == nil {
		opts.Status = NewStatusBoard()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		local:        opts.Local,
		resolver:     opts.Resolver,
		tombstones:   opts.Tombstones,
		queue:        opts.Queue,
		remote:       opts.Remote,
		guard:        opts.Guard,
		status:       opts.Status,
		collectionID: opts.CollectionID,
		interval:     opts.Interval,
		deltaLimit:   opts.DeltaLimit,
		logger:       opts.Logger.With("component", "engine"),
		now:          time.Now,
		trigger:      make(chan struct{}, 1),
	}
}

// Status returns the observable status board.
func (c *Coordinator) Status() *StatusBoard {
	return c.status
}

// TriggerSync requests a cycle. Coalesces: a trigger during an
// in-flight cycle queues exactly one follow-up.
func (c *Coordinator) TriggerSync() {
	select {
	case c.trigger <- struct{}{}:
	default:
	}
}

// Run executes sync cycles until the context is cancelled. One cycle at
// a time; this is the only goroutine that mutates sync state.
func (c *Coordinator) Run(ctx context.Context) {
	c.logger.Info("sync coordinator started",
		"interval", c.interval.String(),
		"collection", c.collectionID,
	)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// First cycle immediately so a restart drains its backlog.
	c.runCycle(ctx)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("sync coordinator stopped", "reason", "context_cancelled")
			return
		case <-ticker.C:
			c.runCycle(ctx)
		case <-c.trigger:
			c.runCycle(ctx)
		}
	}
}

// RunOnce executes a single push+pull cycle.
func (c *Coordinator) RunOnce(ctx context.Context) error {
	return c.runCycle(ctx)
}

func (c *Coordinator) runCycle(ctx context.Context) error {
	c.status.update(func(s *types.SyncStatus) {
		s.State = types.SyncSyncing
	})

	pushErr := c.PushPending(ctx)
	pullErr := c.PullRemote(ctx)

	pending, countErr := c.queue.Pending()
	if countErr != nil {
		c.logger.Error("pending count failed", "error", countErr)
	}

	cycleErr := pushErr
	if cycleErr == nil {
		cycleErr = pullErr
	}

	c.status.update(func(s *types.SyncStatus) {
		s.PendingCount = pending
		switch {
		case errors.Is(cycleErr, breaker.ErrCircuitOpen):
			s.State = types.SyncCircuitOpen
			s.LastError = cycleErr.Error()
		case errors.Is(cycleErr, remote.ErrNetworkUnavailable):
			s.State = types.SyncOffline
			s.LastError = cycleErr.Error()
		case cycleErr != nil:
			s.State = types.SyncError
			s.LastError = cycleErr.Error()
		default:
			s.State = types.SyncIdle
			s.LastSyncAt = c.now().UTC()
			s.LastError = ""
		}
	})

	switch {
	case cycleErr == nil:
		c.guard.RecordSuccess()
	case errors.Is(cycleErr, remote.ErrNetworkUnavailable):
		c.guard.RecordFailure()
		if c.guard.Open() {
			c.status.update(func(s *types.SyncStatus) {
				s.State = types.SyncCircuitOpen
			})
		}
	}

	return cycleErr
}

// PushPending drains due operations through the breaker and the remote
// client. Failures re-schedule with backoff; version conflicts trigger
// a re-fetch and re-resolve.
func (c *Coordinator) PushPending(ctx context.Context) error {
	if err := c.guard.AllowPush(); err != nil {
		// Pushes are held in the queue while the circuit is open. Pulls
		// continue; this is not a pipeline failure.
		c.logger.Warn("push held, circuit open", "action", "push")
		return err
	}

	ops, err := c.queue.Due(c.now())
	if err != nil {
		return fmt.Errorf("read due operations: %w", err)
	}
	if len(ops) == 0 {
		return nil
	}

	// Mass-delete guard across the whole drain: blocked means none of
	// the deletes run, but upserts still flow.
	var deletes []types.PendingOperation
	for _, op := range ops {
		if op.Kind == types.OpDelete {
			deletes = append(deletes, op)
		}
	}
	deletesBlocked := error(nil)
	if len(deletes) > 0 {
		size, err := c.local.ActiveEntityCount()
		if err != nil {
			c.releaseOps(ops)
			return fmt.Errorf("size collection for delete guard: %w", err)
		}
		deletesBlocked = c.guard.CheckBatchDelete(len(deletes), size+len(deletes))
	}

	var firstErr error
	for i, op := range ops {
		var opErr error
		switch op.Kind {
		case types.OpDelete:
			if deletesBlocked != nil {
				opErr = deletesBlocked
			} else {
				opErr = c.pushDelete(ctx, op)
			}
		default:
			opErr = c.pushUpsert(ctx, op)
		}

		if opErr != nil {
			if markErr := c.queue.MarkAttempt(op, opErr); markErr != nil {
				c.logger.Error("failed to reschedule operation", "operation_id", op.OperationID, "error", markErr)
			}
			if firstErr == nil {
				firstErr = opErr
			}
			if errors.Is(opErr, remote.ErrNetworkUnavailable) {
				// No point hammering the rest of the drain offline. The
				// unattempted remainder goes back to the queue so the next
				// cycle can claim it.
				c.releaseOps(ops[i+1:])
				return opErr
			}
		}
	}
	return firstErr
}

func (c *Coordinator) releaseOps(ops []types.PendingOperation) {
	for _, op := range ops {
		c.queue.Release(op)
	}
}

func (c *Coordinator) pushUpsert(ctx context.Context, op types.PendingOperation) error {
	req := boardsync.WriteRequest{PushID: op.OperationID}
	switch op.EntityKind {
	case types.KindTask:
		var payload types.TaskPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			// Corrupt payload can never succeed; drop it.
			c.logger.Error("dropping corrupt pending payload", "operation_id", op.OperationID, "error", err)
			return c.queue.Ack(op)
		}
		req.Tasks = []types.TaskPayload{payload}
	case types.KindConnection:
		var payload types.ConnectionPayload
		if err := json.Unmarshal(op.Payload, &payload); err != nil {
			c.logger.Error("dropping corrupt pending payload", "operation_id", op.OperationID, "error", err)
			return c.queue.Ack(op)
		}
		req.Connections = []types.ConnectionPayload{payload}
	default:
		return fmt.Errorf("unknown entity kind %q", op.EntityKind)
	}

	resp, err := c.remote.BulkWrite(ctx, c.collectionID, req)
	if errors.Is(err, remote.ErrVersionConflict) {
		return c.resolveConflict(ctx, op)
	}
	if err != nil {
		return err
	}

	// Rows dropped for tombstones are acknowledged like successes: the
	// entity is gone and the write must not retry forever.
	for _, dropped := range resp.Dropped {
		c.logger.Debug("write dropped for tombstoned entity", "action", "push", "entity_id", dropped)
	}

	// Adopt the server-assigned version and timestamp locally so the
	// next edit carries them.
	for _, row := range resp.Rows {
		c.adoptWrittenRow(row)
	}
	return c.queue.Ack(op)
}

func (c *Coordinator) pushDelete(ctx context.Context, op types.PendingOperation) error {
	resp, err := c.remote.Purge(ctx, c.collectionID, []string{op.EntityID})
	if err != nil {
		return err
	}
	if len(resp.AttachmentKeys) > 0 {
		c.logger.Info("purge released attachments",
			"action", "purge",
			"entity_id", op.EntityID,
			"attachment_keys", len(resp.AttachmentKeys),
		)
	}
	return c.queue.Ack(op)
}

// resolveConflict handles a version-conflict rejection: pull the
// current remote state (the resolver folds it into the local row),
// then re-enqueue the merged row under a fresh operation id.
func (c *Coordinator) resolveConflict(ctx context.Context, op types.PendingOperation) error {
	c.logger.Warn("version conflict, re-resolving",
		"action", "push",
		"operation_id", op.OperationID,
		"entity_id", op.EntityID,
	)

	if err := c.PullRemote(ctx); err != nil {
		return fmt.Errorf("%w: re-fetch failed: %v", remote.ErrVersionConflict, err)
	}
	if err := c.queue.Ack(op); err != nil {
		return err
	}

	switch op.EntityKind {
	case types.KindTask:
		task, err := c.local.GetTask(op.EntityID)
		if err != nil {
			// Entity vanished remotely; nothing left to push.
			if errors.Is(err, cache.ErrNotFound) {
				return nil
			}
			return err
		}
		payload := task.FullPayload()
		_, err = c.queue.Enqueue(op.EntityID, types.OpUpsert, types.KindTask, payload)
		return err
	case types.KindConnection:
		conn, err := c.local.GetConnection(op.EntityID)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				return nil
			}
			return err
		}
		payload := conn.FullPayload()
		_, err = c.queue.Enqueue(op.EntityID, types.OpUpsert, types.KindConnection, payload)
		return err
	}
	return nil
}

func (c *Coordinator) adoptWrittenRow(row boardsync.WrittenRow) {
	switch row.Kind {
	case types.KindTask:
		task, err := c.local.GetTask(row.ID)
		if err != nil {
			return
		}
		task.Version = row.Version
		task.UpdatedAt = row.UpdatedAt
		if err := c.local.UpsertTask(*task); err != nil {
			c.logger.Error("failed to adopt written row", "entity_id", row.ID, "error", err)
		}
	case types.KindConnection:
		conn, err := c.local.GetConnection(row.ID)
		if err != nil {
			return
		}
		conn.Version = row.Version
		conn.UpdatedAt = row.UpdatedAt
		if err := c.local.UpsertConnection(*conn); err != nil {
			c.logger.Error("failed to adopt written row", "entity_id", row.ID, "error", err)
		}
	}
}

// PullRemote pages the delta feed from the cursor, folds tombstones
// into the registry, resolves each row against local state, and
// advances the cursor to the newest timestamp observed.
func (c *Coordinator) PullRemote(ctx context.Context) error {
	cursor, err := c.local.Cursor()
	if err != nil {
		return fmt.Errorf("read cursor: %w", err)
	}

	for {
		resp, err := c.remote.Delta(ctx, c.collectionID, cursor, c.deltaLimit)
		if err != nil {
			return err
		}

		if err := c.applyDelta(resp); err != nil {
			return err
		}

		next := maxTimestamp(cursor, resp)
		if next.After(cursor) {
			cursor = next
			if err := c.local.SetCursor(cursor); err != nil {
				return fmt.Errorf("advance cursor: %w", err)
			}
		}

		if !resp.HasMore {
			return nil
		}
	}
}

func (c *Coordinator) applyDelta(resp *boardsync.DeltaResponse) error {
	if err := c.tombstones.Observe(resp.Tombstones); err != nil {
		return fmt.Errorf("observe tombstones: %w", err)
	}
	for _, ts := range resp.Tombstones {
		var err error
		switch ts.Kind {
		case types.KindConnection:
			err = c.local.DeleteConnection(ts.EntityID)
		default:
			err = c.local.DeleteTask(ts.EntityID)
		}
		if err != nil {
			return fmt.Errorf("apply tombstone %s: %w", ts.EntityID, err)
		}
	}

	for i := range resp.Tasks {
		if err := c.applyRemoteTask(resp.Tasks[i]); err != nil {
			return err
		}
	}
	for i := range resp.Connections {
		if err := c.applyRemoteConnection(resp.Connections[i]); err != nil {
			return err
		}
	}
	return nil
}

func (c *Coordinator) applyRemoteTask(payload types.TaskPayload) error {
	if c.tombstones.IsTombstoned(payload.ID) {
		c.logger.Debug("remote upsert dropped for tombstoned entity",
			"action", "pull", "entity_id", payload.ID)
		return nil
	}

	local, err := c.local.GetTask(payload.ID)
	if errors.Is(err, cache.ErrNotFound) {
		return c.local.UpsertTask(taskFromPayload(payload))
	}
	if err != nil {
		return err
	}

	merged, protections := c.resolver.ResolveTask(*local, payload)
	for _, p := range protections {
		c.logger.Debug("pull kept local value",
			"action", "pull", "entity_id", p.EntityID, "field", p.Field, "rule", string(p.Rule))
	}
	return c.local.UpsertTask(merged)
}

func (c *Coordinator) applyRemoteConnection(payload types.ConnectionPayload) error {
	if c.tombstones.IsTombstoned(payload.ID) {
		c.logger.Debug("remote upsert dropped for tombstoned entity",
			"action", "pull", "entity_id", payload.ID)
		return nil
	}

	local, err := c.local.GetConnection(payload.ID)
	if errors.Is(err, cache.ErrNotFound) {
		return c.local.UpsertConnection(connectionFromPayload(payload))
	}
	if err != nil {
		return err
	}

	merged, _ := c.resolver.ResolveConnection(*local, payload)
	return c.local.UpsertConnection(merged)
}

// ApplyFeedEvent folds one realtime feed event into local state using
// the same tombstone and merge rules as a pull.
func (c *Coordinator) ApplyFeedEvent(event boardsync.FeedEvent) error {
	switch {
	case event.Event == boardsync.FeedDelete:
		// Deletes arrive with the prior row; the authoritative tombstone
		// comes through the next delta. Drop the local row now.
		if event.PriorTask != nil {
			return c.local.DeleteTask(event.PriorTask.ID)
		}
		if event.PriorConn != nil {
			return c.local.DeleteConnection(event.PriorConn.ID)
		}
		return nil
	case event.Task != nil:
		return c.applyRemoteTask(*event.Task)
	case event.Connection != nil:
		return c.applyRemoteConnection(*event.Connection)
	}
	return nil
}

func maxTimestamp(cursor time.Time, resp *boardsync.DeltaResponse) time.Time {
	max := cursor
	for _, t := range resp.Tasks {
		if t.UpdatedAt.After(max) {
			max = t.UpdatedAt
		}
	}
	for _, conn := range resp.Connections {
		if conn.UpdatedAt.After(max) {
			max = conn.UpdatedAt
		}
	}
	for _, ts := range resp.Tombstones {
		if ts.DeletedAt.After(max) {
			max = ts.DeletedAt
		}
	}
	return max
}

func taskFromPayload(p types.TaskPayload) types.Task {
	task := types.Task{
		ID:        p.ID,
		Status:    types.StatusOpen,
		UpdatedAt: p.UpdatedAt,
		DeletedAt: p.DeletedAt,
		Version:   p.Version,
	}
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

func connectionFromPayload(p types.ConnectionPayload) types.Connection {
	conn := types.Connection{
		ID:        p.ID,
		UpdatedAt: p.UpdatedAt,
		DeletedAt: p.DeletedAt,
		Version:   p.Version,
	}
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
