package cache

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/hyperengineering/flowsync/internal/types"
)

const (
	taskID  = "01HQZX3VJ4N5P6Q7R8S9T0V1W2"
	taskID2 = "01HQZX3VJ4N5P6Q7R8S9T0V1W3"
	connID  = "01HQZX3VJ4N5P6Q7R8S9T0V1C1"
)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := Open(t.TempDir(), "tester", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func sampleTask(id string) types.Task {
	return types.Task{
		ID:        id,
		Title:     "Design review",
		Content:   "Agenda: schema changes",
		Status:    types.StatusOpen,
		X:         120,
		Y:         -40,
		UpdatedAt: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Version:   1,
	}
}

func TestOpenRejectsBadIdentity(t *testing.T) {
	for _, identity := range []string{"", "../escape", "a/b", ".hidden"} {
		if _, err := Open(t.TempDir(), identity, nil); err == nil {
			t.Errorf("Open(%q) succeeded, want error", identity)
		}
	}
}

func TestPerIdentityIsolation(t *testing.T) {
	root := t.TempDir()
	a, err := Open(root, "alice", nil)
	if err != nil {
		t.Fatalf("Open alice: %v", err)
	}
	defer a.Close()
	b, err := Open(root, "bob", nil)
	if err != nil {
		t.Fatalf("Open bob: %v", err)
	}
	defer b.Close()

	if a.Path() == b.Path() {
		t.Fatal("identities share a database file")
	}

	if err := a.UpsertTask(sampleTask(taskID)); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}
	if _, err := b.GetTask(taskID); !errors.Is(err, ErrNotFound) {
		t.Errorf("bob sees alice's task: err = %v", err)
	}
}

func TestTaskRoundTrip(t *testing.T) {
	c := newTestCache(t)

	want := sampleTask(taskID)
	if err := c.UpsertTask(want); err != nil {
		t.Fatalf("UpsertTask: %v", err)
	}

	got, err := c.GetTask(taskID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.Title != want.Title || got.Content != want.Content || got.Status != want.Status {
		t.Errorf("got %+v", got)
	}
	if !got.UpdatedAt.Equal(want.UpdatedAt) {
		t.Errorf("updated_at = %v, want %v", got.UpdatedAt, want.UpdatedAt)
	}
	if got.X != 120 || got.Y != -40 {
		t.Errorf("position = (%v, %v)", got.X, got.Y)
	}
}

func TestSoftDeletedExcludedFromActive(t *testing.T) {
	c := newTestCache(t)

	c.UpsertTask(sampleTask(taskID))
	deleted := sampleTask(taskID2)
	deletedAt := time.Now().UTC()
	deleted.DeletedAt = &deletedAt
	c.UpsertTask(deleted)

	active, err := c.ListActiveTasks()
	if err != nil {
		t.Fatalf("ListActiveTasks: %v", err)
	}
	if len(active) != 1 || active[0].ID != taskID {
		t.Errorf("active = %+v", active)
	}

	// Still fetchable directly: soft-deleted rows remain syncable.
	got, err := c.GetTask(taskID2)
	if err != nil {
		t.Fatalf("GetTask soft-deleted: %v", err)
	}
	if got.DeletedAt == nil {
		t.Error("deleted_at lost in round trip")
	}
}

func TestConnectionRoundTrip(t *testing.T) {
	c := newTestCache(t)

	conn := types.Connection{
		ID:        connID,
		SourceID:  taskID,
		TargetID:  taskID2,
		Label:     "blocks",
		UpdatedAt: time.Now().UTC().Truncate(time.Millisecond),
		Version:   2,
	}
	if err := c.UpsertConnection(conn); err != nil {
		t.Fatalf("UpsertConnection: %v", err)
	}

	got, err := c.GetConnection(connID)
	if err != nil {
		t.Fatalf("GetConnection: %v", err)
	}
	if got.SourceID != taskID || got.TargetID != taskID2 || got.Label != "blocks" {
		t.Errorf("got %+v", got)
	}
	if got.Version != 2 {
		t.Errorf("version = %d", got.Version)
	}
}

func TestTombstonePersistence(t *testing.T) {
	c := newTestCache(t)

	ts := types.Tombstone{
		EntityID:  taskID,
		Kind:      types.KindTask,
		DeletedAt: time.Now().UTC(),
		DeletedBy: "device-a",
	}
	if err := c.RecordTombstone(ts); err != nil {
		t.Fatalf("RecordTombstone: %v", err)
	}
	// Second record is a no-op, not an error.
	if err := c.RecordTombstone(ts); err != nil {
		t.Fatalf("duplicate RecordTombstone: %v", err)
	}

	tombstones, err := c.ListTombstones()
	if err != nil {
		t.Fatalf("ListTombstones: %v", err)
	}
	if len(tombstones) != 1 || tombstones[0].EntityID != taskID {
		t.Errorf("tombstones = %+v", tombstones)
	}
	if tombstones[0].DeletedBy != "device-a" {
		t.Errorf("deleted_by = %q", tombstones[0].DeletedBy)
	}
}

func TestCursorRoundTrip(t *testing.T) {
	c := newTestCache(t)

	cursor, err := c.Cursor()
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if !cursor.IsZero() {
		t.Errorf("initial cursor = %v, want zero", cursor)
	}

	want := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	if err := c.SetCursor(want); err != nil {
		t.Fatalf("SetCursor: %v", err)
	}
	got, err := c.Cursor()
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	if !got.Equal(want) {
		t.Errorf("cursor = %v, want %v", got, want)
	}
}

func TestPendingOpLifecycle(t *testing.T) {
	c := newTestCache(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	op := types.PendingOperation{
		OperationID:   "01HQZX3VJ4N5P6Q7R8S9T0V1X0",
		EntityID:      taskID,
		Kind:          types.OpUpsert,
		EntityKind:    types.KindTask,
		Payload:       []byte(`{"id":"` + taskID + `"}`),
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	if err := c.InsertPendingOp(op); err != nil {
		t.Fatalf("InsertPendingOp: %v", err)
	}

	due, err := c.DuePendingOps(now)
	if err != nil {
		t.Fatalf("DuePendingOps: %v", err)
	}
	if len(due) != 1 || due[0].OperationID != op.OperationID {
		t.Fatalf("due = %+v", due)
	}
	if string(due[0].Payload) != string(op.Payload) {
		t.Errorf("payload = %s", due[0].Payload)
	}

	// Push back the retry; now it is no longer due.
	retryAt := now.Add(time.Minute)
	if err := c.UpdatePendingOpAttempt(op.OperationID, 1, retryAt, "connection refused"); err != nil {
		t.Fatalf("UpdatePendingOpAttempt: %v", err)
	}
	due, _ = c.DuePendingOps(now)
	if len(due) != 0 {
		t.Errorf("op due before its retry time")
	}
	due, _ = c.DuePendingOps(retryAt.Add(time.Second))
	if len(due) != 1 || due[0].AttemptCount != 1 || due[0].LastError != "connection refused" {
		t.Errorf("retried op = %+v", due)
	}

	if err := c.DeletePendingOp(op.OperationID); err != nil {
		t.Fatalf("DeletePendingOp: %v", err)
	}
	count, err := c.PendingOpCount()
	if err != nil {
		t.Fatalf("PendingOpCount: %v", err)
	}
	if count != 0 {
		t.Errorf("count = %d after ack", count)
	}
}

func TestPendingOpsSurviveReopen(t *testing.T) {
	root := t.TempDir()
	c, err := Open(root, "tester", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	now := time.Now().UTC()
	op := types.PendingOperation{
		OperationID:   "01HQZX3VJ4N5P6Q7R8S9T0V1X0",
		EntityID:      taskID,
		Kind:          types.OpDelete,
		EntityKind:    types.KindTask,
		EnqueuedAt:    now,
		NextAttemptAt: now,
	}
	if err := c.InsertPendingOp(op); err != nil {
		t.Fatalf("InsertPendingOp: %v", err)
	}
	c.Close()

	reopened, err := Open(root, "tester", nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()

	count, err := reopened.PendingOpCount()
	if err != nil {
		t.Fatalf("PendingOpCount: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d after restart, want 1", count)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestCache(t)

	src.UpsertTask(sampleTask(taskID))
	src.UpsertTask(sampleTask(taskID2))
	src.UpsertConnection(types.Connection{
		ID: connID, SourceID: taskID, TargetID: taskID2, Label: "blocks",
		UpdatedAt: time.Now().UTC(), Version: 1,
	})

	// Soft-deleted rows do not belong in an export of the active set.
	deleted := sampleTask("01HQZX3VJ4N5P6Q7R8S9T0V1W9")
	deletedAt := time.Now().UTC()
	deleted.DeletedAt = &deletedAt
	src.UpsertTask(deleted)

	var buf bytes.Buffer
	if err := src.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst, err := Open(t.TempDir(), "other", nil)
	if err != nil {
		t.Fatalf("Open dst: %v", err)
	}
	defer dst.Close()

	imported, err := dst.Import(&buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported != 3 {
		t.Errorf("imported = %d, want 3", imported)
	}

	tasks, _ := dst.ListActiveTasks()
	if len(tasks) != 2 {
		t.Errorf("tasks = %d, want 2", len(tasks))
	}
	conns, _ := dst.ListActiveConnections()
	if len(conns) != 1 || conns[0].Label != "blocks" {
		t.Errorf("connections = %+v", conns)
	}
}

func TestImportSkipsTombstonedIDs(t *testing.T) {
	src := newTestCache(t)
	src.UpsertTask(sampleTask(taskID))

	var buf bytes.Buffer
	if err := src.Export(&buf); err != nil {
		t.Fatalf("Export: %v", err)
	}

	dst, err := Open(t.TempDir(), "other", nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer dst.Close()
	dst.RecordTombstone(types.Tombstone{
		EntityID: taskID, Kind: types.KindTask, DeletedAt: time.Now().UTC(),
	})

	imported, err := dst.Import(&buf)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if imported != 0 {
		t.Errorf("imported = %d, want 0 (tombstoned)", imported)
	}
	if _, err := dst.GetTask(taskID); !errors.Is(err, ErrNotFound) {
		t.Error("tombstoned id resurrected by import")
	}
}

func TestPurgeClearsEverything(t *testing.T) {
	c := newTestCache(t)

	c.UpsertTask(sampleTask(taskID))
	c.RecordTombstone(types.Tombstone{EntityID: taskID2, Kind: types.KindTask, DeletedAt: time.Now().UTC()})
	c.SetCursor(time.Now().UTC())

	if err := c.Purge(); err != nil {
		t.Fatalf("Purge: %v", err)
	}

	if tasks, _ := c.ListActiveTasks(); len(tasks) != 0 {
		t.Error("tasks survived purge")
	}
	if tombstones, _ := c.ListTombstones(); len(tombstones) != 0 {
		t.Error("tombstones survived purge")
	}
	if cursor, _ := c.Cursor(); !cursor.IsZero() {
		t.Error("cursor survived purge")
	}
}
