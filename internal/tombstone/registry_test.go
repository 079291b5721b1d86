package tombstone

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hyperengineering/flowsync/internal/types"
)

const entityID = "01HQZX3VJ4N5P6Q7R8S9T0V1W2"

type mockPersister struct {
	mu       sync.Mutex
	recorded []types.Tombstone
	existing []types.Tombstone
	err      error
}

func (m *mockPersister) RecordTombstone(ts types.Tombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.recorded = append(m.recorded, ts)
	return nil
}

func (m *mockPersister) ListTombstones() ([]types.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.existing, m.err
}

func (m *mockPersister) recordedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.recorded)
}

func TestHydratesFromPersister(t *testing.T) {
	p := &mockPersister{existing: []types.Tombstone{
		{EntityID: entityID, Kind: types.KindTask, DeletedAt: time.Now().UTC()},
	}}
	r, err := NewRegistry(p, nil)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if !r.IsTombstoned(entityID) {
		t.Error("persisted tombstone not hydrated")
	}
	if r.Count() != 1 {
		t.Errorf("count = %d", r.Count())
	}
}

func TestHydrationFailurePropagates(t *testing.T) {
	p := &mockPersister{err: errors.New("disk gone")}
	if _, err := NewRegistry(p, nil); err == nil {
		t.Fatal("NewRegistry ignored persister failure")
	}
}

func TestRecordPersistsAndMarks(t *testing.T) {
	p := &mockPersister{}
	r, _ := NewRegistry(p, nil)

	if r.IsTombstoned(entityID) {
		t.Fatal("id tombstoned before Record")
	}
	if err := r.Record(entityID, types.KindTask, "device-a"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if !r.IsTombstoned(entityID) {
		t.Error("id not tombstoned after Record")
	}
	if p.recordedCount() != 1 {
		t.Errorf("persisted = %d, want 1", p.recordedCount())
	}
	if p.recorded[0].DeletedBy != "device-a" {
		t.Errorf("deleted_by = %q", p.recorded[0].DeletedBy)
	}
}

func TestRecordTwiceIsNoop(t *testing.T) {
	p := &mockPersister{}
	r, _ := NewRegistry(p, nil)

	r.Record(entityID, types.KindTask, "device-a")
	if err := r.Record(entityID, types.KindTask, "device-b"); err != nil {
		t.Fatalf("second Record: %v", err)
	}
	if p.recordedCount() != 1 {
		t.Errorf("persisted = %d, want 1 (first deletion stands)", p.recordedCount())
	}
}

func TestObserveFoldsRemoteTombstones(t *testing.T) {
	p := &mockPersister{}
	r, _ := NewRegistry(p, nil)
	r.Record(entityID, types.KindTask, "local")

	remote := []types.Tombstone{
		{EntityID: entityID, Kind: types.KindTask, DeletedAt: time.Now().UTC(), DeletedBy: "remote"},
		{EntityID: "01HQZX3VJ4N5P6Q7R8S9T0V1W3", Kind: types.KindConnection, DeletedAt: time.Now().UTC()},
	}
	if err := r.Observe(remote); err != nil {
		t.Fatalf("Observe: %v", err)
	}

	if !r.IsTombstoned("01HQZX3VJ4N5P6Q7R8S9T0V1W3") {
		t.Error("remote tombstone not folded in")
	}
	// Only the genuinely new one is persisted again.
	if p.recordedCount() != 2 {
		t.Errorf("persisted = %d, want 2", p.recordedCount())
	}
}
