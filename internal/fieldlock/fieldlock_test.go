package fieldlock

import (
	"testing"
	"time"
)

const entityID = "01HQZX3VJ4N5P6Q7R8S9T0V1W2"

func newTestManager(grace time.Duration) (*Manager, *time.Time) {
	m := NewManager(grace, nil)
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	m.SetClock(func() time.Time { return current })
	return m, &current
}

func TestUnlockedByDefault(t *testing.T) {
	m, _ := newTestManager(5 * time.Second)
	if m.IsLocked(entityID, "title") {
		t.Error("field locked before any acquire")
	}
}

func TestAcquireLocks(t *testing.T) {
	m, _ := newTestManager(5 * time.Second)
	m.Acquire(entityID, "title")

	if !m.IsLocked(entityID, "title") {
		t.Error("focused field not locked")
	}
	if m.IsLocked(entityID, "content") {
		t.Error("sibling field locked")
	}
	if m.IsLocked("01HQZX3VJ4N5P6Q7R8S9T0V1W3", "title") {
		t.Error("same field on another entity locked")
	}
}

func TestReleaseEntersGraceThenExpires(t *testing.T) {
	m, current := newTestManager(5 * time.Second)
	m.Acquire(entityID, "title")
	m.Release(entityID, "title")

	if !m.IsLocked(entityID, "title") {
		t.Error("field unlocked immediately on release; want grace window")
	}

	*current = current.Add(4 * time.Second)
	if !m.IsLocked(entityID, "title") {
		t.Error("field unlocked inside grace window")
	}

	*current = current.Add(2 * time.Second)
	if m.IsLocked(entityID, "title") {
		t.Error("field still locked after grace expiry")
	}
}

func TestRefocusDuringGrace(t *testing.T) {
	m, current := newTestManager(5 * time.Second)
	m.Acquire(entityID, "title")
	m.Release(entityID, "title")

	*current = current.Add(3 * time.Second)
	m.Acquire(entityID, "title")

	// Well past the original grace deadline: refocus must have cleared it.
	*current = current.Add(time.Hour)
	if !m.IsLocked(entityID, "title") {
		t.Error("refocused field lost its lock")
	}
}

func TestTouchReacquires(t *testing.T) {
	m, current := newTestManager(5 * time.Second)
	m.Acquire(entityID, "content")
	m.Release(entityID, "content")

	*current = current.Add(2 * time.Second)
	m.Touch(entityID, "content")

	*current = current.Add(time.Minute)
	if !m.IsLocked(entityID, "content") {
		t.Error("touched field not focused")
	}
}

func TestReleaseUnknownFieldIsNoop(t *testing.T) {
	m, _ := newTestManager(5 * time.Second)
	m.Release(entityID, "title")
	if m.IsLocked(entityID, "title") {
		t.Error("release of unknown field created a lock")
	}
}

func TestLockedFields(t *testing.T) {
	m, current := newTestManager(5 * time.Second)
	m.Acquire(entityID, "title")
	m.Acquire(entityID, "content")
	m.Release(entityID, "content")

	fields := m.LockedFields(entityID)
	if len(fields) != 2 {
		t.Fatalf("locked fields = %v, want title and content", fields)
	}

	*current = current.Add(10 * time.Second)
	fields = m.LockedFields(entityID)
	if len(fields) != 1 || fields[0] != "title" {
		t.Errorf("locked fields after grace = %v, want [title]", fields)
	}
}

func TestReleaseAll(t *testing.T) {
	m, _ := newTestManager(5 * time.Second)
	m.Acquire(entityID, "title")
	m.Acquire(entityID, "content")
	m.ReleaseAll(entityID)

	if m.IsLocked(entityID, "title") || m.IsLocked(entityID, "content") {
		t.Error("ReleaseAll left locks behind")
	}
}

func TestDefaultGraceApplied(t *testing.T) {
	m := NewManager(0, nil)
	if m.grace != DefaultGraceWindow {
		t.Errorf("grace = %v, want default %v", m.grace, DefaultGraceWindow)
	}
}
