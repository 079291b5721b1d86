// Package fieldlock tracks which entity fields the user is actively
// editing so remote merges never clobber in-progress typing. Each
// (entity, field) pair moves through unlocked -> focused -> grace ->
// unlocked; a refocus during the grace window returns to focused.
package fieldlock

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultGraceWindow is how long a lock lingers after blur.
const DefaultGraceWindow = 5 * time.Second

type lockState int

const (
	stateUnlocked lockState = iota
	stateFocused
	stateGrace
)

type lockKey struct {
	entityID string
	field    string
}

type lock struct {
	state     lockState
	graceFrom time.Time
}

// Manager tracks field locks for one editing session. Safe for
// concurrent use.
type Manager struct {
	mu     sync.Mutex
	locks  map[lockKey]*lock
	grace  time.Duration
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a manager with the given grace window. A
// non-positive grace falls back to the default.
func NewManager(grace time.Duration, logger *slog.Logger) *Manager {
	if grace <= 0 {
		grace = DefaultGraceWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		locks:  make(map[lockKey]*lock),
		grace:  grace,
		now:    time.Now,
		logger: logger.With("component", "fieldlock"),
	}
}

// SetClock replaces the time source. Tests only.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Acquire marks a field as focused. Refocusing during grace revives the
// focus; the grace timer is discarded.
func (m *Manager) Acquire(entityID, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey{entityID, field}
	l, ok := m.locks[key]
	if !ok {
		l = &lock{}
		m.locks[key] = l
	}
	l.state = stateFocused
	l.graceFrom = time.Time{}
}

// Touch refreshes a focused lock on keystroke. A keystroke landing
// during grace re-acquires; a keystroke on an unlocked field acquires
// (focus events can race ahead of input events).
func (m *Manager) Touch(entityID, field string) {
	m.Acquire(entityID, field)
}

// Release moves a focused field into its grace window. Releasing an
// already-unlocked field is a no-op.
func (m *Manager) Release(entityID, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey{entityID, field}
	l, ok := m.locks[key]
	if !ok || l.state == stateUnlocked {
		return
	}
	l.state = stateGrace
	l.graceFrom = m.now()
}

// IsLocked reports whether the field is focused or inside its grace
// window. Expired grace entries are collected on read.
func (m *Manager) IsLocked(entityID, field string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := lockKey{entityID, field}
	l, ok := m.locks[key]
	if !ok {
		return false
	}
	switch l.state {
	case stateFocused:
		return true
	case stateGrace:
		if m.now().Sub(l.graceFrom) < m.grace {
			return true
		}
		delete(m.locks, key)
		return false
	default:
		delete(m.locks, key)
		return false
	}
}

// LockedFields returns the locked field names for an entity. The merge
// path uses it to protect several fields in one pass.
func (m *Manager) LockedFields(entityID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var fields []string
	for key, l := range m.locks {
		if key.entityID != entityID {
			continue
		}
		switch l.state {
		case stateFocused:
			fields = append(fields, key.field)
		case stateGrace:
			if now.Sub(l.graceFrom) < m.grace {
				fields = append(fields, key.field)
			} else {
				delete(m.locks, key)
			}
		}
	}
	return fields
}

// ReleaseAll drops every lock for an entity, e.g. when its editor
// closes.
func (m *Manager) ReleaseAll(entityID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key := range m.locks {
		if key.entityID == entityID {
			delete(m.locks, key)
		}
	}
}
