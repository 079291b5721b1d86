package engine

import (
	"sync"

	"github.com/hyperengineering/flowsync/internal/types"
)

// StatusBoard holds the observable sync status and fans changes out to
// subscribers. All mutation goes through the coordinator; everyone else
// reads or subscribes.
type StatusBoard struct {
	mu     sync.RWMutex
	status types.SyncStatus
	subs   map[int]chan types.SyncStatus
	nextID int
}

// NewStatusBoard creates a board in the idle state.
func NewStatusBoard() *StatusBoard {
	return &StatusBoard{
		status: types.SyncStatus{State: types.SyncIdle},
		subs:   make(map[int]chan types.SyncStatus),
	}
}

// Get returns the current status snapshot.
func (b *StatusBoard) Get() types.SyncStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.status
}

// Subscribe returns a channel of status snapshots and a cancel func.
// Slow subscribers miss intermediate snapshots rather than blocking the
// sync loop; the latest state is always retrievable via Get.
func (b *StatusBoard) Subscribe() (<-chan types.SyncStatus, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	ch := make(chan types.SyncStatus, 8)
	b.subs[id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// update applies a mutation and notifies subscribers. Sends happen
// under the lock so a concurrent cancel cannot close a channel
// mid-notify; they are non-blocking, so the lock is held briefly.
func (b *StatusBoard) update(mutate func(*types.SyncStatus)) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mutate(&b.status)
	snapshot := b.status
	for _, ch := range b.subs {
		select {
		case ch <- snapshot:
		default:
		}
	}
}
