package engine

import (
	"testing"

	"github.com/hyperengineering/flowsync/internal/types"
)

func TestStatusBoardStartsIdle(t *testing.T) {
	b := NewStatusBoard()
	if got := b.Get().State; got != types.SyncIdle {
		t.Errorf("initial state = %q, want idle", got)
	}
}

func TestStatusBoardNotifiesSubscribers(t *testing.T) {
	b := NewStatusBoard()
	ch, cancel := b.Subscribe()
	defer cancel()

	b.update(func(s *types.SyncStatus) {
		s.State = types.SyncSyncing
		s.PendingCount = 3
	})

	select {
	case got := <-ch:
		if got.State != types.SyncSyncing {
			t.Errorf("state = %q, want syncing", got.State)
		}
		if got.PendingCount != 3 {
			t.Errorf("pending = %d, want 3", got.PendingCount)
		}
	default:
		t.Fatal("no snapshot delivered")
	}
}

func TestStatusBoardCancelStopsDelivery(t *testing.T) {
	b := NewStatusBoard()
	ch, cancel := b.Subscribe()
	cancel()

	// Channel is closed; updates after cancel must not panic.
	b.update(func(s *types.SyncStatus) { s.State = types.SyncError })

	if _, ok := <-ch; ok {
		t.Error("read after cancel returned a value, want closed channel")
	}
	// Double cancel is a no-op.
	cancel()
}

func TestStatusBoardSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewStatusBoard()
	_, cancel := b.Subscribe()
	defer cancel()

	// More updates than the channel buffers; update must never stall.
	for i := 0; i < 100; i++ {
		b.update(func(s *types.SyncStatus) { s.PendingCount = i })
	}
	if got := b.Get().PendingCount; got != 99 {
		t.Errorf("pending = %d, want latest value via Get", got)
	}
}
