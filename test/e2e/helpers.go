package e2e

import (
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperengineering/flowsync/internal/api"
	"github.com/hyperengineering/flowsync/internal/breaker"
	"github.com/hyperengineering/flowsync/internal/cache"
	"github.com/hyperengineering/flowsync/internal/engine"
	"github.com/hyperengineering/flowsync/internal/fieldlock"
	"github.com/hyperengineering/flowsync/internal/merge"
	"github.com/hyperengineering/flowsync/internal/queue"
	"github.com/hyperengineering/flowsync/internal/remote"
	"github.com/hyperengineering/flowsync/internal/store"
	"github.com/hyperengineering/flowsync/internal/tombstone"
	"github.com/hyperengineering/flowsync/internal/types"
)

const testAPIKey = "e2e-test-key"

// startServer runs the reference remote store on an httptest listener.
func startServer(t *testing.T) *httptest.Server {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "server.db")
	db, err := store.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("open server store: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	handler := api.NewHandler(db, api.NewFeedHub(), testAPIKey, "e2e")
	srv := httptest.NewServer(api.NewRouter(handler))
	t.Cleanup(srv.Close)
	return srv
}

// agent bundles one client's full sync pipeline.
type agent struct {
	identity string
	cache    *cache.Cache
	locks    *fieldlock.Manager
	queue    *queue.RetryQueue
	guard    *breaker.Breaker
	coord    *engine.Coordinator
}

// startAgent wires a client pipeline against the given server.
func startAgent(t *testing.T, serverURL, identity string) *agent {
	return startAgentWithGuard(t, serverURL, identity, breaker.New(breaker.DefaultConfig(), nil))
}

func startAgentWithGuard(t *testing.T, serverURL, identity string, guard *breaker.Breaker) *agent {
	t.Helper()

	local, err := cache.Open(t.TempDir(), identity, nil)
	if err != nil {
		t.Fatalf("open cache for %s: %v", identity, err)
	}
	t.Cleanup(func() { local.Close() })

	client := remote.NewClient(serverURL, testAPIKey, identity, nil)
	locks := fieldlock.NewManager(fieldlock.DefaultGraceWindow, nil)
	resolver := merge.NewResolver(nil, locks, nil)

	stones, err := tombstone.NewRegistry(local, nil)
	if err != nil {
		t.Fatalf("hydrate tombstones for %s: %v", identity, err)
	}

	retryQueue := queue.New(local, 10*time.Millisecond, time.Second, nil)

	coord := engine.NewCoordinator(engine.Options{
		Local:        local,
		Resolver:     resolver,
		Tombstones:   stones,
		Queue:        retryQueue,
		Remote:       client,
		Guard:        guard,
		CollectionID: "default",
	})

	return &agent{
		identity: identity,
		cache:    local,
		locks:    locks,
		queue:    retryQueue,
		guard:    guard,
		coord:    coord,
	}
}

// editTask records a local edit and enqueues its push.
func (a *agent) editTask(t *testing.T, task types.Task) {
	t.Helper()
	task.UpdatedAt = time.Now().UTC()
	if err := a.cache.UpsertTask(task); err != nil {
		t.Fatalf("%s: upsert task: %v", a.identity, err)
	}
	if _, err := a.queue.Enqueue(task.ID, types.OpUpsert, types.KindTask, task.FullPayload()); err != nil {
		t.Fatalf("%s: enqueue: %v", a.identity, err)
	}
}

// deleteTask records a local permanent deletion and enqueues it.
func (a *agent) deleteTask(t *testing.T, id string) {
	t.Helper()
	if err := a.cache.RecordTombstone(types.Tombstone{
		EntityID:  id,
		Kind:      types.KindTask,
		DeletedAt: time.Now().UTC(),
		DeletedBy: a.identity,
	}); err != nil {
		t.Fatalf("%s: record tombstone: %v", a.identity, err)
	}
	if err := a.cache.DeleteTask(id); err != nil {
		t.Fatalf("%s: delete task: %v", a.identity, err)
	}
	if _, err := a.queue.Enqueue(id, types.OpDelete, types.KindTask, nil); err != nil {
		t.Fatalf("%s: enqueue delete: %v", a.identity, err)
	}
}
