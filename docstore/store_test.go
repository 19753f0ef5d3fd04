package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// recorder collects every change a listener sees.
type recorder struct {
	mu        sync.Mutex
	snapshots []Snapshot
	changes   []Change
	signal    chan struct{}
}

func newRecorder() *recorder {
	return &recorder{signal: make(chan struct{}, 64)}
}

func (r *recorder) listen(snapshot Snapshot) {
	r.mu.Lock()
	r.snapshots = append(r.snapshots, snapshot)
	r.changes = append(r.changes, snapshot.Changes...)
	r.mu.Unlock()

	select {
	case r.signal <- struct{}{}:
	default:
	}
}

func (r *recorder) changeCount() int {
	r.mu.Lock()

	defer r.mu.Unlock()

	return len(r.changes)
}

func (r *recorder) waitForChanges(t *testing.T, n int) []Change {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for r.changeCount() < n {
		select {
		case <-r.signal:
		case <-deadline:
			t.Fatalf("Timed out waiting for %d changes, got %d", n, r.changeCount())
		}
	}

	r.mu.Lock()

	defer r.mu.Unlock()

	out := make([]Change, len(r.changes))
	copy(out, r.changes)
	return out
}

func (r *recorder) firstSnapshot(t *testing.T) Snapshot {
	t.Helper()

	deadline := time.After(2 * time.Second)
	for {
		r.mu.Lock()
		if len(r.snapshots) > 0 {
			snapshot := r.snapshots[0]
			r.mu.Unlock()
			return snapshot
		}
		r.mu.Unlock()

		select {
		case <-r.signal:
		case <-deadline:
			t.Fatal("Timed out waiting for the first snapshot")
		}
	}
}

type storeFactory func(t *testing.T) Store

// runStoreContract exercises the behavior every backend must share.
func runStoreContract(t *testing.T, newStore storeFactory) {
	ctx := context.Background()
	path := "chatRooms/r1/channels/c1/messages"

	t.Run("SetAndGet", func(t *testing.T) {
		store := newStore(t)

		for i, createdAt := range []int64{10, 30, 20} {
			id := []string{"m1", "m3", "m2"}[i]
			if err := store.Set(ctx, path, id, map[string]interface{}{"createdAt": createdAt, "text": id}); err != nil {
				t.Fatalf("Set failed: %v", err)
			}
		}

		docs, err := store.Get(ctx, Collection(path).Order("createdAt", Descending).WithLimit(2))
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if got := ids(docs); !equalIDs(got, []string{"m3", "m2"}) {
			t.Errorf("Expected [m3 m2], got %v", got)
		}

		older, err := store.Get(ctx, Collection(path).Order("createdAt", Descending).Start(20))
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}

		if got := ids(older); !equalIDs(got, []string{"m2", "m1"}) {
			t.Errorf("Expected inclusive cursor [m2 m1], got %v", got)
		}

		docs[0].Data["text"] = "mutated"
		again, _ := store.Get(ctx, Collection(path).Order("createdAt", Descending).WithLimit(1))
		if again[0].Data["text"] != "m3" {
			t.Errorf("Expected stored data to be isolated from callers, got %v", again[0].Data["text"])
		}
	})

	t.Run("DeleteMissingIsNoop", func(t *testing.T) {
		store := newStore(t)

		if err := store.Delete(ctx, path, "ghost"); err != nil {
			t.Errorf("Expected deleting a missing document to succeed, got %v", err)
		}
	})

	t.Run("Validation", func(t *testing.T) {
		store := newStore(t)

		if err := store.Set(ctx, "", "m1", map[string]interface{}{}); !model.IsKind(err, model.KindValidation) {
			t.Errorf("Expected validation error for empty path, got %v", err)
		}

		if err := store.Set(ctx, path, "", map[string]interface{}{}); !model.IsKind(err, model.KindValidation) {
			t.Errorf("Expected validation error for empty id, got %v", err)
		}

		if _, err := store.Listen(ctx, Collection(path), nil); !model.IsKind(err, model.KindValidation) {
			t.Errorf("Expected validation error for nil listener, got %v", err)
		}

		if _, err := store.Get(ctx, Query{}); !model.IsKind(err, model.KindValidation) {
			t.Errorf("Expected validation error for empty query, got %v", err)
		}
	})

	t.Run("ListenInitialSnapshot", func(t *testing.T) {
		store := newStore(t)

		_ = store.Set(ctx, path, "m1", map[string]interface{}{"createdAt": 1})
		_ = store.Set(ctx, path, "m2", map[string]interface{}{"createdAt": 2})

		rec := newRecorder()
		unsubscribe, err := store.Listen(ctx, Collection(path).Order("createdAt", Descending), rec.listen)
		if err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		defer unsubscribe()

		first := rec.firstSnapshot(t)
		if !first.Initial {
			t.Error("Expected first snapshot to be marked initial")
		}

		if len(first.Changes) != 2 {
			t.Fatalf("Expected 2 changes in first snapshot, got %d", len(first.Changes))
		}

		for _, change := range first.Changes {
			if change.Type != model.Added {
				t.Errorf("Expected initial changes to be added, got %s", change.Type)
			}
		}

		if got := ids(first.Docs); !equalIDs(got, []string{"m2", "m1"}) {
			t.Errorf("Expected [m2 m1], got %v", got)
		}
	})

	t.Run("ListenChanges", func(t *testing.T) {
		store := newStore(t)

		_ = store.Set(ctx, path, "m1", map[string]interface{}{"createdAt": 1, "text": "one"})

		rec := newRecorder()
		unsubscribe, err := store.Listen(ctx, Collection(path).Order("createdAt", Descending), rec.listen)
		if err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		defer unsubscribe()

		rec.waitForChanges(t, 1)
		settle()

		if err := store.Set(ctx, path, "m2", map[string]interface{}{"createdAt": 2, "text": "two"}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		changes := rec.waitForChanges(t, 2)
		if changes[1].Type != model.Added || changes[1].Doc.ID != "m2" {
			t.Errorf("Expected m2 added, got %s %s", changes[1].Type, changes[1].Doc.ID)
		}

		if err := store.Set(ctx, path, "m1", map[string]interface{}{"createdAt": 1, "text": "edited"}); err != nil {
			t.Fatalf("Set failed: %v", err)
		}
		changes = rec.waitForChanges(t, 3)
		if changes[2].Type != model.Modified || changes[2].Doc.Data["text"] != "edited" {
			t.Errorf("Expected m1 modified, got %s %v", changes[2].Type, changes[2].Doc.Data)
		}

		if err := store.Delete(ctx, path, "m2"); err != nil {
			t.Fatalf("Delete failed: %v", err)
		}
		changes = rec.waitForChanges(t, 4)
		if changes[3].Type != model.Removed || changes[3].Doc.ID != "m2" {
			t.Errorf("Expected m2 removed, got %s %s", changes[3].Type, changes[3].Doc.ID)
		}
	})

	t.Run("ListenLimitWindow", func(t *testing.T) {
		store := newStore(t)

		_ = store.Set(ctx, path, "m1", map[string]interface{}{"createdAt": 1})

		rec := newRecorder()
		unsubscribe, err := store.Listen(ctx, Collection(path).Order("createdAt", Descending).WithLimit(1), rec.listen)
		if err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		defer unsubscribe()

		rec.waitForChanges(t, 1)
		settle()

		_ = store.Set(ctx, path, "m2", map[string]interface{}{"createdAt": 2})

		changes := rec.waitForChanges(t, 2)
		settle()

		if rec.changeCount() != 2 {
			t.Errorf("Expected no removal for the document pushed out by the limit, got %d changes", rec.changeCount())
		}

		if changes[1].Type != model.Added || changes[1].Doc.ID != "m2" {
			t.Errorf("Expected m2 added, got %s %s", changes[1].Type, changes[1].Doc.ID)
		}
	})

	t.Run("ListenWhereClause", func(t *testing.T) {
		store := newStore(t)
		reactions := "reactions"

		rec := newRecorder()
		unsubscribe, err := store.Listen(ctx, Collection(reactions).Where("userId", "==", "u1"), rec.listen)
		if err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		defer unsubscribe()

		rec.firstSnapshot(t)
		settle()

		_ = store.Set(ctx, reactions, "r-other", map[string]interface{}{"userId": "u2", "reaction": "like"})
		_ = store.Set(ctx, reactions, "r-mine", map[string]interface{}{"userId": "u1", "reaction": "love"})

		changes := rec.waitForChanges(t, 1)
		if changes[0].Doc.ID != "r-mine" {
			t.Errorf("Expected only r-mine, got %s", changes[0].Doc.ID)
		}
	})

	t.Run("Unsubscribe", func(t *testing.T) {
		store := newStore(t)

		rec := newRecorder()
		unsubscribe, err := store.Listen(ctx, Collection(path), rec.listen)
		if err != nil {
			t.Fatalf("Listen failed: %v", err)
		}
		rec.firstSnapshot(t)

		unsubscribe()
		unsubscribe()

		_ = store.Set(ctx, path, "m1", map[string]interface{}{"createdAt": 1})
		settle()

		if rec.changeCount() != 0 {
			t.Errorf("Expected no changes after unsubscribe, got %d", rec.changeCount())
		}
	})

	t.Run("Close", func(t *testing.T) {
		store := newStore(t)

		if err := store.Close(); err != nil {
			t.Fatalf("Close failed: %v", err)
		}

		if err := store.Close(); err != nil {
			t.Errorf("Expected second close to succeed, got %v", err)
		}

		if err := store.Set(ctx, path, "m1", map[string]interface{}{}); !model.IsKind(err, model.KindClosed) {
			t.Errorf("Expected closed error, got %v", err)
		}

		if _, err := store.Listen(ctx, Collection(path), func(Snapshot) {}); !model.IsKind(err, model.KindClosed) {
			t.Errorf("Expected closed error, got %v", err)
		}
	})
}

// settle gives asynchronous notifications time to arrive.
func settle() {
	time.Sleep(100 * time.Millisecond)
}
