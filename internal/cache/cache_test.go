package cache

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/snappyhq/snappy-go/internal/models"
)

func TestKeyCanonicalForm(t *testing.T) {
	plain := NewKey("todos", nil)
	if plain.String() != "todos" {
		t.Errorf("plain key = %q, want todos", plain.String())
	}

	a := NewKey("todos", map[string]string{"status": "done", "list_id": "l1"})
	b := NewKey("todos", map[string]string{"list_id": "l1", "status": "done"})
	if a.String() != b.String() {
		t.Errorf("filter order should not matter: %q vs %q", a.String(), b.String())
	}
}

func TestBeginMutationAndRollback(t *testing.T) {
	s := NewStore(time.Minute)
	key := NewKey("todos", nil)

	before := []models.Task{{ID: "a", Title: "one"}}
	s.CompleteRefetch(s.StartRefetch(context.Background(), key), key, before)

	after := []models.Task{{ID: "b", Title: "two"}, {ID: "a", Title: "one"}}
	undo := s.BeginMutation(key, after)

	if v, _ := s.Get(key); !reflect.DeepEqual(v, after) {
		t.Fatal("optimistic value should be visible immediately")
	}

	if !s.Rollback(undo) {
		t.Fatal("rollback should apply")
	}
	v, ok := s.Get(key)
	if !ok || !reflect.DeepEqual(v, before) {
		t.Errorf("rollback should restore the exact snapshot, got %v", v)
	}
}

func TestRollbackOfFreshEntryRemovesIt(t *testing.T) {
	s := NewStore(time.Minute)
	key := NewKey("todos", map[string]string{"status": "todo"})

	undo := s.BeginMutation(key, []models.Task{{ID: "temp-1"}})
	if !s.Rollback(undo) {
		t.Fatal("rollback should apply")
	}
	if _, ok := s.Get(key); ok {
		t.Error("entry that did not exist before the mutation should be gone")
	}
}

func TestRollbackSupersededByLaterWrite(t *testing.T) {
	s := NewStore(time.Minute)
	key := NewKey("todos", nil)

	undoA := s.BeginMutation(key, []models.Task{{ID: "a"}})
	s.BeginMutation(key, []models.Task{{ID: "a"}, {ID: "b"}})

	if s.Rollback(undoA) {
		t.Fatal("rollback of a superseded write should be refused")
	}
	v, _ := s.Get(key)
	if len(v.([]models.Task)) != 2 {
		t.Error("the later write should survive")
	}
}

func TestStaleness(t *testing.T) {
	s := NewStore(time.Minute)
	key := NewKey("todos", nil)

	if !s.Stale(key) {
		t.Error("missing entry should read as stale")
	}

	now := time.Now()
	s.SetNow(func() time.Time { return now })
	s.CompleteRefetch(s.StartRefetch(context.Background(), key), key, []models.Task{})

	if s.Stale(key) {
		t.Error("freshly fetched entry should not be stale")
	}

	s.Invalidate(key)
	if !s.Stale(key) {
		t.Error("invalidated entry should be stale")
	}

	s.CompleteRefetch(s.StartRefetch(context.Background(), key), key, []models.Task{})
	s.SetNow(func() time.Time { return now.Add(2 * time.Minute) })
	if !s.Stale(key) {
		t.Error("entry past its freshness window should be stale")
	}
}

func TestInvalidateEntity(t *testing.T) {
	s := NewStore(time.Minute)
	k1 := NewKey("todos", nil)
	k2 := NewKey("todos", map[string]string{"status": "done"})
	k3 := NewKey("lists", nil)

	for _, k := range []Key{k1, k2, k3} {
		s.CompleteRefetch(s.StartRefetch(context.Background(), k), k, []models.Task{})
	}

	s.InvalidateEntity("todos")
	if !s.Stale(k1) || !s.Stale(k2) {
		t.Error("every todos key should be stale")
	}
	if s.Stale(k3) {
		t.Error("lists key should be untouched")
	}
}

func TestMutationCancelsRefetch(t *testing.T) {
	s := NewStore(time.Minute)
	key := NewKey("todos", nil)

	fetchCtx := s.StartRefetch(context.Background(), key)
	optimistic := []models.Task{{ID: "temp-1", Title: "new"}}
	s.BeginMutation(key, optimistic)

	if fetchCtx.Err() == nil {
		t.Fatal("in-flight refetch should be cancelled by the mutation")
	}
	// A stale response arriving late must not clobber the optimistic
	// value.
	if s.CompleteRefetch(fetchCtx, key, []models.Task{{ID: "old"}}) {
		t.Fatal("cancelled refetch should be discarded")
	}
	v, _ := s.Get(key)
	if !reflect.DeepEqual(v, optimistic) {
		t.Error("optimistic value should survive the stale response")
	}
}

func TestNewRefetchCancelsPrevious(t *testing.T) {
	s := NewStore(time.Minute)
	key := NewKey("todos", nil)

	first := s.StartRefetch(context.Background(), key)
	second := s.StartRefetch(context.Background(), key)

	if first.Err() == nil {
		t.Error("first refetch should be cancelled by the second")
	}
	if !s.CompleteRefetch(second, key, []models.Task{}) {
		t.Error("second refetch should complete")
	}
}
