// Package syncer keeps the local cache in step with the server. Every
// mutation follows the same protocol: cancel stale refetches and write
// an optimistic value, dispatch the request, roll back the snapshot on
// failure, and mark the affected keys stale so the next read
// reconciles against authoritative state.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/snappyhq/snappy-go/internal/api"
	"github.com/snappyhq/snappy-go/internal/cache"
	"github.com/snappyhq/snappy-go/internal/gateway"
	"github.com/snappyhq/snappy-go/internal/models"
)

const (
	entityTodos = "todos"
	entityLists = "lists"
)

// Backend is the server surface the controller dispatches to,
// implemented by *api.Client.
type Backend interface {
	ListTodos(ctx context.Context, f api.TaskFilter) ([]models.Task, error)
	CreateTodo(ctx context.Context, draft api.TaskDraft) (*models.Task, error)
	UpdateTodo(ctx context.Context, id string, patch api.TaskPatch) (*models.Task, error)
	DeleteTodo(ctx context.Context, id string) error
	ListLists(ctx context.Context) ([]models.List, error)
	CreateList(ctx context.Context, draft api.ListDraft) (*models.List, error)
	UpdateList(ctx context.Context, id string, patch api.ListPatch) (*models.List, error)
	DeleteList(ctx context.Context, id string) error
}

// Snapshotter persists the last server-confirmed state for offline
// reads. Optional.
type Snapshotter interface {
	SaveTasks(tasks []models.Task) error
	LoadTasks() ([]models.Task, error)
	SaveLists(lists []models.List) error
	LoadLists() ([]models.List, error)
}

// Controller owns the cache. All task and list reads and writes go
// through it.
type Controller struct {
	backend Backend
	cache   *cache.Store
	snap    Snapshotter
	now     func() time.Time

	pendingMu      sync.Mutex
	inflightCreate map[string]bool // temp ids whose create dispatch has not settled
	deletedPending map[string]bool // temp ids deleted before create confirmed
}

// New creates a controller. snap may be nil to disable offline
// snapshots.
func New(backend Backend, store *cache.Store, snap Snapshotter) *Controller {
	return &Controller{
		backend:        backend,
		cache:          store,
		snap:           snap,
		now:            time.Now,
		inflightCreate: make(map[string]bool),
		deletedPending: make(map[string]bool),
	}
}

// SetNow overrides the clock (tests).
func (c *Controller) SetNow(now func() time.Time) {
	c.now = now
}

func todosKey(f api.TaskFilter) cache.Key {
	return cache.NewKey(entityTodos, f.Params())
}

func listsKey() cache.Key {
	return cache.NewKey(entityLists, nil)
}

// filterOf reconstructs the task filter a cached key was built from.
func filterOf(k cache.Key) api.TaskFilter {
	return api.TaskFilter{
		Status: models.TaskStatus(k.Filter["status"]),
		ListID: k.Filter["list_id"],
	}
}

// Todos returns tasks matching the filter, serving fresh cache hits
// directly and otherwise running a reconciling refetch. On fetch
// failure it falls back to stale cache, then the offline snapshot.
func (c *Controller) Todos(ctx context.Context, f api.TaskFilter) ([]models.Task, error) {
	key := todosKey(f)
	if !c.cache.Stale(key) {
		if v, ok := c.cache.Get(key); ok {
			return models.CloneTasks(v.([]models.Task)), nil
		}
	}

	fetchCtx := c.cache.StartRefetch(ctx, key)
	tasks, err := c.backend.ListTodos(fetchCtx, f)
	if err != nil {
		if v, ok := c.cache.Get(key); ok {
			return models.CloneTasks(v.([]models.Task)), nil
		}
		if c.snap != nil && gateway.IsKind(err, gateway.KindNetwork) {
			if cached, serr := c.snap.LoadTasks(); serr == nil {
				return filterTasks(cached, f), nil
			}
		}
		return nil, err
	}

	if !c.cache.CompleteRefetch(fetchCtx, key, tasks) {
		// A mutation cancelled this refetch; its optimistic value wins.
		if v, ok := c.cache.Get(key); ok {
			return models.CloneTasks(v.([]models.Task)), nil
		}
	}
	if c.snap != nil && f == (api.TaskFilter{}) {
		_ = c.snap.SaveTasks(tasks)
	}
	return models.CloneTasks(tasks), nil
}

// Lists returns the user's lists with the same read-through protocol
// as Todos.
func (c *Controller) Lists(ctx context.Context) ([]models.List, error) {
	key := listsKey()
	if !c.cache.Stale(key) {
		if v, ok := c.cache.Get(key); ok {
			return models.CloneLists(v.([]models.List)), nil
		}
	}

	fetchCtx := c.cache.StartRefetch(ctx, key)
	lists, err := c.backend.ListLists(fetchCtx)
	if err != nil {
		if v, ok := c.cache.Get(key); ok {
			return models.CloneLists(v.([]models.List)), nil
		}
		if c.snap != nil && gateway.IsKind(err, gateway.KindNetwork) {
			if cached, serr := c.snap.LoadLists(); serr == nil {
				return cached, nil
			}
		}
		return nil, err
	}

	if !c.cache.CompleteRefetch(fetchCtx, key, lists) {
		if v, ok := c.cache.Get(key); ok {
			return models.CloneLists(v.([]models.List)), nil
		}
	}
	if c.snap != nil {
		_ = c.snap.SaveLists(lists)
	}
	return models.CloneLists(lists), nil
}

func filterTasks(tasks []models.Task, f api.TaskFilter) []models.Task {
	var out []models.Task
	for _, t := range tasks {
		if f.Matches(t) {
			out = append(out, t.Clone())
		}
	}
	return out
}

// mutateTasks runs the optimistic protocol over every cached todos
// key: apply synthesizes the post-mutation value per key (returning
// false to leave a key untouched), dispatch performs the server call.
// Rollback on failure restores each key's own snapshot; settle marks
// the whole entity stale either way.
func (c *Controller) mutateTasks(ctx context.Context, apply func(f api.TaskFilter, cur []models.Task) ([]models.Task, bool), dispatch func(ctx context.Context) error) error {
	keys := c.cache.Keys(entityTodos)

	// Seed the unfiltered key so a mutation on a cold cache still
	// shows up immediately.
	seen := false
	for _, k := range keys {
		if len(k.Filter) == 0 {
			seen = true
			break
		}
	}
	if !seen {
		keys = append(keys, todosKey(api.TaskFilter{}))
	}

	var undos []cache.UndoEntry
	for _, k := range keys {
		var cur []models.Task
		if v, ok := c.cache.Get(k); ok {
			cur = v.([]models.Task)
		}
		next, changed := apply(filterOf(k), cur)
		if !changed {
			continue
		}
		undos = append(undos, c.cache.BeginMutation(k, next))
	}

	err := dispatch(ctx)
	if err != nil {
		for _, u := range undos {
			c.cache.Rollback(u)
		}
	}
	c.cache.InvalidateEntity(entityTodos)
	return err
}

// mutateLists is the single-key counterpart of mutateTasks.
func (c *Controller) mutateLists(ctx context.Context, apply func(cur []models.List) []models.List, dispatch func(ctx context.Context) error) error {
	key := listsKey()
	var cur []models.List
	if v, ok := c.cache.Get(key); ok {
		cur = v.([]models.List)
	}
	undo := c.cache.BeginMutation(key, apply(cur))

	err := dispatch(ctx)
	if err != nil {
		c.cache.Rollback(undo)
	}
	c.cache.Invalidate(key)
	return err
}
