package syncer

import (
	"context"
	"fmt"
	"time"

	"github.com/snappyhq/snappy-go/internal/api"
	"github.com/snappyhq/snappy-go/internal/models"
)

// applyStatus is the single place a status transition happens: moving
// to done stamps CompletedAt, moving away clears it. Both the generic
// update path and the toggle fast path go through here.
func applyStatus(t *models.Task, status models.TaskStatus, now time.Time) {
	t.Status = status
	if status == models.TaskStatusDone {
		ts := now
		t.CompletedAt = &ts
	} else {
		t.CompletedAt = nil
	}
}

// CreateTask optimistically inserts the task under a temp- id and
// dispatches the create. The returned task carries the placeholder
// id; the settle-time refetch swaps in the server-assigned one.
func (c *Controller) CreateTask(ctx context.Context, draft api.TaskDraft) (models.Task, error) {
	if draft.Title == "" {
		return models.Task{}, fmt.Errorf("task title is required")
	}

	now := c.now()
	optimistic := models.Task{
		ID:        models.NewTempID(now),
		Title:     draft.Title,
		Note:      draft.Note,
		Status:    models.TaskStatusTodo,
		Priority:  draft.Priority,
		ListID:    draft.ListID,
		CreatedAt: now,
	}

	c.pendingMu.Lock()
	c.inflightCreate[optimistic.ID] = true
	c.pendingMu.Unlock()

	err := c.mutateTasks(ctx,
		func(f api.TaskFilter, cur []models.Task) ([]models.Task, bool) {
			if !f.Matches(optimistic) {
				return nil, false
			}
			return append([]models.Task{optimistic.Clone()}, cur...), true
		},
		func(ctx context.Context) error {
			created, err := c.backend.CreateTodo(ctx, draft)

			// Settle the pending bookkeeping whatever the outcome, so
			// neither map holds this temp id past the dispatch.
			c.pendingMu.Lock()
			deleted := c.deletedPending[optimistic.ID]
			delete(c.deletedPending, optimistic.ID)
			delete(c.inflightCreate, optimistic.ID)
			c.pendingMu.Unlock()

			if err != nil {
				return err
			}
			// The user may have deleted the task while the create was
			// in flight; honor that against the confirmed id.
			if deleted {
				return c.backend.DeleteTodo(ctx, created.ID)
			}
			return nil
		},
	)
	return optimistic, err
}

// UpdateTask applies a partial update optimistically and dispatches
// the patch. Updates to a still-pending create stay local; the
// settle-time refetch reconciles them.
func (c *Controller) UpdateTask(ctx context.Context, id string, patch api.TaskPatch) error {
	now := c.now()
	return c.mutateTasks(ctx,
		func(f api.TaskFilter, cur []models.Task) ([]models.Task, bool) {
			return patchTasks(cur, id, patch, f, now)
		},
		func(ctx context.Context) error {
			if models.IsTempID(id) {
				return nil
			}
			_, err := c.backend.UpdateTodo(ctx, id, patch)
			return err
		},
	)
}

// patchTasks rewrites the slice for one cached key: the matching task
// is patched, and dropped from the slice when it no longer satisfies
// the key's filter.
func patchTasks(cur []models.Task, id string, patch api.TaskPatch, f api.TaskFilter, now time.Time) ([]models.Task, bool) {
	changed := false
	next := make([]models.Task, 0, len(cur))
	for _, t := range cur {
		if t.ID != id {
			next = append(next, t)
			continue
		}
		changed = true
		u := t.Clone()
		applyPatch(&u, patch, now)
		if f.Matches(u) {
			next = append(next, u)
		}
	}
	return next, changed
}

func applyPatch(t *models.Task, patch api.TaskPatch, now time.Time) {
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Note != nil {
		t.Note = *patch.Note
	}
	if patch.Status != nil {
		applyStatus(t, *patch.Status, now)
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.ListID != nil {
		t.ListID = *patch.ListID
	}
	if patch.Tags != nil {
		t.Tags = append([]string(nil), patch.Tags...)
	}
}

// ToggleTask flips a task between done and todo. The optimistic write
// lands synchronously, CompletedAt included, before the network call
// resolves.
func (c *Controller) ToggleTask(ctx context.Context, id string) error {
	t, ok := c.findCached(id)
	if !ok {
		return fmt.Errorf("task %s not found", id)
	}

	next := models.TaskStatusDone
	if t.Status == models.TaskStatusDone {
		next = models.TaskStatusTodo
	}
	return c.UpdateTask(ctx, id, api.TaskPatch{Status: &next})
}

// findCached scans cached todos entries for the task.
func (c *Controller) findCached(id string) (models.Task, bool) {
	for _, k := range c.cache.Keys(entityTodos) {
		v, ok := c.cache.Get(k)
		if !ok {
			continue
		}
		for _, t := range v.([]models.Task) {
			if t.ID == id {
				return t.Clone(), true
			}
		}
	}
	return models.Task{}, false
}

// DeleteTask optimistically removes the task and dispatches the
// delete. Removal filters on the exact entity id. Deleting a
// still-pending create cancels it instead: no request is sent now,
// and if the create lands anyway the confirmed entity is deleted on
// arrival.
func (c *Controller) DeleteTask(ctx context.Context, id string) error {
	if models.IsTempID(id) {
		// Only a create still in flight needs the deferred delete; a
		// settled temp id just disappears locally and the reconciling
		// refetch covers the rest.
		c.pendingMu.Lock()
		if c.inflightCreate[id] {
			c.deletedPending[id] = true
		}
		c.pendingMu.Unlock()
	}

	return c.mutateTasks(ctx,
		func(f api.TaskFilter, cur []models.Task) ([]models.Task, bool) {
			changed := false
			next := make([]models.Task, 0, len(cur))
			for _, t := range cur {
				if t.ID == id {
					changed = true
					continue
				}
				next = append(next, t)
			}
			return next, changed
		},
		func(ctx context.Context) error {
			if models.IsTempID(id) {
				return nil
			}
			return c.backend.DeleteTodo(ctx, id)
		},
	)
}
