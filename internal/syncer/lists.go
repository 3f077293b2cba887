package syncer

import (
	"context"
	"fmt"

	"github.com/snappyhq/snappy-go/internal/api"
	"github.com/snappyhq/snappy-go/internal/models"
)

// CreateList optimistically inserts the list under a temp- id and
// dispatches the create.
func (c *Controller) CreateList(ctx context.Context, draft api.ListDraft) (models.List, error) {
	if draft.Name == "" {
		return models.List{}, fmt.Errorf("list name is required")
	}

	optimistic := models.List{
		ID:   models.NewTempID(c.now()),
		Name: draft.Name,
		Icon: draft.Icon,
	}

	err := c.mutateLists(ctx,
		func(cur []models.List) []models.List {
			return append([]models.List{optimistic.Clone()}, cur...)
		},
		func(ctx context.Context) error {
			_, err := c.backend.CreateList(ctx, draft)
			return err
		},
	)
	return optimistic, err
}

// UpdateList applies a partial update (rename, icon, collaborator
// roles) optimistically and dispatches the patch.
func (c *Controller) UpdateList(ctx context.Context, id string, patch api.ListPatch) error {
	return c.mutateLists(ctx,
		func(cur []models.List) []models.List {
			next := models.CloneLists(cur)
			for i := range next {
				if next[i].ID != id {
					continue
				}
				if patch.Name != nil {
					next[i].Name = *patch.Name
				}
				if patch.Icon != nil {
					next[i].Icon = *patch.Icon
				}
				if patch.Collaborators != nil {
					next[i].Collaborators = append([]models.Collaborator(nil), patch.Collaborators...)
				}
			}
			return next
		},
		func(ctx context.Context) error {
			if models.IsTempID(id) {
				return nil
			}
			_, err := c.backend.UpdateList(ctx, id, patch)
			return err
		},
	)
}

// DeleteList optimistically removes the list and dispatches the
// delete. Tasks cached under the list are left to the reconciling
// refetch.
func (c *Controller) DeleteList(ctx context.Context, id string) error {
	err := c.mutateLists(ctx,
		func(cur []models.List) []models.List {
			next := make([]models.List, 0, len(cur))
			for _, l := range cur {
				if l.ID == id {
					continue
				}
				next = append(next, l)
			}
			return next
		},
		func(ctx context.Context) error {
			if models.IsTempID(id) {
				return nil
			}
			return c.backend.DeleteList(ctx, id)
		},
	)
	// Server-side cascade removes the list's tasks; drop our cached
	// view of them too.
	c.cache.InvalidateEntity(entityTodos)
	return err
}
