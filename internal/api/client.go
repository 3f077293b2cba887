// Package api is the typed surface of the Snappy backend: auth flows
// and task/list CRUD, all dispatched through the gateway.
package api

import (
	"context"
	"net/http"
	"net/url"

	"github.com/snappyhq/snappy-go/internal/auth"
	"github.com/snappyhq/snappy-go/internal/gateway"
	"github.com/snappyhq/snappy-go/internal/models"
)

// Client calls the backend. Commands and the syncer never touch the
// gateway directly.
type Client struct {
	gw     *gateway.Gateway
	tokens *auth.Manager
}

// New creates a client over gw, persisting sessions through tokens.
func New(gw *gateway.Gateway, tokens *auth.Manager) *Client {
	return &Client{gw: gw, tokens: tokens}
}

type sessionResponse struct {
	User         models.User `json:"user"`
	Token        string      `json:"token"`
	RefreshToken string      `json:"refreshToken"`
	ExpiresAt    int64       `json:"expires_at"`
}

func (c *Client) storeSession(resp sessionResponse) (*models.User, error) {
	err := c.tokens.SetSession(auth.Session{
		AccessToken:  resp.Token,
		RefreshToken: resp.RefreshToken,
		ExpiresAt:    resp.ExpiresAt,
		User:         resp.User,
	})
	if err != nil {
		return nil, err
	}
	u := resp.User
	return &u, nil
}

// Login authenticates and persists the resulting session.
func (c *Client) Login(ctx context.Context, email, password string) (*models.User, error) {
	var resp sessionResponse
	body := map[string]string{"email": email, "password": password}
	if err := c.gw.Send(ctx, http.MethodPost, "/auth/login", nil, body, &resp); err != nil {
		return nil, err
	}
	return c.storeSession(resp)
}

// Register creates an account and persists the resulting session.
func (c *Client) Register(ctx context.Context, email, username, password string) (*models.User, error) {
	var resp sessionResponse
	body := map[string]string{"email": email, "username": username, "password": password}
	if err := c.gw.Send(ctx, http.MethodPost, "/auth/register", nil, body, &resp); err != nil {
		return nil, err
	}
	return c.storeSession(resp)
}

// Me returns the authenticated user from the backend.
func (c *Client) Me(ctx context.Context) (*models.User, error) {
	var user models.User
	if err := c.gw.Send(ctx, http.MethodGet, "/auth/me", nil, nil, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// TaskFilter narrows a todos query. Zero value means all tasks.
type TaskFilter struct {
	Status models.TaskStatus
	ListID string
}

// Query renders the filter as URL parameters.
func (f TaskFilter) Query() url.Values {
	q := url.Values{}
	if f.Status != "" {
		q.Set("status", string(f.Status))
	}
	if f.ListID != "" {
		q.Set("list_id", f.ListID)
	}
	if len(q) == 0 {
		return nil
	}
	return q
}

// Params renders the filter as cache-key parameters.
func (f TaskFilter) Params() map[string]string {
	if f.Status == "" && f.ListID == "" {
		return nil
	}
	p := make(map[string]string, 2)
	if f.Status != "" {
		p["status"] = string(f.Status)
	}
	if f.ListID != "" {
		p["list_id"] = f.ListID
	}
	return p
}

// Matches reports whether the task falls inside the filter.
func (f TaskFilter) Matches(t models.Task) bool {
	if f.Status != "" && t.Status != f.Status {
		return false
	}
	if f.ListID != "" && t.ListID != f.ListID {
		return false
	}
	return true
}

// TaskDraft is the payload for creating a task.
type TaskDraft struct {
	Title    string          `json:"title"`
	Note     string          `json:"note,omitempty"`
	Priority models.Priority `json:"priority,omitempty"`
	ListID   string          `json:"list_id,omitempty"`
}

// TaskPatch is a partial update; nil fields are left untouched.
type TaskPatch struct {
	Title    *string            `json:"title,omitempty"`
	Note     *string            `json:"note,omitempty"`
	Status   *models.TaskStatus `json:"status,omitempty"`
	Priority *models.Priority   `json:"priority,omitempty"`
	ListID   *string            `json:"list_id,omitempty"`
	DueDate  *string            `json:"due_date,omitempty"`
	Tags     []string           `json:"tags,omitempty"`
}

// ListTodos fetches tasks matching the filter.
func (c *Client) ListTodos(ctx context.Context, f TaskFilter) ([]models.Task, error) {
	var tasks []models.Task
	if err := c.gw.Send(ctx, http.MethodGet, "/todos", f.Query(), nil, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// CreateTodo creates a task and returns the server-assigned entity.
func (c *Client) CreateTodo(ctx context.Context, draft TaskDraft) (*models.Task, error) {
	var task models.Task
	if err := c.gw.Send(ctx, http.MethodPost, "/todos", nil, draft, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// UpdateTodo applies a partial update and returns the updated entity.
func (c *Client) UpdateTodo(ctx context.Context, id string, patch TaskPatch) (*models.Task, error) {
	var task models.Task
	if err := c.gw.Send(ctx, http.MethodPatch, "/todos/"+id, nil, patch, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// DeleteTodo removes a task.
func (c *Client) DeleteTodo(ctx context.Context, id string) error {
	return c.gw.Send(ctx, http.MethodDelete, "/todos/"+id, nil, nil, nil)
}

// ListDraft is the payload for creating a list.
type ListDraft struct {
	Name string `json:"name"`
	Icon string `json:"icon,omitempty"`
}

// ListPatch is a partial list update; nil fields are left untouched.
type ListPatch struct {
	Name          *string               `json:"name,omitempty"`
	Icon          *string               `json:"icon,omitempty"`
	Collaborators []models.Collaborator `json:"collaborators,omitempty"`
}

// ListLists fetches the user's lists.
func (c *Client) ListLists(ctx context.Context) ([]models.List, error) {
	var lists []models.List
	if err := c.gw.Send(ctx, http.MethodGet, "/lists", nil, nil, &lists); err != nil {
		return nil, err
	}
	return lists, nil
}

// CreateList creates a list and returns the server-assigned entity.
func (c *Client) CreateList(ctx context.Context, draft ListDraft) (*models.List, error) {
	var list models.List
	if err := c.gw.Send(ctx, http.MethodPost, "/lists", nil, draft, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// UpdateList applies a partial update and returns the updated entity.
func (c *Client) UpdateList(ctx context.Context, id string, patch ListPatch) (*models.List, error) {
	var list models.List
	if err := c.gw.Send(ctx, http.MethodPatch, "/lists/"+id, nil, patch, &list); err != nil {
		return nil, err
	}
	return &list, nil
}

// DeleteList removes a list.
func (c *Client) DeleteList(ctx context.Context, id string) error {
	return c.gw.Send(ctx, http.MethodDelete, "/lists/"+id, nil, nil, nil)
}
