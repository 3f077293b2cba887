// Package models defines the core domain types for the Snappy client.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusTodo       TaskStatus = "todo"
	TaskStatusInProgress TaskStatus = "in-progress"
	TaskStatusDone       TaskStatus = "done"
)

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusTodo, TaskStatusInProgress, TaskStatusDone:
		return true
	}
	return false
}

// Priority is an ordinal task priority, 0 (none) through 3 (urgent).
type Priority int

const (
	PriorityNone   Priority = 0
	PriorityLow    Priority = 1
	PriorityMedium Priority = 2
	PriorityHigh   Priority = 3
)

// TempIDPrefix marks client-assigned placeholder identifiers for tasks
// whose create has not yet been confirmed by the server.
const TempIDPrefix = "temp-"

// NewTempID mints a placeholder identifier for an unconfirmed create.
func NewTempID(now time.Time) string {
	return fmt.Sprintf("%s%d", TempIDPrefix, now.UnixMilli())
}

// IsTempID reports whether id is a client-assigned placeholder.
func IsTempID(id string) bool {
	return strings.HasPrefix(id, TempIDPrefix)
}

// SubStep is a checklist entry within a task.
type SubStep struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Done bool   `json:"done"`
}

// Comment is a collaborator note attached to a task.
type Comment struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// FocusSession records one completed focus-timer run against a task.
type FocusSession struct {
	StartedAt time.Time `json:"started_at"`
	Minutes   int       `json:"minutes"`
}

// Task represents a to-do item. The server owns the entity; the client
// holds a cached copy. Until the server confirms a create, ID carries a
// temp- placeholder.
type Task struct {
	ID          string     `json:"id"`
	Title       string     `json:"title"`
	Note        string     `json:"note,omitempty"`
	Status      TaskStatus `json:"status"`
	Priority    Priority   `json:"priority"`
	ListID      string     `json:"list_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Optional attribute bag.
	EffortMinutes int            `json:"effort_minutes,omitempty"`
	Energy        string         `json:"energy,omitempty"`
	Location      string         `json:"location,omitempty"`
	Mood          string         `json:"mood,omitempty"`
	DueDate       *time.Time     `json:"due_date,omitempty"`
	Tags          []string       `json:"tags,omitempty"`
	SubSteps      []SubStep      `json:"sub_steps,omitempty"`
	Links         []string       `json:"links,omitempty"`
	Comments      []Comment      `json:"comments,omitempty"`
	FocusLog      []FocusSession `json:"focus_log,omitempty"`
}

// Pending reports whether the task's create has not yet been confirmed.
func (t Task) Pending() bool {
	return IsTempID(t.ID)
}

// Clone returns a deep copy of the task.
func (t Task) Clone() Task {
	c := t
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.DueDate != nil {
		v := *t.DueDate
		c.DueDate = &v
	}
	c.Tags = append([]string(nil), t.Tags...)
	c.SubSteps = append([]SubStep(nil), t.SubSteps...)
	c.Links = append([]string(nil), t.Links...)
	c.Comments = append([]Comment(nil), t.Comments...)
	c.FocusLog = append([]FocusSession(nil), t.FocusLog...)
	return c
}

// CloneTasks deep-copies a task slice.
func CloneTasks(tasks []Task) []Task {
	if tasks == nil {
		return nil
	}
	out := make([]Task, len(tasks))
	for i, t := range tasks {
		out[i] = t.Clone()
	}
	return out
}

// CollaboratorRole controls what a collaborator may do with a list.
type CollaboratorRole string

const (
	RoleEditor CollaboratorRole = "editor"
	RoleViewer CollaboratorRole = "viewer"
)

// Collaborator associates a user with a role on a list.
type Collaborator struct {
	UserID string           `json:"user_id"`
	Role   CollaboratorRole `json:"role"`
}

// List groups tasks under an owner with optional collaborators. The
// owner may delete the list and manage roles; editors may mutate tasks
// within it; viewers may only read.
type List struct {
	ID            string         `json:"id"`
	Name          string         `json:"name"`
	Icon          string         `json:"icon,omitempty"`
	OwnerID       string         `json:"owner_id"`
	Collaborators []Collaborator `json:"collaborators,omitempty"`
}

// Clone returns a deep copy of the list.
func (l List) Clone() List {
	c := l
	c.Collaborators = append([]Collaborator(nil), l.Collaborators...)
	return c
}

// CloneLists deep-copies a list slice.
func CloneLists(lists []List) []List {
	if lists == nil {
		return nil
	}
	out := make([]List, len(lists))
	for i, l := range lists {
		out[i] = l.Clone()
	}
	return out
}

// CanEdit reports whether userID may mutate tasks in the list.
func (l List) CanEdit(userID string) bool {
	if userID == l.OwnerID {
		return true
	}
	for _, c := range l.Collaborators {
		if c.UserID == userID && c.Role == RoleEditor {
			return true
		}
	}
	return false
}

// User represents the authenticated account.
type User struct {
	ID       string `json:"id"`
	Email    string `json:"email"`
	Username string `json:"username"`
}
