package syncer

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/snappyhq/snappy-go/internal/api"
	"github.com/snappyhq/snappy-go/internal/auth"
	"github.com/snappyhq/snappy-go/internal/cache"
	"github.com/snappyhq/snappy-go/internal/models"
	"github.com/snappyhq/snappy-go/internal/snaptest"

	gw "github.com/snappyhq/snappy-go/internal/gateway"
)

// newStackController wires the real gateway and API client against the
// in-process backend.
func newStackController(t *testing.T) (*Controller, *snaptest.Server) {
	t.Helper()
	srv := snaptest.New()
	t.Cleanup(srv.Close)
	srv.AddUser("ada@example.com", "secret", "ada")

	tokens := auth.NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	client := api.New(gw.New(srv.URL(), tokens), tokens)
	if _, err := client.Login(context.Background(), "ada@example.com", "secret"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	return New(client, cache.NewStore(time.Minute), nil), srv
}

func TestEndToEndCreateToggleDelete(t *testing.T) {
	ctl, srv := newStackController(t)
	ctx := context.Background()

	task, err := ctl.CreateTask(ctx, api.TaskDraft{Title: "Buy milk"})
	if err != nil {
		t.Fatalf("CreateTask failed: %v", err)
	}
	if !models.IsTempID(task.ID) {
		t.Errorf("optimistic id = %q, want temp-", task.ID)
	}

	tasks, err := ctl.Todos(ctx, api.TaskFilter{})
	if err != nil {
		t.Fatalf("Todos failed: %v", err)
	}
	if len(tasks) != 1 || models.IsTempID(tasks[0].ID) {
		t.Fatalf("reconciled tasks = %v, want one confirmed task", tasks)
	}
	id := tasks[0].ID

	if err := ctl.ToggleTask(ctx, id); err != nil {
		t.Fatalf("ToggleTask failed: %v", err)
	}
	serverTasks := srv.Tasks()
	if len(serverTasks) != 1 || serverTasks[0].Status != models.TaskStatusDone {
		t.Errorf("server state = %v, want done", serverTasks)
	}

	if err := ctl.DeleteTask(ctx, id); err != nil {
		t.Fatalf("DeleteTask failed: %v", err)
	}
	if got := srv.Tasks(); len(got) != 0 {
		t.Errorf("server still has %d tasks after delete", len(got))
	}
}

func TestMutationSurvivesExpiredToken(t *testing.T) {
	ctl, srv := newStackController(t)
	ctx := context.Background()

	if _, err := ctl.Todos(ctx, api.TaskFilter{}); err != nil {
		t.Fatalf("warmup failed: %v", err)
	}

	// Access token dies between requests; the gateway's transparent
	// refresh must keep the mutation invisible to the controller.
	srv.ExpireAccessTokens()

	if _, err := ctl.CreateTask(ctx, api.TaskDraft{Title: "after expiry"}); err != nil {
		t.Fatalf("CreateTask across token expiry failed: %v", err)
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
	if got := srv.Tasks(); len(got) != 1 {
		t.Errorf("server tasks = %v, want the created task", got)
	}
}

func TestMutationRollbackOnServerRejection(t *testing.T) {
	ctl, srv := newStackController(t)
	ctx := context.Background()

	seeded := srv.SeedTask("keep", models.TaskStatusTodo, "")
	if _, err := ctl.Todos(ctx, api.TaskFilter{}); err != nil {
		t.Fatalf("warmup failed: %v", err)
	}

	srv.FailNext(1, 500, "internal error", 0)
	_, err := ctl.CreateTask(ctx, api.TaskDraft{Title: "doomed"})
	if !gw.IsKind(err, gw.KindRejected) {
		t.Fatalf("error = %v, want kind rejected", err)
	}

	tasks, err := ctl.Todos(ctx, api.TaskFilter{})
	if err != nil {
		t.Fatalf("Todos failed: %v", err)
	}
	if len(tasks) != 1 || tasks[0].ID != seeded.ID {
		t.Errorf("tasks = %v, want only the seeded task", tasks)
	}
}
