package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/snappyhq/snappy-go/internal/auth"
	"github.com/snappyhq/snappy-go/internal/models"
	"github.com/snappyhq/snappy-go/internal/snaptest"
)

func newTestSession(t *testing.T, srv *snaptest.Server) *auth.Manager {
	t.Helper()
	srv.AddUser("ada@example.com", "secret", "ada")
	access, refresh := srv.IssueSession("ada@example.com")

	tokens := auth.NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	err := tokens.SetSession(auth.Session{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		User:         models.User{ID: "u1", Email: "ada@example.com", Username: "ada"},
	})
	if err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	return tokens
}

func newRawServer(t *testing.T, h http.Handler) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestSendAttachesHeaders(t *testing.T) {
	var gotAuth, gotCSRF, gotTime string
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/auth/csrf-token" {
			w.Write([]byte(`{"csrfToken":"csrf-1"}`))
			return
		}
		gotAuth = r.Header.Get("Authorization")
		gotCSRF = r.Header.Get("X-CSRF-Token")
		gotTime = r.Header.Get("X-Request-Time")
		w.Write([]byte(`{}`))
	})
	srv := newRawServer(t, handler)

	tokens := auth.NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	tokens.SetSession(auth.Session{AccessToken: "tok-1", RefreshToken: "ref-1"})

	g := New(srv.URL, tokens)
	if err := g.Send(context.Background(), http.MethodPost, "/todos", nil, map[string]string{"title": "x"}, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if gotAuth != "Bearer tok-1" {
		t.Errorf("Authorization = %q, want Bearer tok-1", gotAuth)
	}
	if gotCSRF != "csrf-1" {
		t.Errorf("X-CSRF-Token = %q, want csrf-1", gotCSRF)
	}
	if gotTime == "" {
		t.Error("X-Request-Time header missing")
	}
}

func TestConcurrent401sSingleRefresh(t *testing.T) {
	srv := snaptest.New()
	defer srv.Close()
	tokens := newTestSession(t, srv)
	srv.SeedTask("existing", models.TaskStatusTodo, "")
	srv.ExpireAccessTokens()
	// Hold the refresh window open so every 401 handler queues behind
	// the one in-flight refresh.
	srv.SetRefreshDelay(100 * time.Millisecond)

	g := New(srv.URL(), tokens)

	var wg sync.WaitGroup
	errs := make([]error, 3)
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			var out []models.Task
			errs[n] = g.Send(context.Background(), http.MethodGet, "/todos", nil, nil, &out)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Errorf("request %d failed: %v", i, err)
		}
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Errorf("refresh calls = %d, want exactly 1", got)
	}
}

func TestRefreshFailureClearsSession(t *testing.T) {
	srv := snaptest.New()
	defer srv.Close()
	tokens := newTestSession(t, srv)
	srv.ExpireAccessTokens()
	srv.RevokeRefreshTokens()

	g := New(srv.URL(), tokens)
	sessionLost := false
	g.OnSessionLost(func() { sessionLost = true })

	err := g.Send(context.Background(), http.MethodGet, "/todos", nil, nil, nil)
	if !IsKind(err, KindAuthExpired) {
		t.Fatalf("error = %v, want kind auth_expired", err)
	}
	if !sessionLost {
		t.Error("session-lost hook was not invoked")
	}
	if tokens.AccessToken() != "" {
		t.Error("access token should be purged after refresh failure")
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Errorf("refresh calls = %d, want 1 (no retry storm)", got)
	}
}

func TestAuthRetryBound(t *testing.T) {
	srv := snaptest.New()
	defer srv.Close()
	tokens := newTestSession(t, srv)

	g := New(srv.URL(), tokens)

	// The original and its single replay both get 401 even though the
	// refresh itself succeeds; the gateway must stop after one retry.
	srv.FailNext(2, http.StatusUnauthorized, "invalid or expired token", 0)

	err := g.Send(context.Background(), http.MethodGet, "/todos", nil, nil, nil)
	if !IsKind(err, KindAuthExpired) {
		t.Fatalf("error = %v, want kind auth_expired", err)
	}
	if got := srv.RefreshCalls(); got != 1 {
		t.Errorf("refresh calls = %d, want 1", got)
	}
}

func TestBadLoginSurfacesServerMessage(t *testing.T) {
	srv := snaptest.New()
	defer srv.Close()
	srv.AddUser("ada@example.com", "secret", "ada")

	tokens := auth.NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	g := New(srv.URL(), tokens)
	sessionLost := false
	g.OnSessionLost(func() { sessionLost = true })

	body := map[string]string{"email": "ada@example.com", "password": "wrong"}
	err := g.Send(context.Background(), http.MethodPost, "/auth/login", nil, body, nil)
	if !IsKind(err, KindRejected) {
		t.Fatalf("error = %v, want kind rejected", err)
	}
	apiErr := err.(*APIError)
	if !strings.Contains(apiErr.Message, "invalid credentials") {
		t.Errorf("message = %q, want the server's rejection verbatim", apiErr.Message)
	}
	if sessionLost {
		t.Error("a failed login must not fire the session-lost hook")
	}
	if got := srv.RefreshCalls(); got != 0 {
		t.Errorf("refresh calls = %d, want 0", got)
	}
}

func TestCSRFRejectionReplaysOnce(t *testing.T) {
	srv := snaptest.New()
	defer srv.Close()
	tokens := newTestSession(t, srv)

	g := New(srv.URL(), tokens)

	// Warm the CSRF token, then invalidate it server-side so the next
	// state-changing call hits a CSRF 403.
	if err := g.Send(context.Background(), http.MethodPost, "/todos", nil, map[string]string{"title": "first"}, nil); err != nil {
		t.Fatalf("warmup create failed: %v", err)
	}
	srv.InvalidateCSRFTokens()

	if err := g.Send(context.Background(), http.MethodPost, "/todos", nil, map[string]string{"title": "second"}, nil); err != nil {
		t.Fatalf("create after CSRF invalidation should recover, got: %v", err)
	}
	if got := len(srv.Tasks()); got != 2 {
		t.Errorf("server has %d tasks, want 2", got)
	}
}

func TestCSRFRejectionBoundedRetry(t *testing.T) {
	srv := snaptest.New()
	defer srv.Close()
	tokens := newTestSession(t, srv)

	g := New(srv.URL(), tokens)

	// Both the original and the single replay get a CSRF 403; the
	// gateway must then give up rather than loop.
	srv.FailNext(3, http.StatusForbidden, "invalid CSRF token", 0)

	err := g.Send(context.Background(), http.MethodPost, "/todos", nil, map[string]string{"title": "x"}, nil)
	if !IsKind(err, KindCSRFInvalid) {
		t.Fatalf("error = %v, want kind csrf_invalid", err)
	}
}

func TestRateLimited(t *testing.T) {
	srv := snaptest.New()
	defer srv.Close()
	tokens := newTestSession(t, srv)

	g := New(srv.URL(), tokens)
	srv.FailNext(1, http.StatusTooManyRequests, "slow down", 30)

	err := g.Send(context.Background(), http.MethodGet, "/todos", nil, nil, nil)
	if !IsKind(err, KindRateLimited) {
		t.Fatalf("error = %v, want kind rate_limited", err)
	}
	apiErr := err.(*APIError)
	if !strings.Contains(apiErr.Message, "30 seconds") {
		t.Errorf("message %q should contain the wait hint \"30 seconds\"", apiErr.Message)
	}
	if apiErr.RetryAfter != 30*time.Second {
		t.Errorf("RetryAfter = %v, want 30s", apiErr.RetryAfter)
	}

	// No automatic retry: the next request must succeed immediately
	// because only one failure was queued and nothing consumed more.
	if err := g.Send(context.Background(), http.MethodGet, "/todos", nil, nil, nil); err != nil {
		t.Errorf("follow-up request failed: %v", err)
	}
}

func TestNetworkFailure(t *testing.T) {
	tokens := auth.NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	g := New("http://127.0.0.1:1", tokens)

	err := g.Send(context.Background(), http.MethodGet, "/todos", nil, nil, nil)
	if !IsKind(err, KindNetwork) {
		t.Fatalf("error = %v, want kind network", err)
	}
}

func TestSlidingSessionExtension(t *testing.T) {
	srv := snaptest.New()
	defer srv.Close()
	tokens := newTestSession(t, srv)

	// Local expiry already passed, but the server-side token is still
	// valid; a successful response must slide the local window forward.
	tokens.SetSession(auth.Session{
		AccessToken:  tokens.AccessToken(),
		RefreshToken: tokens.RefreshToken(),
		ExpiresAt:    time.Now().Add(-time.Minute).Unix(),
	})
	if tokens.IsAuthenticated() {
		t.Fatal("precondition: session should read as expired")
	}

	g := New(srv.URL(), tokens)
	if err := g.Send(context.Background(), http.MethodGet, "/todos", nil, nil, nil); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	if !tokens.IsAuthenticated() {
		t.Error("successful response should have extended the session")
	}
}
