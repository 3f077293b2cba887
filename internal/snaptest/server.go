// Package snaptest runs an in-process Snappy backend implementing the
// contract the client depends on: session auth with refresh, CSRF
// protection on state-changing calls, task/list CRUD, and injectable
// failures for exercising the recovery paths.
package snaptest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/snappyhq/snappy-go/internal/models"
)

type account struct {
	password string
	user     models.User
}

type plannedFailure struct {
	status     int
	message    string
	retryAfter int
}

// Server is the fake backend. All exported methods are safe for
// concurrent use.
type Server struct {
	httpSrv *httptest.Server

	mu            sync.Mutex
	accounts      map[string]*account // by email
	accessTokens  map[string]time.Time
	refreshTokens map[string]string // refresh token -> email
	csrfTokens    map[string]bool
	requireCSRF   bool
	todos         []models.Task
	lists         []models.List
	nextID        int
	refreshCalls  int
	refreshDelay  time.Duration
	failures      []plannedFailure
}

// New starts the fake backend.
func New() *Server {
	s := &Server{
		accounts:      make(map[string]*account),
		accessTokens:  make(map[string]time.Time),
		refreshTokens: make(map[string]string),
		csrfTokens:    make(map[string]bool),
		requireCSRF:   true,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/auth/login", s.handleLogin)
	mux.HandleFunc("/auth/register", s.handleRegister)
	mux.HandleFunc("/auth/me", s.handleMe)
	mux.HandleFunc("/auth/csrf-token", s.handleCSRFToken)
	mux.HandleFunc("/auth/refresh", s.handleRefresh)
	mux.HandleFunc("/todos", s.handleTodos)
	mux.HandleFunc("/todos/", s.handleTodoByID)
	mux.HandleFunc("/lists", s.handleLists)
	mux.HandleFunc("/lists/", s.handleListByID)

	s.httpSrv = httptest.NewServer(mux)
	return s
}

// URL returns the backend's base URL.
func (s *Server) URL() string {
	return s.httpSrv.URL
}

// Close shuts the backend down.
func (s *Server) Close() {
	s.httpSrv.Close()
}

// --- Test controls ---

// AddUser seeds an account.
func (s *Server) AddUser(email, password, username string) models.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := models.User{ID: uuid.NewString(), Email: email, Username: username}
	s.accounts[email] = &account{password: password, user: u}
	return u
}

// IssueSession mints a valid access/refresh token pair for email.
func (s *Server) IssueSession(email string) (access, refresh string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	access = "acc-" + uuid.NewString()
	refresh = "ref-" + uuid.NewString()
	s.accessTokens[access] = time.Now().Add(time.Hour)
	s.refreshTokens[refresh] = email
	return access, refresh
}

// ExpireAccessTokens invalidates every outstanding access token, so
// the next authenticated request gets a 401.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for tok := range s.accessTokens {
		s.accessTokens[tok] = time.Now().Add(-time.Minute)
	}
}

// RevokeRefreshTokens makes every refresh attempt fail.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshTokens = make(map[string]string)
}

// InvalidateCSRFTokens discards issued CSRF tokens; the next
// state-changing call gets a CSRF 403 until the client refetches.
func (s *Server) InvalidateCSRFTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.csrfTokens = make(map[string]bool)
}

// DisableCSRF turns off CSRF checking.
func (s *Server) DisableCSRF() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requireCSRF = false
}

// FailNext makes the next n todo/list requests fail with status and
// message. A retryAfter of 0 omits the Retry-After header.
func (s *Server) FailNext(n, status int, message string, retryAfter int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < n; i++ {
		s.failures = append(s.failures, plannedFailure{status: status, message: message, retryAfter: retryAfter})
	}
}

// SetRefreshDelay makes /auth/refresh stall before answering, holding
// the refresh window open so concurrent 401s pile up behind it.
func (s *Server) SetRefreshDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refreshDelay = d
}

// RefreshCalls reports how many times /auth/refresh was hit.
func (s *Server) RefreshCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refreshCalls
}

// SeedTask inserts a task server-side and returns it.
func (s *Server) SeedTask(title string, status models.TaskStatus, listID string) models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := models.Task{
		ID:        s.newIDLocked("task"),
		Title:     title,
		Status:    status,
		ListID:    listID,
		CreatedAt: time.Now().UTC(),
	}
	s.todos = append(s.todos, t)
	return t
}

// SeedList inserts a list server-side and returns it.
func (s *Server) SeedList(name, ownerID string) models.List {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := models.List{ID: s.newIDLocked("list"), Name: name, OwnerID: ownerID}
	s.lists = append(s.lists, l)
	return l
}

// Tasks returns a copy of the server-side task table.
func (s *Server) Tasks() []models.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneTasks(s.todos)
}

func (s *Server) newIDLocked(prefix string) string {
	s.nextID++
	return fmt.Sprintf("%s-%d", prefix, s.nextID)
}

// --- Shared plumbing ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

// takeFailure pops an injected failure, if one is queued.
func (s *Server) takeFailure(w http.ResponseWriter) bool {
	s.mu.Lock()
	if len(s.failures) == 0 {
		s.mu.Unlock()
		return false
	}
	f := s.failures[0]
	s.failures = s.failures[1:]
	s.mu.Unlock()

	if f.retryAfter > 0 {
		w.Header().Set("Retry-After", fmt.Sprintf("%d", f.retryAfter))
	}
	writeError(w, f.status, f.message)
	return true
}

// authed validates the bearer token.
func (s *Server) authed(r *http.Request) bool {
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return false
	}
	tok := strings.TrimPrefix(h, "Bearer ")
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.accessTokens[tok]
	return ok && time.Now().Before(exp)
}

// csrfOK validates the CSRF token on state-changing methods.
func (s *Server) csrfOK(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
	default:
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.requireCSRF {
		return true
	}
	return s.csrfTokens[r.Header.Get("X-CSRF-Token")]
}

// guard applies failure injection, auth, and CSRF checks for the
// todo/list endpoints.
func (s *Server) guard(w http.ResponseWriter, r *http.Request) bool {
	if s.takeFailure(w) {
		return false
	}
	if !s.authed(r) {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return false
	}
	if !s.csrfOK(r) {
		writeError(w, http.StatusForbidden, "invalid CSRF token")
		return false
	}
	return true
}

// --- Auth handlers ---

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	s.mu.Lock()
	acct, ok := s.accounts[body.Email]
	s.mu.Unlock()
	if !ok || acct.password != body.Password {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	access, refresh := s.IssueSession(body.Email)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":         acct.user,
		"token":        access,
		"refreshToken": refresh,
		"expires_at":   time.Now().Add(time.Hour).Unix(),
	})
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		Email    string `json:"email"`
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	s.mu.Lock()
	if _, exists := s.accounts[body.Email]; exists {
		s.mu.Unlock()
		writeError(w, http.StatusConflict, "email already registered")
		return
	}
	u := models.User{ID: uuid.NewString(), Email: body.Email, Username: body.Username}
	s.accounts[body.Email] = &account{password: body.Password, user: u}
	s.mu.Unlock()

	access, refresh := s.IssueSession(body.Email)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":         u,
		"token":        access,
		"refreshToken": refresh,
		"expires_at":   time.Now().Add(time.Hour).Unix(),
	})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	if !s.authed(r) {
		writeError(w, http.StatusUnauthorized, "invalid or expired token")
		return
	}
	// Single-account fakes don't track token ownership; return the
	// first seeded user.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acct := range s.accounts {
		writeJSON(w, http.StatusOK, acct.user)
		return
	}
	writeError(w, http.StatusNotFound, "no users")
}

func (s *Server) handleCSRFToken(w http.ResponseWriter, r *http.Request) {
	tok := "csrf-" + uuid.NewString()
	s.mu.Lock()
	s.csrfTokens[tok] = true
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]string{"csrfToken": tok})
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	s.mu.Lock()
	s.refreshCalls++
	delay := s.refreshDelay
	s.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	s.mu.Lock()
	_, ok := s.refreshTokens[body.RefreshToken]
	if !ok {
		s.mu.Unlock()
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	access := "acc-" + uuid.NewString()
	s.accessTokens[access] = time.Now().Add(time.Hour)
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"token":      access,
		"expires_at": time.Now().Add(time.Hour).Unix(),
	})
}

// --- Todo handlers ---

func (s *Server) handleTodos(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		status := r.URL.Query().Get("status")
		listID := r.URL.Query().Get("list_id")
		s.mu.Lock()
		out := make([]models.Task, 0, len(s.todos))
		for _, t := range s.todos {
			if status != "" && string(t.Status) != status {
				continue
			}
			if listID != "" && t.ListID != listID {
				continue
			}
			out = append(out, t.Clone())
		}
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var draft struct {
			Title    string          `json:"title"`
			Note     string          `json:"note"`
			Priority models.Priority `json:"priority"`
			ListID   string          `json:"list_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil || draft.Title == "" {
			writeError(w, http.StatusBadRequest, "title is required")
			return
		}
		s.mu.Lock()
		t := models.Task{
			ID:        s.newIDLocked("task"),
			Title:     draft.Title,
			Note:      draft.Note,
			Status:    models.TaskStatusTodo,
			Priority:  draft.Priority,
			ListID:    draft.ListID,
			CreatedAt: time.Now().UTC(),
		}
		s.todos = append(s.todos, t)
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, t)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleTodoByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/todos/")

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, t := range s.todos {
		if t.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.todos[idx])
	case http.MethodPatch:
		var patch struct {
			Title    *string            `json:"title"`
			Note     *string            `json:"note"`
			Status   *models.TaskStatus `json:"status"`
			Priority *models.Priority   `json:"priority"`
			ListID   *string            `json:"list_id"`
			Tags     []string           `json:"tags"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		t := &s.todos[idx]
		if patch.Title != nil {
			t.Title = *patch.Title
		}
		if patch.Note != nil {
			t.Note = *patch.Note
		}
		if patch.Status != nil {
			t.Status = *patch.Status
			if *patch.Status == models.TaskStatusDone {
				now := time.Now().UTC()
				t.CompletedAt = &now
			} else {
				t.CompletedAt = nil
			}
		}
		if patch.Priority != nil {
			t.Priority = *patch.Priority
		}
		if patch.ListID != nil {
			t.ListID = *patch.ListID
		}
		if patch.Tags != nil {
			t.Tags = patch.Tags
		}
		writeJSON(w, http.StatusOK, *t)
	case http.MethodDelete:
		s.todos = append(s.todos[:idx], s.todos[idx+1:]...)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// --- List handlers ---

func (s *Server) handleLists(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		s.mu.Lock()
		out := models.CloneLists(s.lists)
		s.mu.Unlock()
		if out == nil {
			out = []models.List{}
		}
		writeJSON(w, http.StatusOK, out)
	case http.MethodPost:
		var draft struct {
			Name string `json:"name"`
			Icon string `json:"icon"`
		}
		if err := json.NewDecoder(r.Body).Decode(&draft); err != nil || draft.Name == "" {
			writeError(w, http.StatusBadRequest, "name is required")
			return
		}
		s.mu.Lock()
		l := models.List{ID: s.newIDLocked("list"), Name: draft.Name, Icon: draft.Icon}
		s.lists = append(s.lists, l)
		s.mu.Unlock()
		writeJSON(w, http.StatusCreated, l)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleListByID(w http.ResponseWriter, r *http.Request) {
	if !s.guard(w, r) {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/lists/")

	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, l := range s.lists {
		if l.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		writeError(w, http.StatusNotFound, "list not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, s.lists[idx])
	case http.MethodPatch:
		var patch struct {
			Name          *string               `json:"name"`
			Icon          *string               `json:"icon"`
			Collaborators []models.Collaborator `json:"collaborators"`
		}
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json")
			return
		}
		l := &s.lists[idx]
		if patch.Name != nil {
			l.Name = *patch.Name
		}
		if patch.Icon != nil {
			l.Icon = *patch.Icon
		}
		if patch.Collaborators != nil {
			l.Collaborators = patch.Collaborators
		}
		writeJSON(w, http.StatusOK, *l)
	case http.MethodDelete:
		// Cascade: drop the list's tasks too.
		kept := s.todos[:0]
		for _, t := range s.todos {
			if t.ListID != id {
				kept = append(kept, t)
			}
		}
		s.todos = kept
		s.lists = append(s.lists[:idx], s.lists[idx+1:]...)
		w.WriteHeader(http.StatusNoContent)
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}
