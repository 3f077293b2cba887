// Package gateway is the single outbound channel to the Snappy
// backend. It attaches bearer and CSRF credentials, refreshes the
// session on 401 with a single shared refresh call, and replays a
// request at most once per failure class.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/snappyhq/snappy-go/internal/auth"
	"github.com/snappyhq/snappy-go/internal/config"
)

// refreshKey is the singleflight key: there is exactly one refresh
// call in flight at any time, and every concurrent 401 handler awaits
// the same result.
const refreshKey = "refresh"

// Gateway wraps all HTTP traffic to one backend. Safe for concurrent
// use.
type Gateway struct {
	base          string
	client        *http.Client
	tokens        *auth.Manager
	sessionWindow time.Duration
	onSessionLost func()

	csrfMu    sync.Mutex // held across the fetch so only one runs
	csrfToken string

	refresh singleflight.Group
}

// New creates a gateway for the backend at baseURL using tokens for
// credential storage.
func New(baseURL string, tokens *auth.Manager) *Gateway {
	g := &Gateway{
		base:          strings.TrimRight(baseURL, "/"),
		client:        &http.Client{Timeout: config.DefaultRequestTimeout},
		tokens:        tokens,
		sessionWindow: config.DefaultSessionWindow,
	}
	return g
}

// OnSessionLost registers a hook invoked when the session is
// unrecoverable (refresh failed or no refresh token). The web client
// redirects to the login route here; the CLI prints a login prompt.
func (g *Gateway) OnSessionLost(fn func()) {
	g.onSessionLost = fn
}

// SetHTTPClient overrides the underlying client (tests).
func (g *Gateway) SetHTTPClient(c *http.Client) {
	g.client = c
}

// credentialEndpoint reports whether path establishes a session. A 401
// from these means bad credentials, not an expired session, so the
// refresh path must not swallow it.
func credentialEndpoint(path string) bool {
	switch path {
	case "/auth/login", "/auth/register":
		return true
	}
	return false
}

// stateChanging reports whether method requires a CSRF token.
func stateChanging(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Send dispatches one request and decodes the JSON response into out
// (which may be nil). Recovery is internal: a first 401 triggers a
// shared token refresh and one replay; a first CSRF 403 triggers a
// CSRF refetch and one replay. Everything else surfaces as an
// *APIError.
func (g *Gateway) Send(ctx context.Context, method, path string, query url.Values, body, out any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
	}

	var retriedAuth, retriedCSRF bool
	for {
		csrf := ""
		if stateChanging(method) {
			var err error
			csrf, err = g.ensureCSRF(ctx)
			if err != nil {
				return err
			}
		}

		status, respBody, header, err := g.do(ctx, method, path, query, payload, g.tokens.AccessToken(), csrf)
		if err != nil {
			return &APIError{
				Kind:    KindNetwork,
				Message: "unable to reach the server; check your connection",
			}
		}

		switch {
		case status >= 200 && status < 300:
			g.tokens.ExtendSession(g.sessionWindow)
			if out != nil && len(respBody) > 0 {
				if err := json.Unmarshal(respBody, out); err != nil {
					return fmt.Errorf("decode response: %w", err)
				}
			}
			return nil

		case status == http.StatusUnauthorized && credentialEndpoint(path):
			return &APIError{
				Kind:    KindRejected,
				Status:  status,
				Message: serverMessage(respBody, status),
			}

		case status == http.StatusUnauthorized && !retriedAuth:
			retriedAuth = true
			if err := g.refreshSession(); err != nil {
				return g.sessionLost()
			}
			// Replay with the refreshed token.
			continue

		case status == http.StatusUnauthorized:
			return g.sessionLost()

		case status == http.StatusForbidden && csrfRejected(respBody) && !retriedCSRF:
			retriedCSRF = true
			g.invalidateCSRF()
			continue

		case status == http.StatusForbidden && csrfRejected(respBody):
			return &APIError{
				Kind:    KindCSRFInvalid,
				Status:  status,
				Message: "request blocked by CSRF protection",
			}

		case status == http.StatusTooManyRequests:
			return rateLimitError(header)

		default:
			return &APIError{
				Kind:    KindRejected,
				Status:  status,
				Message: serverMessage(respBody, status),
			}
		}
	}
}

// sessionLost purges local tokens, fires the session-lost hook, and
// returns the terminal auth error.
func (g *Gateway) sessionLost() error {
	_ = g.tokens.Clear()
	if g.onSessionLost != nil {
		g.onSessionLost()
	}
	return &APIError{
		Kind:    KindAuthExpired,
		Status:  http.StatusUnauthorized,
		Message: "session expired; please log in again",
	}
}

// refreshSession exchanges the refresh token for a new access token.
// Concurrent callers share one in-flight exchange via singleflight.
func (g *Gateway) refreshSession() error {
	_, err, _ := g.refresh.Do(refreshKey, func() (any, error) {
		refreshToken := g.tokens.RefreshToken()
		if refreshToken == "" {
			return nil, errors.New("no refresh token")
		}

		// The exchange serves every queued waiter, so it must not die
		// with whichever request happened to trigger it.
		ctx, cancel := context.WithTimeout(context.Background(), config.DefaultRequestTimeout)
		defer cancel()

		payload, err := json.Marshal(map[string]string{"refreshToken": refreshToken})
		if err != nil {
			return nil, err
		}

		status, body, _, err := g.do(ctx, http.MethodPost, "/auth/refresh", nil, payload, "", "")
		if err != nil {
			return nil, err
		}
		if status != http.StatusOK {
			return nil, fmt.Errorf("refresh rejected (%d)", status)
		}

		var resp struct {
			Token     string `json:"token"`
			ExpiresAt int64  `json:"expires_at"`
		}
		if err := json.Unmarshal(body, &resp); err != nil {
			return nil, err
		}
		if resp.Token == "" {
			return nil, errors.New("refresh returned empty token")
		}
		if err := g.tokens.SetAccessToken(resp.Token, resp.ExpiresAt); err != nil {
			return nil, err
		}
		return resp.Token, nil
	})
	return err
}

// ensureCSRF returns the cached CSRF token, fetching one from the
// backend first if none is held. Callable without prior auth.
func (g *Gateway) ensureCSRF(ctx context.Context) (string, error) {
	g.csrfMu.Lock()
	defer g.csrfMu.Unlock()

	if g.csrfToken != "" {
		return g.csrfToken, nil
	}

	status, body, header, err := g.do(ctx, http.MethodGet, "/auth/csrf-token", nil, nil, g.tokens.AccessToken(), "")
	if err != nil {
		return "", &APIError{
			Kind:    KindNetwork,
			Message: "unable to reach the server; check your connection",
		}
	}
	if status == http.StatusTooManyRequests {
		return "", rateLimitError(header)
	}
	if status != http.StatusOK {
		return "", &APIError{
			Kind:    KindRejected,
			Status:  status,
			Message: serverMessage(body, status),
		}
	}

	var resp struct {
		CSRFToken string `json:"csrfToken"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("decode csrf response: %w", err)
	}
	g.csrfToken = resp.CSRFToken
	return g.csrfToken, nil
}

// invalidateCSRF drops the cached token so the next state-changing
// request fetches a fresh one.
func (g *Gateway) invalidateCSRF() {
	g.csrfMu.Lock()
	g.csrfToken = ""
	g.csrfMu.Unlock()
}

// do performs one raw round trip and returns status, body and headers.
func (g *Gateway) do(ctx context.Context, method, path string, query url.Values, payload []byte, token, csrf string) (int, []byte, http.Header, error) {
	u := g.base + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, rd)
	if err != nil {
		return 0, nil, nil, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Request-Time", strconv.FormatInt(time.Now().UnixMilli(), 10))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if csrf != "" {
		req.Header.Set("X-CSRF-Token", csrf)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, nil, err
	}
	return resp.StatusCode, body, resp.Header, nil
}

// csrfRejected reports whether a 403 body carries the backend's CSRF
// rejection marker.
func csrfRejected(body []byte) bool {
	return strings.Contains(strings.ToUpper(serverMessage(body, http.StatusForbidden)), "CSRF")
}

// serverMessage extracts a human-readable message from an error body.
func serverMessage(body []byte, status int) string {
	var resp struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.Message != "" {
			return resp.Message
		}
		if resp.Error != "" {
			return resp.Error
		}
	}
	return http.StatusText(status)
}

// rateLimitError builds the user-facing 429 error, deriving the wait
// hint from Retry-After when present.
func rateLimitError(header http.Header) *APIError {
	e := &APIError{
		Kind:    KindRateLimited,
		Status:  http.StatusTooManyRequests,
		Message: "too many requests; try again shortly",
	}
	if header == nil {
		return e
	}
	if v := header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			e.RetryAfter = time.Duration(secs) * time.Second
			e.Message = fmt.Sprintf("too many requests; try again in %d seconds", secs)
		}
	}
	return e
}
