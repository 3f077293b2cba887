package auth

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/snappyhq/snappy-go/internal/models"
)

func testSession() Session {
	return Session{
		AccessToken:  "access-1",
		RefreshToken: "refresh-1",
		ExpiresAt:    time.Now().Add(time.Hour).Unix(),
		User:         models.User{ID: "u1", Email: "ada@example.com", Username: "ada"},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	m := NewManager(path)
	if err := m.SetSession(testSession()); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	// A fresh manager must load the persisted session.
	m2 := NewManager(path)
	if m2.AccessToken() != "access-1" {
		t.Errorf("AccessToken = %q, want access-1", m2.AccessToken())
	}
	if m2.RefreshToken() != "refresh-1" {
		t.Errorf("RefreshToken = %q, want refresh-1", m2.RefreshToken())
	}
	if u := m2.User(); u == nil || u.Email != "ada@example.com" {
		t.Errorf("User = %+v, want ada@example.com", u)
	}
	if !m2.IsAuthenticated() {
		t.Error("loaded session should be authenticated")
	}
}

func TestCredentialsObfuscatedAtRest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	m := NewManager(path)
	if err := m.SetSession(testSession()); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read credentials file: %v", err)
	}
	if bytes.Contains(raw, []byte("access-1")) || bytes.Contains(raw, []byte("ada@example.com")) {
		t.Error("tokens should not appear in plaintext on disk")
	}
}

func TestExpiredSessionNotAuthenticated(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	s := testSession()
	s.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := m.SetSession(s); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("expired session should not be authenticated")
	}
}

func TestExtendSessionSlidesExpiry(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	m := NewManager(path)
	s := testSession()
	s.ExpiresAt = time.Now().Add(-time.Minute).Unix()
	if err := m.SetSession(s); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	m.ExtendSession(30 * time.Minute)
	if !m.IsAuthenticated() {
		t.Error("extended session should be authenticated")
	}

	// The slide must be persisted too.
	m2 := NewManager(path)
	if !m2.IsAuthenticated() {
		t.Error("extension should survive a reload")
	}
}

func TestConcurrentExtendSession(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	m := NewManager(path)
	if err := m.SetSession(testSession()); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	// Every successful response extends the session, so concurrent
	// requests extend concurrently. Run under -race.
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.ExtendSession(30 * time.Minute)
			_ = m.AccessToken()
		}()
	}
	wg.Wait()

	if !m.IsAuthenticated() {
		t.Error("session should still be live after concurrent extensions")
	}
	// The file on disk must hold a complete, readable snapshot.
	m2 := NewManager(path)
	if m2.AccessToken() != "access-1" || !m2.IsAuthenticated() {
		t.Error("persisted credentials should survive concurrent saves intact")
	}
}

func TestExtendSessionNoopWhenLoggedOut(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	m.ExtendSession(30 * time.Minute)
	if m.IsAuthenticated() {
		t.Error("extension without a session should do nothing")
	}
}

func TestJWTExpiryFallback(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "credentials.json"))

	makeToken := func(exp time.Time) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
			"sub": "u1",
			"exp": exp.Unix(),
		})
		signed, err := tok.SignedString([]byte("test-secret"))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		return signed
	}

	// No explicit expiry; the live exp claim should carry it.
	s := testSession()
	s.ExpiresAt = 0
	s.AccessToken = makeToken(time.Now().Add(time.Hour))
	if err := m.SetSession(s); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	if !m.IsAuthenticated() {
		t.Error("session with live exp claim should be authenticated")
	}

	s.AccessToken = makeToken(time.Now().Add(-time.Hour))
	if err := m.SetSession(s); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}
	if m.IsAuthenticated() {
		t.Error("session with expired exp claim should not be authenticated")
	}
}

func TestClear(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	m := NewManager(path)
	if err := m.SetSession(testSession()); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	if err := m.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}
	if m.AccessToken() != "" {
		t.Error("tokens should be gone after Clear")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("credentials file should be removed")
	}

	// Clearing twice is fine.
	if err := m.Clear(); err != nil {
		t.Errorf("second Clear failed: %v", err)
	}
}

func TestSetAccessTokenKeepsRefreshToken(t *testing.T) {
	m := NewManager(filepath.Join(t.TempDir(), "credentials.json"))
	if err := m.SetSession(testSession()); err != nil {
		t.Fatalf("SetSession failed: %v", err)
	}

	if err := m.SetAccessToken("access-2", time.Now().Add(time.Hour).Unix()); err != nil {
		t.Fatalf("SetAccessToken failed: %v", err)
	}
	if m.AccessToken() != "access-2" {
		t.Errorf("AccessToken = %q, want access-2", m.AccessToken())
	}
	if m.RefreshToken() != "refresh-1" {
		t.Error("refresh token should survive an access-token swap")
	}
}
