// Package auth manages the client-side session: access and refresh
// tokens persisted obfuscated-at-rest, with a sliding expiration.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/snappyhq/snappy-go/internal/models"
)

// obfuscationKey XOR-scrambles the credentials file. This is
// obfuscation against casual inspection, not cryptographic protection.
const obfuscationKey = "snappy-local-session"

// Session represents an authentication session.
type Session struct {
	AccessToken  string      `json:"access_token"`
	RefreshToken string      `json:"refresh_token"`
	ExpiresAt    int64       `json:"expires_at"`
	User         models.User `json:"user"`
}

// Credentials stores the complete persisted auth state.
type Credentials struct {
	Session   Session `json:"session"`
	CreatedAt int64   `json:"created_at"`
}

// Manager owns the current session tokens. The gateway is the only
// component that mutates them after login.
type Manager struct {
	path        string
	credentials *Credentials
	mu          sync.RWMutex
	fileMu      sync.Mutex // serializes writes of the credentials file
}

// NewManager creates a manager persisting credentials at path and
// loads any existing session.
func NewManager(path string) *Manager {
	m := &Manager{path: path}
	_ = m.load()
	return m
}

// IsAuthenticated reports whether a non-expired session is held.
func (m *Manager) IsAuthenticated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.credentials == nil || m.credentials.Session.AccessToken == "" {
		return false
	}
	exp := m.expiresAtLocked()
	if exp == 0 {
		return true
	}
	return time.Now().Before(time.Unix(exp, 0))
}

// expiresAtLocked resolves the session expiry, falling back to the
// access token's exp claim when the server sent no explicit expiry.
func (m *Manager) expiresAtLocked() int64 {
	if m.credentials.Session.ExpiresAt != 0 {
		return m.credentials.Session.ExpiresAt
	}
	claims := jwt.MapClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(m.credentials.Session.AccessToken, claims)
	if err != nil {
		return 0
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return 0
	}
	return exp.Unix()
}

// AccessToken returns the current access token, or "" when logged out.
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credentials == nil {
		return ""
	}
	return m.credentials.Session.AccessToken
}

// RefreshToken returns the current refresh token, or "" when absent.
func (m *Manager) RefreshToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credentials == nil {
		return ""
	}
	return m.credentials.Session.RefreshToken
}

// User returns the current user, or nil when logged out.
func (m *Manager) User() *models.User {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.credentials == nil {
		return nil
	}
	u := m.credentials.Session.User
	return &u
}

// SetSession replaces the stored session after login or register.
func (m *Manager) SetSession(s Session) error {
	m.mu.Lock()
	m.credentials = &Credentials{
		Session:   s,
		CreatedAt: time.Now().Unix(),
	}
	m.mu.Unlock()
	return m.save()
}

// SetAccessToken swaps in a refreshed access token, keeping the rest
// of the session.
func (m *Manager) SetAccessToken(token string, expiresAt int64) error {
	m.mu.Lock()
	if m.credentials == nil {
		m.credentials = &Credentials{CreatedAt: time.Now().Unix()}
	}
	m.credentials.Session.AccessToken = token
	m.credentials.Session.ExpiresAt = expiresAt
	m.mu.Unlock()
	return m.save()
}

// ExtendSession slides the session expiry window forward. Called by
// the gateway after every successful authenticated response.
func (m *Manager) ExtendSession(window time.Duration) {
	m.mu.Lock()
	if m.credentials == nil || m.credentials.Session.AccessToken == "" {
		m.mu.Unlock()
		return
	}
	m.credentials.Session.ExpiresAt = time.Now().Add(window).Unix()
	m.mu.Unlock()
	// Persist best-effort; an unsaved extension only shortens the
	// window, never corrupts it.
	_ = m.save()
}

// Clear drops the session and removes the credentials file.
func (m *Manager) Clear() error {
	m.mu.Lock()
	m.credentials = nil
	m.mu.Unlock()

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials: %w", err)
	}
	return nil
}

// load reads and de-obfuscates credentials from disk.
func (m *Manager) load() error {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}

	data, err := deobfuscate(raw)
	if err != nil {
		return err
	}

	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return err
	}

	m.mu.Lock()
	m.credentials = &creds
	m.mu.Unlock()
	return nil
}

// save obfuscates and writes credentials to disk. The snapshot is
// copied under the read lock so the marshal never sees a concurrent
// mutation.
func (m *Manager) save() error {
	m.mu.RLock()
	if m.credentials == nil {
		m.mu.RUnlock()
		return nil
	}
	creds := *m.credentials
	m.mu.RUnlock()

	data, err := json.Marshal(creds)
	if err != nil {
		return err
	}

	m.fileMu.Lock()
	defer m.fileMu.Unlock()
	return os.WriteFile(m.path, obfuscate(data), 0600)
}

func obfuscate(data []byte) []byte {
	out := make([]byte, len(data))
	for i, b := range data {
		out[i] = b ^ obfuscationKey[i%len(obfuscationKey)]
	}
	enc := make([]byte, base64.StdEncoding.EncodedLen(len(out)))
	base64.StdEncoding.Encode(enc, out)
	return enc
}

func deobfuscate(enc []byte) ([]byte, error) {
	data := make([]byte, base64.StdEncoding.DecodedLen(len(enc)))
	n, err := base64.StdEncoding.Decode(data, enc)
	if err != nil {
		return nil, fmt.Errorf("corrupt credentials file: %w", err)
	}
	data = data[:n]
	for i := range data {
		data[i] ^= obfuscationKey[i%len(obfuscationKey)]
	}
	return data, nil
}
