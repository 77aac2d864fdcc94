package remote

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrNoSession indicates that no persisted session exists at the given path.
var ErrNoSession = errors.New("remote: no stored session")

type sessionFile struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// AuthStore holds the bearer token and the user it belongs to. It is
// constructed explicitly and shared by the client and its callers.
type AuthStore struct {
	mu    sync.RWMutex
	token string
	user  User
}

// NewAuthStore returns an empty, signed-out store.
func NewAuthStore() *AuthStore {
	return &AuthStore{}
}

// Save records a new session.
func (s *AuthStore) Save(token string, user User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = strings.TrimSpace(token)
	s.user = user
}

// Clear signs the store out.
func (s *AuthStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.user = User{}
}

// Token returns the bearer token, or "" when signed out.
func (s *AuthStore) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// IsValid reports whether a session is present.
func (s *AuthStore) IsValid() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token != "" && s.user.ID != ""
}

// CurrentUser returns the signed-in user.
func (s *AuthStore) CurrentUser() (User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" || s.user.ID == "" {
		return User{}, false
	}
	return s.user, true
}

// Persist writes the session to path with owner-only permissions. A
// signed-out store removes the file instead.
func (s *AuthStore) Persist(path string) error {
	s.mu.RLock()
	payload := sessionFile{Token: s.token, User: s.user}
	s.mu.RUnlock()

	if payload.Token == "" {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remote: remove session: %w", err)
		}
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("remote: create session dir: %w", err)
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("remote: encode session: %w", err)
	}
	if err := os.WriteFile(path, encoded, 0o600); err != nil {
		return fmt.Errorf("remote: write session: %w", err)
	}
	return nil
}

// Restore loads a session written by Persist. A corrupt file is removed and
// reported, leaving the store signed out.
func (s *AuthStore) Restore(path string) error {
	encoded, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoSession
	}
	if err != nil {
		return fmt.Errorf("remote: read session: %w", err)
	}
	var payload sessionFile
	if err := json.Unmarshal(encoded, &payload); err != nil || payload.Token == "" {
		_ = os.Remove(path)
		s.Clear()
		if err == nil {
			err = errors.New("empty token")
		}
		return fmt.Errorf("remote: decode session: %w", err)
	}
	s.Save(payload.Token, payload.User)
	return nil
}
