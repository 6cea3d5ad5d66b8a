// Package profile persists the local user record between runs.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// User is the locally remembered account and hub.
type User struct {
	ID           string `json:"id"`
	Email        string `json:"email,omitempty"`
	LoggedIn     bool   `json:"logged_in"`
	SessionToken string `json:"session_token,omitempty"`
	// ServerCode is the connection code as typed, never the decoded address.
	ServerCode string `json:"server_code,omitempty"`
}

// Store is the key-value collaborator holding the local user.
type Store interface {
	GetLocalUser() (*User, error)
	SetLocalUser(user *User) error
	LogoutUser() error
}

type fileStore struct {
	sync.Mutex
	location string
}

// NewFileStore keeps the user as a JSON document at location.
func NewFileStore(location string) (Store, error) {
	if err := os.MkdirAll(filepath.Dir(location), 0700); err != nil {
		return nil, fmt.Errorf("failed to create profile directory for %s: %w", location, err)
	}
	return &fileStore{location: location}, nil
}

// GetLocalUser returns nil and no error when nothing was stored yet.
func (s *fileStore) GetLocalUser() (*User, error) {
	s.Lock()
	defer s.Unlock()
	return s.read()
}

func (s *fileStore) SetLocalUser(user *User) error {
	s.Lock()
	defer s.Unlock()
	if user == nil {
		return errors.New("nil user")
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	return s.write(user)
}

// LogoutUser forgets the session but keeps the hub code for reconnection.
func (s *fileStore) LogoutUser() error {
	s.Lock()
	defer s.Unlock()
	user, err := s.read()
	if err != nil {
		return err
	}
	if user == nil {
		return nil
	}
	user.LoggedIn = false
	user.SessionToken = ""
	return s.write(user)
}

func (s *fileStore) read() (*User, error) {
	f, err := os.Open(s.location)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open profile file: %w", err)
	}
	defer f.Close()

	var user User
	if err := json.NewDecoder(f).Decode(&user); err != nil {
		return nil, fmt.Errorf("failed to parse profile: %w", err)
	}
	return &user, nil
}

func (s *fileStore) write(user *User) error {
	tmp := s.location + ".tmp"
	f, err := os.OpenFile(tmp, os.O_TRUNC|os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("failed to open profile file for writing: %w", err)
	}
	err = json.NewEncoder(f).Encode(user)
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("failed to write profile: %w", err)
	}
	if err := os.Rename(tmp, s.location); err != nil {
		return fmt.Errorf("failed to replace profile file: %w", err)
	}
	return nil
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	sync.Mutex
	user *User
}

func (m *MemoryStore) GetLocalUser() (*User, error) {
	m.Lock()
	defer m.Unlock()
	if m.user == nil {
		return nil, nil
	}
	u := *m.user
	return &u, nil
}

func (m *MemoryStore) SetLocalUser(user *User) error {
	m.Lock()
	defer m.Unlock()
	if user == nil {
		return errors.New("nil user")
	}
	u := *user
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	m.user = &u
	return nil
}

func (m *MemoryStore) LogoutUser() error {
	m.Lock()
	defer m.Unlock()
	if m.user != nil {
		m.user.LoggedIn = false
		m.user.SessionToken = ""
	}
	return nil
}
