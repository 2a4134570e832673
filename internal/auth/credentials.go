package auth

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	// HashCost is the bcrypt cost used for stored passwords.
	HashCost = bcrypt.DefaultCost
	// MinPasswordLength bounds new passwords from below.
	MinPasswordLength = 8
	// DefaultUser and DefaultPassword seed an empty credentials file.
	DefaultUser     = "admin"
	DefaultPassword = "admin"
	// DefaultSessionTTL is how long a login token stays valid.
	DefaultSessionTTL = 24 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", MinPasswordLength)
	ErrInvalidToken       = errors.New("invalid or expired session token")
)

type user struct {
	Username     string `json:"username"`
	PasswordHash []byte `json:"passwordHash"`
}

type session struct {
	username string
	expires  time.Time
}

// Store holds users and active sessions.
type Store struct {
	path  string
	clock clock.Clock
	ttl   time.Duration

	mu       sync.Mutex
	users    map[string]user
	sessions map[string]session
}

// Open loads the credentials file at path. When the file does not exist it
// is created with the default administrator. An empty path keeps the store
// in memory.
func Open(path string) (*Store, error) {
	s := &Store{
		path:     path,
		clock:    clock.New(),
		ttl:      DefaultSessionTTL,
		users:    make(map[string]user),
		sessions: make(map[string]session),
	}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read credentials: %w", err)
		default:
			var users []user
			if err := json.Unmarshal(data, &users); err != nil {
				return nil, fmt.Errorf("parse credentials %s: %w", path, err)
			}
			for _, u := range users {
				s.users[u.Username] = u
			}
		}
	}
	if len(s.users) == 0 {
		hash, err := bcrypt.GenerateFromPassword([]byte(DefaultPassword), HashCost)
		if err != nil {
			return nil, err
		}
		s.users[DefaultUser] = user{Username: DefaultUser, PasswordHash: hash}
		if err := s.saveLocked(); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// SetClock replaces the clock used for session expiry.
func (s *Store) SetClock(c clock.Clock) {
	s.mu.Lock()
	s.clock = c
	s.mu.Unlock()
}

// SetSessionTTL changes the lifetime of tokens issued afterwards.
func (s *Store) SetSessionTTL(ttl time.Duration) {
	s.mu.Lock()
	s.ttl = ttl
	s.mu.Unlock()
}

// Login checks the password and returns a new session token.
func (s *Store) Login(username, password string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.compareLocked(username, password); err != nil {
		return "", err
	}
	token := uuid.NewString()
	s.sessions[token] = session{username: username, expires: s.clock.Now().Add(s.ttl)}
	return token, nil
}

// Validate returns the user a token belongs to.
func (s *Store) Validate(token string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[token]
	if !ok {
		return "", ErrInvalidToken
	}
	if !s.clock.Now().Before(sess.expires) {
		delete(s.sessions, token)
		return "", ErrInvalidToken
	}
	return sess.username, nil
}

// ChangePassword replaces the password after checking the current one.
// Every session of the user is revoked.
func (s *Store) ChangePassword(username, current, next string) error {
	if len(next) < MinPasswordLength {
		return ErrPasswordTooShort
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.compareLocked(username, current); err != nil {
		return err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(next), HashCost)
	if err != nil {
		return err
	}
	prev := s.users[username]
	s.users[username] = user{Username: username, PasswordHash: hash}
	if err := s.saveLocked(); err != nil {
		s.users[username] = prev
		return err
	}
	for token, sess := range s.sessions {
		if sess.username == username {
			delete(s.sessions, token)
		}
	}
	return nil
}

func (s *Store) compareLocked(username, password string) error {
	u, ok := s.users[username]
	if !ok {
		return ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(u.PasswordHash, []byte(password)); err != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Store) saveLocked() error {
	if s.path == "" {
		return nil
	}
	users := make([]user, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credentials: %w", err)
	}
	return os.Rename(tmp, s.path)
}
