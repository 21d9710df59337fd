package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"SmartKisan/internal/storage"
)

// Persisted keys
const (
	KeyToken = "authToken"
	KeyUser  = "userData"
)

// User is the signed-in farmer's profile
type User struct {
	ID         string `json:"id,omitempty"`
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Location   string `json:"location"`
	ProfilePic string `json:"profile_pic,omitempty"`
}

// Session is the authenticated identity. Token and User are both set or both empty.
type Session struct {
	Token string
	User  *User
}

// Present reports whether the session carries a token
func (s Session) Present() bool {
	return s.Token != "" && s.User != nil
}

// Store owns the process-wide session. Restore hydrates it at startup; after
// that Login and Logout are the only mutators.
type Store struct {
	kv     storage.Store
	logger *slog.Logger
	now    func() time.Time

	mu           sync.RWMutex
	current      Session
	generation   uint64
	subscribers  []func(Session)
	purgePending bool // a logout's storage delete has not succeeded yet
}

func NewStore(kv storage.Store, logger *slog.Logger) *Store {
	return &Store{
		kv:     kv,
		logger: logger,
		now:    time.Now,
	}
}

// Restore loads the persisted session. Any failure is reported as an absent session.
func (s *Store) Restore(ctx context.Context) (Session, bool) {
	s.mu.RLock()
	pending := s.purgePending
	s.mu.RUnlock()
	if pending {
		s.logger.Warn("previous logout did not clear storage, retrying")
		if err := s.kv.Delete(ctx, KeyToken, KeyUser); err != nil {
			s.logger.Warn("failed to purge persisted session", "error", err)
			return Session{}, false
		}
		s.mu.Lock()
		s.purgePending = false
		s.mu.Unlock()
		return Session{}, false
	}

	token, hasToken, err := s.kv.Get(ctx, KeyToken)
	if err != nil {
		s.logger.Warn("failed to read persisted token", "error", err)
		return Session{}, false
	}
	rawUser, hasUser, err := s.kv.Get(ctx, KeyUser)
	if err != nil {
		s.logger.Warn("failed to read persisted user", "error", err)
		return Session{}, false
	}

	if !hasToken && !hasUser {
		return Session{}, false
	}
	if !hasToken || !hasUser || token == "" {
		s.logger.Warn("discarding partial persisted session", "has_token", hasToken, "has_user", hasUser)
		s.purge(ctx)
		return Session{}, false
	}

	var user User
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil {
		s.logger.Warn("discarding malformed persisted user", "error", err)
		s.purge(ctx)
		return Session{}, false
	}

	if expired(token, s.now()) {
		s.logger.Info("persisted token has expired")
		s.purge(ctx)
		return Session{}, false
	}

	sess := Session{Token: token, User: &user}
	s.set(sess)
	s.logger.Info("session restored", "user", user.Name)
	return sess, true
}

// Login persists token and user together, then makes them current
func (s *Store) Login(ctx context.Context, token string, user User) error {
	if token == "" {
		return errors.New("token cannot be empty")
	}
	if user.ID == "" {
		user.ID = subject(token)
	}

	data, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	if err := s.kv.Put(ctx, map[string]string{
		KeyToken: token,
		KeyUser:  string(data),
	}); err != nil {
		return fmt.Errorf("failed to persist session: %w", err)
	}

	s.mu.Lock()
	s.purgePending = false
	s.mu.Unlock()

	s.set(Session{Token: token, User: &user})
	s.logger.Info("logged in", "user", user.Name)
	return nil
}

// Logout clears the session. Calling it while logged out is a no-op apart from
// the storage delete. If the delete fails the in-memory session is still
// cleared, the error is returned and Restore will not bring the session back
// in this process; it retries the delete instead.
func (s *Store) Logout(ctx context.Context) error {
	wasPresent := s.Current().Present()

	err := s.kv.Delete(ctx, KeyToken, KeyUser)

	s.mu.Lock()
	s.purgePending = err != nil
	s.mu.Unlock()

	if wasPresent {
		s.set(Session{})
	}
	if err != nil {
		return fmt.Errorf("failed to clear persisted session: %w", err)
	}
	if wasPresent {
		s.logger.Info("logged out")
	}
	return nil
}

// Current returns a copy of the in-memory session
func (s *Store) Current() Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess := s.current
	if sess.User != nil {
		u := *sess.User
		sess.User = &u
	}
	return sess
}

// Token returns the bearer token, or "" when logged out
func (s *Store) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Token
}

// Generation changes on every login and logout
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.generation
}

// Subscribe registers fn to run after every login or logout
func (s *Store) Subscribe(fn func(Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Store) set(sess Session) {
	s.mu.Lock()
	s.current = sess
	s.generation++
	subscribers := make([]func(Session), len(s.subscribers))
	copy(subscribers, s.subscribers)
	s.mu.Unlock()

	for _, fn := range subscribers {
		fn(s.Current())
	}
}

func (s *Store) purge(ctx context.Context) {
	if err := s.kv.Delete(ctx, KeyToken, KeyUser); err != nil {
		s.logger.Warn("failed to purge persisted session", "error", err)
	}
}

// expired reports whether token is a JWT whose exp claim has passed. Opaque
// tokens never expire on the client.
func expired(token string, now time.Time) bool {
	claims, ok := parseClaims(token)
	if !ok {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return !exp.After(now)
}

func subject(token string) string {
	claims, ok := parseClaims(token)
	if !ok {
		return ""
	}
	sub, err := claims.GetSubject()
	if err != nil {
		return ""
	}
	return sub
}

// parseClaims reads claims without verifying the signature; the server remains
// the authority on validity.
func parseClaims(token string) (jwt.MapClaims, bool) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}
