// Package repofake is an in-memory auth.Store for tests and local runs.
package repofake

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"storefront/internal/auth"
)

var _ auth.Store = (*Store)(nil)

type Store struct {
	mu       sync.Mutex
	users    map[string]auth.User
	tokens   map[string]*auth.RefreshTokenRecord
	attempts map[string]auth.LoginAttempt
}

func New() *Store {
	return &Store{
		users:    make(map[string]auth.User),
		tokens:   make(map[string]*auth.RefreshTokenRecord),
		attempts: make(map[string]auth.LoginAttempt),
	}
}

func (s *Store) GetByEmail(_ context.Context, email string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrUserNotFound
}

func (s *Store) GetByID(_ context.Context, id string) (auth.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrUserNotFound
	}
	return u, nil
}

func (s *Store) UpsertSingleUser(_ context.Context, email, name, passwordHash string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *auth.User
	for _, u := range s.users {
		if existing == nil || u.CreatedAt.Before(existing.CreatedAt) {
			u := u
			existing = &u
		}
	}
	if existing == nil {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		existing = &auth.User{ID: id.String(), Role: "admin", CreatedAt: now}
	}
	existing.Email = email
	existing.Name = name
	existing.PasswordHash = passwordHash
	existing.UpdatedAt = now

	s.users = map[string]auth.User{existing.ID: *existing}
	return nil
}

func (s *Store) GetLoginAttempt(_ context.Context, email string) (auth.LoginAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.attempts[email]
	if !ok {
		return auth.LoginAttempt{Email: email}, nil
	}
	return a, nil
}

func (s *Store) RegisterFailedAttempt(_ context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.attempts[email]
	a.Email = email
	if a.LockedUntil != nil && now.Before(*a.LockedUntil) {
		until := *a.LockedUntil
		return &until, nil
	}

	a.FailedAttempts++
	a.LockedUntil = nil
	var next *time.Time
	if a.FailedAttempts >= maxAttempts {
		until := now.Add(lockDuration)
		a.LockedUntil = &until
		a.FailedAttempts = 0
		next = &until
	}
	s.attempts[email] = a
	return next, nil
}

func (s *Store) ResetLoginAttempt(_ context.Context, email string) error {
	s.mu.Lock()
	delete(s.attempts, email)
	s.mu.Unlock()
	return nil
}

func (s *Store) CreateRefreshToken(_ context.Context, userID, rawToken string, expiresAt time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.tokens[auth.HashToken(rawToken)] = &auth.RefreshTokenRecord{ID: id.String(), UserID: userID, ExpiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *Store) RotateRefreshToken(_ context.Context, rawOldToken, rawNewToken string, newExpiresAt, now time.Time) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.tokens[auth.HashToken(rawOldToken)]
	if !ok || old.RevokedAt != nil || now.After(old.ExpiresAt) {
		return "", auth.ErrInvalidRefreshToken
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	s.tokens[auth.HashToken(rawNewToken)] = &auth.RefreshTokenRecord{ID: id.String(), UserID: old.UserID, ExpiresAt: newExpiresAt}

	revokedAt := now
	old.RevokedAt = &revokedAt
	old.ReplacedBy = id.String()
	return old.UserID, nil
}

func (s *Store) RevokeRefreshToken(_ context.Context, rawToken string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tokens[auth.HashToken(rawToken)]; ok && rec.RevokedAt == nil {
		revokedAt := now
		rec.RevokedAt = &revokedAt
	}
	return nil
}

// Token returns a copy of the record for rawToken.
func (s *Store) Token(rawToken string) (auth.RefreshTokenRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.tokens[auth.HashToken(rawToken)]
	if !ok {
		return auth.RefreshTokenRecord{}, false
	}
	return *rec, true
}
