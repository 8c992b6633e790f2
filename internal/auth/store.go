package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrInvalidRefreshToken = errors.New("invalid refresh token")
)

// Store persists users, refresh tokens and login attempts. Refresh tokens are
// stored only as SHA-256 hashes.
type Store interface {
	GetByEmail(ctx context.Context, email string) (User, error)
	GetByID(ctx context.Context, id string) (User, error)
	UpsertSingleUser(ctx context.Context, email, name, passwordHash string, now time.Time) error

	GetLoginAttempt(ctx context.Context, email string) (LoginAttempt, error)
	RegisterFailedAttempt(ctx context.Context, email string, maxAttempts int, lockDuration time.Duration, now time.Time) (*time.Time, error)
	ResetLoginAttempt(ctx context.Context, email string) error

	CreateRefreshToken(ctx context.Context, userID, rawToken string, expiresAt time.Time) error
	// RotateRefreshToken revokes rawOldToken and stores rawNewToken in one
	// step, returning the owning user. A missing, revoked or expired token
	// yields ErrInvalidRefreshToken.
	RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, newExpiresAt, now time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, rawToken string, now time.Time) error
}

func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
