// Package session issues and validates bearer session tokens. Two
// interchangeable backends implement Store: an in-process registry with
// debounced snapshot persistence, and a centralized Redis store.
package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"trust-service/internal/apperr"
	"trust-service/internal/models"
)

const (
	tokenBytes = 32

	DefaultMaxAge = 24 * time.Hour
)

// ErrSessionInvalid covers missing, unknown and expired tokens alike.
var ErrSessionInvalid = apperr.New(apperr.ErrUnauthorized, "session_invalid", "Session is invalid or has expired")

type Store interface {
	Issue(ctx context.Context, identity models.Identity) (string, error)
	Validate(ctx context.Context, token string) (*models.Session, error)
	Revoke(ctx context.Context, token string) error
	RevokeAccount(ctx context.Context, accountID string) error
	Close() error
}

func generateToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate session token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
