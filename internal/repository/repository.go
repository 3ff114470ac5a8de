// Package repository declares the storage contracts shared by the file and
// Scylla backends. A backend is chosen once at startup and injected.
package repository

import (
	"context"
	"errors"

	"trust-service/internal/models"
)

var (
	ErrNotFound      = errors.New("record not found")
	ErrUsernameTaken = errors.New("username already taken")
)

type AccountRepository interface {
	// CreateAccount inserts a new account, failing with ErrUsernameTaken
	// when the username is already registered.
	CreateAccount(ctx context.Context, account *models.Account) error
	GetAccount(ctx context.Context, id string) (*models.Account, error)
	GetAccountByUsername(ctx context.Context, username string) (*models.Account, error)
	GetAccountByGuardianToken(ctx context.Context, token string) (*models.Account, error)
	SaveAccount(ctx context.Context, account *models.Account) error
	DeleteAccount(ctx context.Context, id string) error
}

type ConsentRepository interface {
	CreateConsentRequest(ctx context.Context, req *models.ConsentRequest) error
	GetConsentRequest(ctx context.Context, token string) (*models.ConsentRequest, error)
	// ResolveConsentRequest applies res only if the stored status is still
	// pending and reports whether it did.
	ResolveConsentRequest(ctx context.Context, token string, res models.Resolution) (bool, error)
	ListConsentRequests(ctx context.Context, accountID string) ([]*models.ConsentRequest, error)
	DeleteConsentRequests(ctx context.Context, accountID string) error
}

// SessionSnapshotRepository persists the in-process session registry as
// one snapshot.
type SessionSnapshotRepository interface {
	LoadSessions(ctx context.Context) ([]*models.Session, error)
	SaveSessions(ctx context.Context, sessions []*models.Session) error
}

// Backend bundles the repositories of one storage backend.
type Backend struct {
	Accounts AccountRepository
	Consents ConsentRepository
	Sessions SessionSnapshotRepository
}
