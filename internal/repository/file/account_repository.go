package file

import (
	"context"
	"strings"
	"sync"

	"trust-service/internal/models"
	"trust-service/internal/repository"
)

type AccountRepository struct {
	path     string
	mu       sync.RWMutex
	accounts map[string]*models.Account
}

func NewAccountRepository(path string) (*AccountRepository, error) {
	r := &AccountRepository{path: path, accounts: make(map[string]*models.Account)}
	if err := readJSON(path, &r.accounts); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *AccountRepository) CreateAccount(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.accounts {
		if strings.EqualFold(a.Username, account.Username) {
			return repository.ErrUsernameTaken
		}
	}
	r.accounts[account.ID] = account.Clone()
	return r.persistLocked()
}

func (r *AccountRepository) GetAccount(_ context.Context, id string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.accounts[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return a.Clone(), nil
}

func (r *AccountRepository) GetAccountByUsername(_ context.Context, username string) (*models.Account, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.accounts {
		if strings.EqualFold(a.Username, username) {
			return a.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *AccountRepository) GetAccountByGuardianToken(_ context.Context, token string) (*models.Account, error) {
	if token == "" {
		return nil, repository.ErrNotFound
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, a := range r.accounts {
		if a.Consent.GuardianToken == token {
			return a.Clone(), nil
		}
	}
	return nil, repository.ErrNotFound
}

func (r *AccountRepository) SaveAccount(_ context.Context, account *models.Account) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.ID]; !ok {
		return repository.ErrNotFound
	}
	r.accounts[account.ID] = account.Clone()
	return r.persistLocked()
}

func (r *AccountRepository) DeleteAccount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[id]; !ok {
		return repository.ErrNotFound
	}
	delete(r.accounts, id)
	return r.persistLocked()
}

func (r *AccountRepository) persistLocked() error {
	return writeJSON(r.path, r.accounts)
}
