package file

import (
	"context"
	"sort"
	"sync"

	"trust-service/internal/models"
	"trust-service/internal/repository"
)

// ConsentRepository resolves requests under its mutex, which is the
// compare-and-set the first-wins rule relies on.
type ConsentRepository struct {
	path     string
	mu       sync.Mutex
	requests map[string]*models.ConsentRequest
}

func NewConsentRepository(path string) (*ConsentRepository, error) {
	r := &ConsentRepository{path: path, requests: make(map[string]*models.ConsentRequest)}
	if err := readJSON(path, &r.requests); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *ConsentRepository) CreateConsentRequest(_ context.Context, req *models.ConsentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.requests[req.Token] = req.Clone()
	return writeJSON(r.path, r.requests)
}

func (r *ConsentRepository) GetConsentRequest(_ context.Context, token string) (*models.ConsentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[token]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return req.Clone(), nil
}

func (r *ConsentRepository) ResolveConsentRequest(_ context.Context, token string, res models.Resolution) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	req, ok := r.requests[token]
	if !ok {
		return false, repository.ErrNotFound
	}
	if req.Status != models.RequestPending {
		return false, nil
	}

	prev := *req
	respondedAt := res.RespondedAt
	req.Status = res.Status
	req.Method = res.Method
	req.RespondedAt = &respondedAt

	if err := writeJSON(r.path, r.requests); err != nil {
		*req = prev
		return false, err
	}
	return true, nil
}

func (r *ConsentRepository) ListConsentRequests(_ context.Context, accountID string) ([]*models.ConsentRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*models.ConsentRequest
	for _, req := range r.requests {
		if req.AccountID == accountID {
			out = append(out, req.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ConsentRepository) DeleteConsentRequests(_ context.Context, accountID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for token, req := range r.requests {
		if req.AccountID == accountID {
			delete(r.requests, token)
		}
	}
	return writeJSON(r.path, r.requests)
}
