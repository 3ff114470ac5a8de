package file

import (
	"context"
	"sync"

	"trust-service/internal/models"
)

type SessionRepository struct {
	path string
	mu   sync.Mutex
}

func NewSessionRepository(path string) *SessionRepository {
	return &SessionRepository{path: path}
}

// LoadSessions returns the last snapshot. A decode error is returned to the
// caller, which decides whether to start empty.
func (r *SessionRepository) LoadSessions(_ context.Context) ([]*models.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var sessions []*models.Session
	if err := readJSON(r.path, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

func (r *SessionRepository) SaveSessions(_ context.Context, sessions []*models.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if sessions == nil {
		sessions = []*models.Session{}
	}
	return writeJSON(r.path, sessions)
}
