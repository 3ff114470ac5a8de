package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"

	"trust-service/internal/models"
)

// SessionRepository keeps the in-process session registry's snapshot as a
// single row keyed by snapshot ID (one per deployment).
type SessionRepository struct {
	client     *ScyllaClient
	snapshotID string
}

func NewSessionRepository(client *ScyllaClient, snapshotID string) *SessionRepository {
	return &SessionRepository{client: client, snapshotID: snapshotID}
}

func (r *SessionRepository) LoadSessions(ctx context.Context) ([]*models.Session, error) {
	var doc string
	if err := r.client.ScanWithRetry(r.client.Query(ctx, stmtLoadSnapshot, r.snapshotID), &doc); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load session snapshot: %w", err)
	}

	var sessions []*models.Session
	if err := json.Unmarshal([]byte(doc), &sessions); err != nil {
		return nil, fmt.Errorf("failed to decode session snapshot: %w", err)
	}
	return sessions, nil
}

func (r *SessionRepository) SaveSessions(ctx context.Context, sessions []*models.Session) error {
	doc, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("failed to encode session snapshot: %w", err)
	}
	if err := r.client.Query(ctx, stmtSaveSnapshot, r.snapshotID, string(doc), time.Now().UTC()).Exec(); err != nil {
		return fmt.Errorf("failed to save session snapshot: %w", err)
	}
	return nil
}
