package audit

import (
	"context"
	"sync"

	"trust-service/internal/models"
)

// MemoryRecorder keeps the most recent events in process. It backs admin
// search when no Elasticsearch sink is configured.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []models.AuditEvent
	max    int
}

func NewMemoryRecorder(max int) *MemoryRecorder {
	if max <= 0 {
		max = 10000
	}
	return &MemoryRecorder{max: max}
}

func (r *MemoryRecorder) Record(_ context.Context, e models.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.events = append(r.events, e)
	if over := len(r.events) - r.max; over > 0 {
		r.events = append([]models.AuditEvent(nil), r.events[over:]...)
	}
	return nil
}

// Search returns matches newest first.
func (r *MemoryRecorder) Search(_ context.Context, q models.AuditQuery) ([]models.AuditEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var out []models.AuditEvent
	for i := len(r.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := r.events[i]
		if q.AccountID != "" && e.AccountID != q.AccountID {
			continue
		}
		if q.EventType != "" && e.EventType != q.EventType {
			continue
		}
		if !q.Since.IsZero() && e.EventTime.Before(q.Since) {
			continue
		}
		if !q.Until.IsZero() && e.EventTime.After(q.Until) {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// Events returns a copy of everything recorded, oldest first.
func (r *MemoryRecorder) Events() []models.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.AuditEvent(nil), r.events...)
}
