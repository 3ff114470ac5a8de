// Package audit records the trust audit trail: logins, governance denials,
// consent transitions and admin actions. Sinks are pluggable and recording
// never blocks the audited operation.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trust-service/internal/clock"
	"trust-service/internal/models"
)

const recordTimeout = 3 * time.Second

type Recorder interface {
	Record(ctx context.Context, event models.AuditEvent) error
}

// Searcher is implemented by sinks that can answer admin queries.
type Searcher interface {
	Search(ctx context.Context, q models.AuditQuery) ([]models.AuditEvent, error)
}

// Trail stamps events and hands them to the configured sink. Sink failures
// are logged, never returned.
type Trail struct {
	recorder Recorder
	clock    clock.Clock
	logger   *zap.Logger
}

func NewTrail(recorder Recorder, clk clock.Clock, logger *zap.Logger) *Trail {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Trail{recorder: recorder, clock: clk, logger: logger}
}

// Emit records event with a fresh ID and timestamp. A nil Trail is a no-op.
func (t *Trail) Emit(ctx context.Context, event models.AuditEvent) {
	if t == nil || t.recorder == nil {
		return
	}

	now := t.clock.Now().UTC()
	event.EventID = uuid.NewString()
	event.EventTime = now
	event.EventDate = now.Format("2006-01-02")
	if event.Actor == "" {
		event.Actor = "system"
	}

	// Recording outlives a cancelled request context.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()

	if err := t.recorder.Record(ctx, event); err != nil {
		t.logger.Warn("Failed to record audit event",
			zap.String("event_type", string(event.EventType)),
			zap.String("account_id", event.AccountID),
			zap.Error(err))
	}
}

// Search delegates to the sink when it supports queries.
func (t *Trail) Search(ctx context.Context, q models.AuditQuery) ([]models.AuditEvent, bool, error) {
	if t == nil {
		return nil, false, nil
	}
	s, ok := searcherOf(t.recorder)
	if !ok {
		return nil, false, nil
	}
	events, err := s.Search(ctx, q)
	return events, true, err
}

// searcherOf finds the first searchable sink, looking inside fan-outs.
func searcherOf(r Recorder) (Searcher, bool) {
	if m, ok := r.(*MultiRecorder); ok {
		for _, inner := range m.recorders {
			if s, ok := searcherOf(inner); ok {
				return s, true
			}
		}
		return nil, false
	}
	s, ok := r.(Searcher)
	return s, ok
}
