package audit

import (
	"context"
	"errors"
	"sync"

	"trust-service/internal/models"
)

// MultiRecorder fans each event out to every sink concurrently.
type MultiRecorder struct {
	recorders []Recorder
}

func NewMultiRecorder(recorders ...Recorder) *MultiRecorder {
	return &MultiRecorder{recorders: recorders}
}

// Record waits for every sink; one failing sink never stops the others.
func (m *MultiRecorder) Record(ctx context.Context, e models.AuditEvent) error {
	errs := make([]error, len(m.recorders))

	var wg sync.WaitGroup
	for i, r := range m.recorders {
		wg.Add(1)
		go func(i int, r Recorder) {
			defer wg.Done()
			errs[i] = r.Record(ctx, e)
		}(i, r)
	}
	wg.Wait()
	return errors.Join(errs...)
}
