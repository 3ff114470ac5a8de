package payment

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// SandboxProvider is an in-process provider for development. Charges
// succeed on confirmation unless marked with Decline.
type SandboxProvider struct {
	mu        sync.Mutex
	charges   map[string]*Charge
	declined  map[string]bool
	refundErr error
}

func NewSandboxProvider() *SandboxProvider {
	return &SandboxProvider{
		charges:  make(map[string]*Charge),
		declined: make(map[string]bool),
	}
}

func (p *SandboxProvider) CreateCharge(_ context.Context, req ChargeRequest) (*Charge, error) {
	if req.AmountCents <= 0 {
		return nil, errors.New("amount must be positive")
	}

	metadata := make(map[string]string, len(req.Metadata))
	for k, v := range req.Metadata {
		metadata[k] = v
	}
	id := "ch_" + uuid.NewString()
	charge := &Charge{
		ID:           id,
		Status:       StatusRequiresConfirmation,
		AmountCents:  req.AmountCents,
		Currency:     req.Currency,
		ClientSecret: id + "_secret",
		Metadata:     metadata,
	}

	p.mu.Lock()
	p.charges[id] = charge
	p.mu.Unlock()

	c := *charge
	return &c, nil
}

func (p *SandboxProvider) ConfirmCharge(_ context.Context, chargeID string) (*Charge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	charge, ok := p.charges[chargeID]
	if !ok {
		return nil, ErrChargeNotFound
	}
	if charge.Status == StatusRequiresConfirmation {
		charge.Status = StatusSucceeded
		if p.declined[chargeID] {
			charge.Status = StatusFailed
		}
	}
	c := *charge
	return &c, nil
}

func (p *SandboxProvider) Refund(_ context.Context, chargeID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.refundErr != nil {
		return p.refundErr
	}
	charge, ok := p.charges[chargeID]
	if !ok {
		return ErrChargeNotFound
	}
	if charge.Status != StatusSucceeded {
		return errors.New("only succeeded charges can be refunded")
	}
	charge.Status = StatusRefunded
	return nil
}

// Decline makes the next confirmation of chargeID fail.
func (p *SandboxProvider) Decline(chargeID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.declined[chargeID] = true
}

// FailRefunds makes every refund return err.
func (p *SandboxProvider) FailRefunds(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.refundErr = err
}

func (p *SandboxProvider) Charge(chargeID string) (Charge, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.charges[chargeID]
	if !ok {
		return Charge{}, false
	}
	return *c, true
}
