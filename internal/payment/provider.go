// Package payment wraps the card provider used for the high-reliability
// consent channel: a small refundable charge proves a guardian holds a
// payment card.
package payment

import (
	"context"
	"errors"
)

type ChargeStatus string

const (
	StatusRequiresConfirmation ChargeStatus = "requires_confirmation"
	StatusSucceeded            ChargeStatus = "succeeded"
	StatusFailed               ChargeStatus = "failed"
	StatusRefunded             ChargeStatus = "refunded"
)

// MetadataConsentToken links a charge to the consent request it verifies.
const MetadataConsentToken = "consent_token"

var ErrChargeNotFound = errors.New("charge not found")

type ChargeRequest struct {
	AmountCents int64             `json:"amount"`
	Currency    string            `json:"currency"`
	Description string            `json:"description"`
	Metadata    map[string]string `json:"metadata"`
}

type Charge struct {
	ID           string            `json:"id"`
	Status       ChargeStatus      `json:"status"`
	AmountCents  int64             `json:"amount"`
	Currency     string            `json:"currency"`
	ClientSecret string            `json:"client_secret,omitempty"`
	Metadata     map[string]string `json:"metadata"`
}

type Provider interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*Charge, error)
	// ConfirmCharge returns the provider's current view of the charge.
	ConfirmCharge(ctx context.Context, chargeID string) (*Charge, error)
	Refund(ctx context.Context, chargeID string) error
}
