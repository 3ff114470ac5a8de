// Package consent implements verifiable parental consent: request,
// resolution through an email link or a refundable card charge,
// revocation, and the guardian dashboard reached through a capability
// token.
package consent

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/apperr"
	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/models"
	"trust-service/internal/notify"
	"trust-service/internal/payment"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

const (
	DefaultRequestTTL = 72 * time.Hour
	tokenBytes        = 32
)

// FieldCipher is satisfied by encryption.EncryptionManager.
type FieldCipher interface {
	EncryptField(ctx context.Context, plaintext string) (*models.EncryptedValue, error)
	DecryptField(ctx context.Context, ev *models.EncryptedValue) (string, error)
}

// SessionRevoker is satisfied by every session.Store.
type SessionRevoker interface {
	RevokeAccount(ctx context.Context, accountID string) error
}

type Config struct {
	RequestTTL           time.Duration
	PublicBaseURL        string
	ChargeAmountCents    int64
	ChargeCurrency       string
	RequireAdminApproval bool
	// Location sets the calendar for usage periods shown to guardians.
	Location *time.Location
}

type Dependencies struct {
	Accounts repository.AccountRepository
	Requests repository.ConsentRepository
	Sessions SessionRevoker
	Sender   notify.Sender
	Payments payment.Provider
	Cipher   FieldCipher
	Clock    clock.Clock
	Trail    *audit.Trail
	Logger   *zap.Logger
}

// Service owns every consent transition. Account records are read and
// written through the repository; request resolution relies on the
// repository's compare-and-set so the first answer wins.
type Service struct {
	accounts repository.AccountRepository
	requests repository.ConsentRepository
	sessions SessionRevoker
	sender   notify.Sender
	payments payment.Provider
	cipher   FieldCipher
	cfg      Config
	clock    clock.Clock
	trail    *audit.Trail
	logger   *zap.Logger
	locks    accountLocks
}

// NewService creates a new consent service
func NewService(deps Dependencies, cfg Config) *Service {
	if cfg.RequestTTL <= 0 {
		cfg.RequestTTL = DefaultRequestTTL
	}
	if cfg.ChargeAmountCents <= 0 {
		cfg.ChargeAmountCents = 50
	}
	if cfg.ChargeCurrency == "" {
		cfg.ChargeCurrency = "usd"
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if deps.Clock == nil {
		deps.Clock = clock.System()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Service{
		accounts: deps.Accounts,
		requests: deps.Requests,
		sessions: deps.Sessions,
		sender:   deps.Sender,
		payments: deps.Payments,
		cipher:   deps.Cipher,
		cfg:      cfg,
		clock:    deps.Clock,
		trail:    deps.Trail,
		logger:   deps.Logger,
	}
}

func newToken() (string, error) {
	b := make([]byte, tokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// NormalizeGuardianEmail validates and lower-cases a guardian address.
func NormalizeGuardianEmail(raw string) (string, error) {
	email, ok := util.NormalizeEmail(raw)
	if !ok {
		return "", ErrInvalidGuardianEmail
	}
	return email, nil
}

// RequestConsent records a pending request for action and notifies the
// guardian. For signup the account moves to consent pending and keeps the
// guardian address encrypted.
func (s *Service) RequestConsent(ctx context.Context, account *models.Account, guardianEmail string, action models.ConsentAction) (*models.ConsentRequest, error) {
	email, err := NormalizeGuardianEmail(guardianEmail)
	if err != nil {
		return nil, err
	}

	token, err := newToken()
	if err != nil {
		return nil, err
	}

	now := s.clock.Now()
	req := &models.ConsentRequest{
		Token:           token,
		AccountID:       account.ID,
		GuardianAddress: email,
		Action:          action,
		Status:          models.RequestPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(s.cfg.RequestTTL),
	}

	var encrypted *models.EncryptedValue
	if action == models.ConsentActionSignup {
		if encrypted, err = s.cipher.EncryptField(ctx, email); err != nil {
			return nil, fmt.Errorf("failed to protect guardian email: %w", err)
		}
	}

	if err := s.requests.CreateConsentRequest(ctx, req); err != nil {
		return nil, apperr.Backend("create consent request", err)
	}

	// The account only moves once its request exists, so a pending account
	// always has a request to answer.
	if action == models.ConsentActionSignup {
		account.Consent.Status = models.ConsentPending
		account.Consent.GuardianEmail = encrypted
		account.Status = models.StatusPendingVerification
		account.UpdatedAt = now
		if err := s.accounts.SaveAccount(ctx, account); err != nil {
			if delErr := s.requests.DeleteConsentRequests(ctx, account.ID); delErr != nil {
				s.logger.Error("Failed to roll back consent request",
					util.AccountID(account.ID),
					zap.Error(delErr))
			}
			return nil, apperr.Backend("save account", err)
		}
	}

	if err := s.sender.Send(ctx, s.requestMessage(account, req)); err != nil {
		s.logger.Error("Failed to send consent request",
			util.AccountID(account.ID),
			zap.String("action", string(action)),
			zap.Error(err))
	}

	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventConsentRequested,
		AccountID: account.ID,
		Details:   map[string]string{"action": string(action)},
	})
	return req.Clone(), nil
}

func (s *Service) requestMessage(account *models.Account, req *models.ConsentRequest) notify.Message {
	link := func(answer string) string {
		q := url.Values{"token": {req.Token}, "action": {answer}}
		return strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/api/v1/consent/respond?" + q.Encode()
	}

	subject := fmt.Sprintf("%s would like to join", account.DisplayName)
	intro := fmt.Sprintf("%s has asked to create an account and needs your permission.", account.DisplayName)
	if req.Action == models.ConsentActionDataDeletion {
		subject = fmt.Sprintf("%s asked to delete their account", account.DisplayName)
		intro = fmt.Sprintf("%s has asked us to delete their account and all of its data.", account.DisplayName)
	}

	body := fmt.Sprintf("%s\n\nApprove: %s\nDecline: %s\n\nThis link expires %s.",
		intro, link("grant"), link("deny"), req.ExpiresAt.UTC().Format(time.RFC1123))

	return notify.Message{
		To:        req.GuardianAddress,
		Subject:   subject,
		Body:      body,
		Kind:      notify.KindConsentRequest,
		AccountID: account.ID,
		Metadata:  map[string]string{"action": string(req.Action)},
	}
}

// ValidateRequest returns the request behind token if it can still be
// answered. Expiry is checked before the stored status.
func (s *Service) ValidateRequest(ctx context.Context, token string) (*models.ConsentRequest, error) {
	if token == "" {
		return nil, ErrRequestNotFound
	}
	req, err := s.requests.GetConsentRequest(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrRequestNotFound
		}
		return nil, apperr.Backend("load consent request", err)
	}
	if req.Expired(s.clock.Now()) {
		return nil, ErrConsentExpired
	}
	if req.Status != models.RequestPending {
		return nil, ErrAlreadyResolved
	}
	return req, nil
}

// ResolveConsent answers a request through the email link channel.
func (s *Service) ResolveConsent(ctx context.Context, token string, granted bool) (*models.ConsentRequest, error) {
	status := models.RequestDenied
	if granted {
		status = models.RequestGranted
	}

	req, err := s.ValidateRequest(ctx, token)
	if errors.Is(err, ErrAlreadyResolved) {
		return s.reapply(ctx, token, status, models.MethodEmailLink)
	}
	if err != nil {
		return nil, err
	}
	return s.resolve(ctx, req, status, models.MethodEmailLink)
}

// resolve applies the first-wins transition and then its effect on the
// account.
func (s *Service) resolve(ctx context.Context, req *models.ConsentRequest, status models.ConsentRequestStatus, method models.ConsentMethod) (*models.ConsentRequest, error) {
	unlock := s.locks.lock(req.AccountID)
	defer unlock()

	account, err := s.loadAccount(ctx, req.AccountID)
	if err != nil {
		return nil, err
	}
	if account.Consent.Status == models.ConsentRevoked {
		return nil, ErrConsentRevoked
	}

	now := s.clock.Now()
	applied, err := s.requests.ResolveConsentRequest(ctx, req.Token, models.Resolution{
		Status:      status,
		Method:      method,
		RespondedAt: now,
	})
	if err != nil {
		return nil, apperr.Backend("resolve consent request", err)
	}
	if !applied {
		return nil, ErrAlreadyResolved
	}

	resolved := req.Clone()
	resolved.Status = status
	resolved.Method = method
	resolved.RespondedAt = &now

	if err := s.apply(ctx, account, resolved); err != nil {
		return nil, err
	}
	s.emitResolved(ctx, resolved)
	return resolved, nil
}

// reapply finishes a recorded resolution whose account write failed. It
// only acts when the caller repeats the stored answer and the account
// still shows the effect missing; anything else is ErrAlreadyResolved.
func (s *Service) reapply(ctx context.Context, token string, status models.ConsentRequestStatus, method models.ConsentMethod) (*models.ConsentRequest, error) {
	req, err := s.requests.GetConsentRequest(ctx, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrRequestNotFound
	}
	if err != nil {
		return nil, apperr.Backend("load consent request", err)
	}
	if req.Status != status || req.Method != method {
		return nil, ErrAlreadyResolved
	}

	unlock := s.locks.lock(req.AccountID)
	defer unlock()

	account, err := s.accounts.GetAccount(ctx, req.AccountID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAlreadyResolved
	}
	if err != nil {
		return nil, apperr.Backend("load account", err)
	}
	if !effectMissing(req, account) {
		return nil, ErrAlreadyResolved
	}

	s.logger.Warn("Completing interrupted consent resolution",
		util.AccountID(account.ID),
		zap.String("action", string(req.Action)),
		zap.String("status", string(req.Status)))

	if err := s.apply(ctx, account, req); err != nil {
		return nil, err
	}
	s.emitResolved(ctx, req)
	return req, nil
}

// effectMissing reports whether a resolved request's account effect has
// not been stored yet.
func effectMissing(req *models.ConsentRequest, account *models.Account) bool {
	switch req.Action {
	case models.ConsentActionSignup:
		return account.Consent.Status == models.ConsentPending
	case models.ConsentActionDataDeletion:
		return req.Status == models.RequestGranted
	}
	return false
}

// apply carries a resolved request onto the account. Every branch writes
// the full target state, so running it twice is harmless.
func (s *Service) apply(ctx context.Context, account *models.Account, req *models.ConsentRequest) error {
	now := s.clock.Now()
	if req.RespondedAt != nil {
		now = *req.RespondedAt
	}

	switch req.Action {
	case models.ConsentActionSignup:
		if req.Status == models.RequestGranted {
			return s.grant(ctx, account, req.Method, now)
		}
		return s.deny(ctx, account, now)
	case models.ConsentActionDataDeletion:
		if req.Status == models.RequestGranted {
			return s.erase(ctx, account, "guardian")
		}
	}
	return nil
}

func (s *Service) emitResolved(ctx context.Context, req *models.ConsentRequest) {
	typ := models.EventConsentGranted
	if req.Status == models.RequestDenied {
		typ = models.EventConsentDenied
	}
	s.trail.Emit(ctx, models.AuditEvent{
		EventType: typ,
		AccountID: req.AccountID,
		Actor:     "guardian",
		Details: map[string]string{
			"action": string(req.Action),
			"method": string(req.Method),
		},
	})
}

func (s *Service) grant(ctx context.Context, account *models.Account, method models.ConsentMethod, now time.Time) error {
	account.Consent.Status = models.ConsentGranted
	account.Consent.Method = method
	account.Consent.Elevated = account.Consent.Elevated || method == models.MethodPaymentCard
	account.Consent.VerifiedAt = &now
	if account.Consent.GuardianToken == "" {
		token, err := newToken()
		if err != nil {
			return err
		}
		account.Consent.GuardianToken = token
	}

	account.Status = models.StatusApproved
	if s.cfg.RequireAdminApproval {
		account.Status = models.StatusPending
	}
	account.UpdatedAt = now

	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return apperr.Backend("save account", err)
	}
	return nil
}

func (s *Service) deny(ctx context.Context, account *models.Account, now time.Time) error {
	account.Consent.Status = models.ConsentDenied
	account.Status = models.StatusDenied
	account.UpdatedAt = now
	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return apperr.Backend("save account", err)
	}
	return nil
}

// CreateVerificationCharge opens the card channel for a pending request.
func (s *Service) CreateVerificationCharge(ctx context.Context, token string) (*payment.Charge, error) {
	req, err := s.ValidateRequest(ctx, token)
	if err != nil {
		return nil, err
	}

	charge, err := s.payments.CreateCharge(ctx, payment.ChargeRequest{
		AmountCents: s.cfg.ChargeAmountCents,
		Currency:    s.cfg.ChargeCurrency,
		Description: "Parental consent verification (refunded)",
		Metadata: map[string]string{
			payment.MetadataConsentToken: req.Token,
			"account_id":                 req.AccountID,
		},
	})
	if err != nil {
		return nil, apperr.Backend("create verification charge", err)
	}
	return charge, nil
}

// ConfirmVerificationCharge grants consent once the provider reports the
// charge succeeded. The charge is refunded before the grant is recorded;
// a failed refund is logged and audited but does not block the grant.
func (s *Service) ConfirmVerificationCharge(ctx context.Context, token, chargeID string) (*models.ConsentRequest, error) {
	req, err := s.ValidateRequest(ctx, token)
	if errors.Is(err, ErrAlreadyResolved) {
		return s.reapply(ctx, token, models.RequestGranted, models.MethodPaymentCard)
	}
	if err != nil {
		return nil, err
	}

	charge, err := s.payments.ConfirmCharge(ctx, chargeID)
	if err != nil {
		if errors.Is(err, payment.ErrChargeNotFound) {
			return nil, ErrChargeNotFound
		}
		return nil, apperr.Backend("confirm verification charge", err)
	}
	if charge.Metadata[payment.MetadataConsentToken] != req.Token {
		s.logger.Warn("Verification charge token mismatch",
			util.AccountID(req.AccountID),
			zap.String("charge_id", chargeID))
		return nil, ErrChargeMismatch
	}
	if charge.Status != payment.StatusSucceeded {
		return nil, ErrChargeNotSucceeded
	}

	if err := s.payments.Refund(ctx, chargeID); err != nil {
		s.logger.Error("Failed to refund verification charge",
			util.AccountID(req.AccountID),
			zap.String("charge_id", chargeID),
			zap.Error(err))
		s.trail.Emit(ctx, models.AuditEvent{
			EventType: models.EventRefundFailed,
			AccountID: req.AccountID,
			Reason:    err.Error(),
			Details:   map[string]string{"charge_id": chargeID},
		})
	}

	return s.resolve(ctx, req, models.RequestGranted, models.MethodPaymentCard)
}

// RevokeConsent moves granted consent to revoked. The account is
// suspended without expiry, shared features are switched off, the
// guardian token stops working and live sessions end.
func (s *Service) RevokeConsent(ctx context.Context, guardianToken string) error {
	account, err := s.accountByGuardianToken(ctx, guardianToken)
	if err != nil {
		return err
	}
	if account.Consent.Status != models.ConsentGranted {
		return ErrNotRevocable
	}

	now := s.clock.Now()
	account.Consent.Status = models.ConsentRevoked
	account.Consent.RevokedAt = &now
	account.Consent.GuardianToken = ""
	account.Status = models.StatusSuspended
	account.SuspendedUntil = nil
	account.Settings = models.Settings{}
	account.UpdatedAt = now

	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return apperr.Backend("save account", err)
	}
	s.revokeSessions(ctx, account.ID)

	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventConsentRevoked,
		AccountID: account.ID,
		Actor:     "guardian",
	})
	return nil
}

// RequestDataDeletion asks the guardian on record to approve erasing the
// account.
func (s *Service) RequestDataDeletion(ctx context.Context, accountID string) (*models.ConsentRequest, error) {
	account, err := s.loadAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Consent.Status != models.ConsentGranted || account.Consent.GuardianEmail == nil {
		return nil, ErrConsentNotGranted
	}

	email, err := s.cipher.DecryptField(ctx, account.Consent.GuardianEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to read guardian email: %w", err)
	}
	return s.RequestConsent(ctx, account, email, models.ConsentActionDataDeletion)
}

func (s *Service) loadAccount(ctx context.Context, id string) (*models.Account, error) {
	account, err := s.accounts.GetAccount(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, apperr.Backend("load account", err)
	}
	return account, nil
}

func (s *Service) accountByGuardianToken(ctx context.Context, token string) (*models.Account, error) {
	if token == "" {
		return nil, ErrGuardianTokenInvalid
	}
	account, err := s.accounts.GetAccountByGuardianToken(ctx, token)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrGuardianTokenInvalid
		}
		return nil, apperr.Backend("load account", err)
	}
	return account, nil
}

// erase marks the account deleted, removes it with its consent requests
// and ends its sessions.
func (s *Service) erase(ctx context.Context, account *models.Account, actor string) error {
	account.Status = models.StatusDeleted
	account.Consent.GuardianToken = ""
	account.UpdatedAt = s.clock.Now()
	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return apperr.Backend("save account", err)
	}
	if err := s.accounts.DeleteAccount(ctx, account.ID); err != nil {
		return apperr.Backend("delete account", err)
	}
	if err := s.requests.DeleteConsentRequests(ctx, account.ID); err != nil {
		s.logger.Warn("Failed to delete consent requests",
			util.AccountID(account.ID),
			zap.Error(err))
	}
	s.revokeSessions(ctx, account.ID)

	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventAccountDeleted,
		AccountID: account.ID,
		Actor:     actor,
	})
	return nil
}

func (s *Service) revokeSessions(ctx context.Context, accountID string) {
	if s.sessions == nil {
		return
	}
	if err := s.sessions.RevokeAccount(ctx, accountID); err != nil {
		s.logger.Error("Failed to revoke account sessions",
			util.AccountID(accountID),
			zap.Error(err))
	}
}
