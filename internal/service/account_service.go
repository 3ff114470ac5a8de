package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"trust-service/internal/apperr"
	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/consent"
	"trust-service/internal/governor"
	"trust-service/internal/hashing"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/session"
	"trust-service/internal/util"
)

const minPasswordLength = 8

// RegisterRequest represents account registration request
type RegisterRequest struct {
	Username      string            `json:"username"`
	DisplayName   string            `json:"display_name"`
	Password      string            `json:"password"`
	AgeBracket    models.AgeBracket `json:"age_bracket"`
	GuardianEmail string            `json:"guardian_email,omitempty"`
}

type RegisterResult struct {
	Account         models.Summary `json:"account"`
	ConsentRequired bool           `json:"consent_required"`
}

type LoginResult struct {
	Token   string         `json:"token"`
	Account models.Summary `json:"account"`
}

// AccountService handles registration, login and moderation of accounts
type AccountService struct {
	accounts repository.AccountRepository
	sessions session.Store
	consent  *consent.Service
	hasher   *hashing.Hasher
	attempts AttemptTracker
	clock    clock.Clock
	location *time.Location
	trail    *audit.Trail
	logger   *zap.Logger

	dummyOnce sync.Once
	dummy     models.Credential
}

// NewAccountService creates a new account service
func NewAccountService(
	accounts repository.AccountRepository,
	sessions session.Store,
	consentSvc *consent.Service,
	hasher *hashing.Hasher,
	attempts AttemptTracker,
	clk clock.Clock,
	location *time.Location,
	trail *audit.Trail,
	logger *zap.Logger,
) *AccountService {
	if attempts == nil {
		attempts = NewMemoryAttemptTracker(LoginFailureWindow)
	}
	if clk == nil {
		clk = clock.System()
	}
	if location == nil {
		location = time.UTC
	}
	return &AccountService{
		accounts: accounts,
		sessions: sessions,
		consent:  consentSvc,
		hasher:   hasher,
		attempts: attempts,
		clock:    clk,
		location: location,
		trail:    trail,
		logger:   logger,
	}
}

// Register creates an account. Children under 13 start consent pending and
// their guardian is asked to approve.
func (s *AccountService) Register(ctx context.Context, req *RegisterRequest) (*RegisterResult, error) {
	startTime := time.Now()

	guardianEmail, err := s.validateRegisterRequest(req)
	if err != nil {
		return nil, err
	}

	cred, err := s.hasher.HashPassword(req.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	displayName := strings.TrimSpace(req.DisplayName)
	if displayName == "" {
		displayName = req.Username
	}

	now := s.clock.Now()
	account := models.NewAccount(uuid.NewString(), req.Username, displayName, req.AgeBracket, now)
	account.Credential = cred
	account.Usage = models.NewUsageCounters(now, s.location)

	// A minor is never stored as approved, even for the moment before the
	// guardian request is recorded.
	consentRequired := req.AgeBracket.RequiresConsent()
	if consentRequired {
		account.Status = models.StatusPendingVerification
		account.Consent.Status = models.ConsentPending
	}

	if err := s.accounts.CreateAccount(ctx, account); err != nil {
		if errors.Is(err, repository.ErrUsernameTaken) {
			return nil, ErrUsernameTaken
		}
		return nil, apperr.Backend("create account", err)
	}

	if consentRequired {
		if _, err := s.consent.RequestConsent(ctx, account, guardianEmail, models.ConsentActionSignup); err != nil {
			s.discard(ctx, account.ID)
			return nil, fmt.Errorf("failed to request parental consent: %w", err)
		}
	}

	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventRegister,
		AccountID: account.ID,
		Actor:     account.ID,
		Details:   map[string]string{"age_bracket": string(account.AgeBracket)},
	})

	s.logger.Info("Account registered",
		util.AccountID(account.ID),
		util.Bool("consent_required", consentRequired),
		util.Duration("duration", time.Since(startTime)),
	)

	return &RegisterResult{Account: s.Summary(account), ConsentRequired: consentRequired}, nil
}

// discard removes an account whose registration could not finish, freeing
// the username for another attempt.
func (s *AccountService) discard(ctx context.Context, accountID string) {
	if err := s.accounts.DeleteAccount(ctx, accountID); err != nil {
		s.logger.Error("Failed to discard incomplete registration",
			util.AccountID(accountID),
			util.ErrorField(err))
	}
}

func (s *AccountService) validateRegisterRequest(req *RegisterRequest) (string, error) {
	req.Username = strings.TrimSpace(req.Username)
	if !util.ValidUsername(req.Username) {
		return "", ErrInvalidUsername
	}
	if utf8.RuneCountInString(req.Password) < minPasswordLength {
		return "", ErrWeakPassword
	}
	if utf8.RuneCountInString(req.DisplayName) > 64 || util.ContainsSuspicious(req.DisplayName) {
		return "", ErrInvalidDisplayName
	}
	if !req.AgeBracket.Valid() {
		return "", ErrInvalidAgeBracket
	}
	if !req.AgeBracket.RequiresConsent() {
		return "", nil
	}
	if strings.TrimSpace(req.GuardianEmail) == "" {
		return "", ErrGuardianRequired
	}
	return consent.NormalizeGuardianEmail(req.GuardianEmail)
}

// Login verifies the password and issues a session. Unknown, deleted and
// wrong-password attempts are indistinguishable; status blocks are only
// revealed once the password is correct.
func (s *AccountService) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	key := strings.ToLower(strings.TrimSpace(username))
	now := s.clock.Now()

	if n, err := s.attempts.Failures(ctx, key, now); err != nil {
		s.logger.Warn("Login attempt tracker unavailable", util.ErrorField(err))
	} else if n >= MaxLoginFailures {
		return nil, ErrTooManyAttempts
	}

	account, err := s.accounts.GetAccountByUsername(ctx, key)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		s.burnHash(password)
		return nil, s.loginFailed(ctx, key, "", now)
	case err != nil:
		return nil, apperr.Backend("load account", err)
	case account.Status == models.StatusDeleted:
		s.burnHash(password)
		return nil, s.loginFailed(ctx, key, account.ID, now)
	}

	ok, err := s.hasher.VerifyPassword(password, account.Credential)
	if err != nil {
		s.logger.Error("Password verification error", util.AccountID(account.ID), util.ErrorField(err))
	}
	if !ok {
		return nil, s.loginFailed(ctx, key, account.ID, now)
	}

	if err := s.attempts.Reset(ctx, key); err != nil {
		s.logger.Warn("Failed to reset login attempts", util.ErrorField(err))
	}

	if err := s.checkStatus(ctx, account, now); err != nil {
		s.trail.Emit(ctx, models.AuditEvent{
			EventType: models.EventLoginFailed,
			AccountID: account.ID,
			Reason:    apperr.CodeOf(err),
		})
		return nil, err
	}

	token, err := s.sessions.Issue(ctx, models.Identity{AccountID: account.ID, DisplayName: account.DisplayName})
	if err != nil {
		return nil, err
	}

	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventLogin,
		AccountID: account.ID,
		Actor:     account.ID,
	})
	s.logger.Info("Account logged in", util.AccountID(account.ID), util.TokenPrefix(token))

	return &LoginResult{Token: token, Account: s.Summary(account)}, nil
}

// checkStatus gates login on account status, healing an expired timed
// suspension first.
func (s *AccountService) checkStatus(ctx context.Context, account *models.Account, now time.Time) error {
	if account.Consent.Status == models.ConsentRevoked {
		return ErrConsentRevoked
	}

	switch account.Status {
	case models.StatusApproved:
		return nil
	case models.StatusPendingVerification:
		return ErrConsentPending
	case models.StatusPending:
		if account.Consent.Status == models.ConsentPending {
			return ErrConsentPending
		}
		return ErrPendingApproval
	case models.StatusDenied:
		return ErrAccountDenied
	case models.StatusSuspended:
		if account.SuspendedUntil == nil || now.Before(*account.SuspendedUntil) {
			if account.SuspendedUntil != nil {
				return ErrAccountSuspended.Wrap(fmt.Errorf("until %s", account.SuspendedUntil.UTC().Format(time.RFC3339)))
			}
			return ErrAccountSuspended
		}
		account.Status = models.StatusApproved
		account.SuspendedUntil = nil
		account.UpdatedAt = now
		if err := s.accounts.SaveAccount(ctx, account); err != nil {
			return apperr.Backend("lift suspension", err)
		}
		s.logger.Info("Suspension expired", util.AccountID(account.ID))
		return nil
	}
	return ErrInvalidCredentials
}

func (s *AccountService) loginFailed(ctx context.Context, key, accountID string, now time.Time) error {
	n, err := s.attempts.RecordFailure(ctx, key, now)
	if err != nil {
		s.logger.Warn("Failed to record login failure", util.ErrorField(err))
	}
	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventLoginFailed,
		AccountID: accountID,
		Reason:    "invalid_credentials",
		Details:   map[string]string{"failures": fmt.Sprint(n)},
	})
	return ErrInvalidCredentials
}

// burnHash spends the same argon2 work as a real verification so unknown
// usernames are not distinguishable by latency.
func (s *AccountService) burnHash(password string) {
	s.dummyOnce.Do(func() {
		cred, err := s.hasher.HashPassword(uuid.NewString())
		if err == nil {
			s.dummy = cred
		}
	})
	_, _ = s.hasher.VerifyPassword(password, s.dummy)
}

func (s *AccountService) Logout(ctx context.Context, sess *models.Session) error {
	if err := s.sessions.Revoke(ctx, sess.Token); err != nil {
		return err
	}
	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventLogout,
		AccountID: sess.AccountID,
		Actor:     sess.AccountID,
	})
	return nil
}

// Summary is the owner's view of account with usage read in the service's
// time zone.
func (s *AccountService) Summary(account *models.Account) models.Summary {
	return account.Summary(s.clock.Now(), s.location)
}

func (s *AccountService) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := s.accounts.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrAccountNotFound
		}
		return nil, apperr.Backend("load account", err)
	}
	return account, nil
}

// Admin operations

// Approve moves an account to approved. Accounts that need parental
// consent can only be approved once it is granted.
func (s *AccountService) Approve(ctx context.Context, accountID string) (*models.Account, error) {
	return s.moderate(ctx, accountID, "approve", func(a *models.Account) error {
		if a.AgeBracket.RequiresConsent() && a.Consent.Status != models.ConsentGranted {
			return ErrConsentRequired
		}
		a.Status = models.StatusApproved
		a.SuspendedUntil = nil
		return nil
	})
}

func (s *AccountService) Deny(ctx context.Context, accountID string) (*models.Account, error) {
	account, err := s.moderate(ctx, accountID, "deny", func(a *models.Account) error {
		a.Status = models.StatusDenied
		return nil
	})
	if err == nil {
		s.revokeSessions(ctx, accountID)
	}
	return account, err
}

// Suspend suspends an account until the given time, or indefinitely when
// until is nil.
func (s *AccountService) Suspend(ctx context.Context, accountID string, until *time.Time) (*models.Account, error) {
	account, err := s.moderate(ctx, accountID, "suspend", func(a *models.Account) error {
		a.Status = models.StatusSuspended
		a.SuspendedUntil = until
		return nil
	})
	if err == nil {
		s.revokeSessions(ctx, accountID)
	}
	return account, err
}

// SuspendFor suspends an account for d from now.
func (s *AccountService) SuspendFor(ctx context.Context, accountID string, d time.Duration) (*models.Account, error) {
	until := s.clock.Now().Add(d)
	return s.Suspend(ctx, accountID, &until)
}

func (s *AccountService) SetTier(ctx context.Context, accountID string, tier models.Tier) (*models.Account, error) {
	if !governor.ValidTier(tier) {
		return nil, ErrInvalidTier
	}
	return s.moderate(ctx, accountID, "set_tier", func(a *models.Account) error {
		now := s.clock.Now()
		a.Membership.Tier = tier
		a.Membership.UpdatedAt = &now
		return nil
	})
}

func (s *AccountService) moderate(ctx context.Context, accountID, action string, apply func(*models.Account) error) (*models.Account, error) {
	account, err := s.GetAccount(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.Status == models.StatusDeleted {
		return nil, ErrAccountNotFound
	}
	if err := apply(account); err != nil {
		return nil, err
	}

	account.UpdatedAt = s.clock.Now()
	if err := s.accounts.SaveAccount(ctx, account); err != nil {
		return nil, apperr.Backend("save account", err)
	}

	s.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventAdminAction,
		AccountID: accountID,
		Actor:     "admin",
		Reason:    action,
		Details: map[string]string{
			"status": string(account.Status),
			"tier":   string(account.Membership.Tier),
		},
	})
	s.logger.Info("Admin action applied",
		util.AccountID(accountID),
		util.String("action", action),
		util.String("status", string(account.Status)),
	)
	return account, nil
}

func (s *AccountService) revokeSessions(ctx context.Context, accountID string) {
	if err := s.sessions.RevokeAccount(ctx, accountID); err != nil {
		s.logger.Error("Failed to revoke sessions", util.AccountID(accountID), util.ErrorField(err))
	}
}
