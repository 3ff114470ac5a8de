// Package admin authenticates the operator: a shared secret, an optional
// emailed one-time code, and stateless signed tokens that cannot be
// revoked before they expire.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"fmt"
	"math/big"
	"sync"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/apperr"
	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/models"
	"trust-service/internal/notify"
)

const (
	DefaultTokenTTL = 12 * time.Hour
	DefaultCodeTTL  = 5 * time.Minute
	codeDigits      = 6
)

var (
	ErrUnauthorized         = apperr.New(apperr.ErrUnauthorized, "admin_unauthorized", "Invalid admin credentials")
	ErrSecondFactorRequired = apperr.New(apperr.ErrUnauthorized, "second_factor_required", "A verification code was sent to the admin email")
)

// CodeHasher is satisfied by hashing.Hasher.
type CodeHasher interface {
	HashCode(code string) (models.Credential, error)
	VerifyCode(code string, cred models.Credential) (bool, error)
}

type Config struct {
	Secret              string
	SigningSecret       string
	TokenTTL            time.Duration
	CodeTTL             time.Duration
	Email               string
	SecondFactorEnabled bool
	// DisableKeyHeader refuses the X-Admin-Key header, leaving signed
	// tokens as the only way in.
	DisableKeyHeader    bool
}

type Token struct {
	Value     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type pendingCode struct {
	cred      models.Credential
	expiresAt time.Time
}

// Authenticator holds the single admin identity's second-factor state.
// The pending code slot and the enabled flag are guarded by mu.
type Authenticator struct {
	cfg    Config
	signer *Signer
	hasher CodeHasher
	sender notify.Sender
	clock  clock.Clock
	trail  *audit.Trail
	logger *zap.Logger

	mu           sync.Mutex
	secondFactor bool
	pending      *pendingCode
}

func NewAuthenticator(cfg Config, hasher CodeHasher, sender notify.Sender, clk clock.Clock, trail *audit.Trail, logger *zap.Logger) (*Authenticator, error) {
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = DefaultTokenTTL
	}
	if cfg.CodeTTL <= 0 {
		cfg.CodeTTL = DefaultCodeTTL
	}
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	secret := []byte(cfg.SigningSecret)
	if len(secret) == 0 {
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate signing secret: %w", err)
		}
		logger.Warn("ADMIN_SIGNING_SECRET not set, admin tokens will not survive a restart")
	}

	if cfg.SecondFactorEnabled && !cfg.DisableKeyHeader {
		logger.Warn("Admin second factor is on but X-Admin-Key still grants access with the secret alone")
	}

	return &Authenticator{
		cfg:          cfg,
		signer:       NewSigner(secret),
		hasher:       hasher,
		sender:       sender,
		clock:        clk,
		trail:        trail,
		logger:       logger,
		secondFactor: cfg.SecondFactorEnabled,
	}, nil
}

// CheckSecret compares key with the configured admin secret in constant
// time. An unset secret matches nothing.
func (a *Authenticator) CheckSecret(key string) bool {
	if a.cfg.Secret == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(a.cfg.Secret)) == 1
}

// CheckKeyHeader validates an X-Admin-Key value. The header is the shared
// secret alone and never asks for the second factor.
func (a *Authenticator) CheckKeyHeader(key string) bool {
	return !a.cfg.DisableKeyHeader && a.CheckSecret(key)
}

// Login exchanges the secret (and, when enabled, a one-time code) for a
// signed token. With the second factor on and no code supplied, a code is
// sent and ErrSecondFactorRequired returned.
func (a *Authenticator) Login(ctx context.Context, secret, code string) (*Token, error) {
	if !a.CheckSecret(secret) {
		a.failed(ctx, "first_factor")
		return nil, ErrUnauthorized
	}

	if a.SecondFactorEnabled() {
		if code == "" {
			if err := a.issueCode(ctx); err != nil {
				return nil, err
			}
			return nil, ErrSecondFactorRequired
		}
		if !a.verifyCode(code) {
			a.failed(ctx, "second_factor")
			return nil, ErrUnauthorized
		}
	}

	expiresAt := a.clock.Now().Add(a.cfg.TokenTTL)
	value, err := a.signer.Issue(expiresAt)
	if err != nil {
		return nil, fmt.Errorf("failed to sign admin token: %w", err)
	}

	a.logger.Info("Admin login", zap.Time("expires_at", expiresAt))
	a.trail.Emit(ctx, models.AuditEvent{EventType: models.EventAdminLogin, Actor: "admin"})
	return &Token{Value: value, ExpiresAt: expiresAt}, nil
}

// ValidateToken checks signature and expiry only. There is no server-side
// record, so a token stays valid until it expires.
func (a *Authenticator) ValidateToken(token string) error {
	if !a.signer.Valid(token, a.clock.Now()) {
		return ErrUnauthorized
	}
	return nil
}

func (a *Authenticator) SecondFactorEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.secondFactor
}

// BeginEnableSecondFactor sends a code that ConfirmEnableSecondFactor must
// echo back before the second factor is switched on.
func (a *Authenticator) BeginEnableSecondFactor(ctx context.Context) error {
	return a.issueCode(ctx)
}

func (a *Authenticator) ConfirmEnableSecondFactor(ctx context.Context, code string) error {
	if !a.verifyCode(code) {
		a.failed(ctx, "enable_second_factor")
		return ErrUnauthorized
	}

	a.mu.Lock()
	a.secondFactor = true
	a.mu.Unlock()

	a.action(ctx, "second_factor_enabled")
	return nil
}

func (a *Authenticator) DisableSecondFactor(ctx context.Context) {
	a.mu.Lock()
	a.secondFactor = false
	a.pending = nil
	a.mu.Unlock()

	a.action(ctx, "second_factor_disabled")
}

// issueCode replaces any pending code with a fresh one and delivers it.
func (a *Authenticator) issueCode(ctx context.Context) error {
	if a.cfg.Email == "" {
		return apperr.New(apperr.ErrForbidden, "admin_email_missing", "No admin email is configured for verification codes")
	}

	code, err := randomCode()
	if err != nil {
		return err
	}
	cred, err := a.hasher.HashCode(code)
	if err != nil {
		return fmt.Errorf("failed to hash admin code: %w", err)
	}

	a.mu.Lock()
	a.pending = &pendingCode{cred: cred, expiresAt: a.clock.Now().Add(a.cfg.CodeTTL)}
	a.mu.Unlock()

	msg := notify.Message{
		To:      a.cfg.Email,
		Subject: "Admin verification code",
		Body:    fmt.Sprintf("Your admin verification code is %s. It expires in %d minutes.", code, int(a.cfg.CodeTTL.Minutes())),
		Kind:    notify.KindAdminCode,
	}
	if err := a.sender.Send(ctx, msg); err != nil {
		return apperr.Backend("send admin code", err)
	}
	return nil
}

// verifyCode consumes the pending slot whatever the outcome.
func (a *Authenticator) verifyCode(code string) bool {
	a.mu.Lock()
	p := a.pending
	a.pending = nil
	a.mu.Unlock()

	if p == nil || !a.clock.Now().Before(p.expiresAt) {
		return false
	}
	ok, err := a.hasher.VerifyCode(code, p.cred)
	if err != nil {
		a.logger.Error("Admin code verification failed", zap.Error(err))
		return false
	}
	return ok
}

func randomCode() (string, error) {
	max := big.NewInt(1)
	for i := 0; i < codeDigits; i++ {
		max.Mul(max, big.NewInt(10))
	}
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate admin code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n), nil
}

func (a *Authenticator) failed(ctx context.Context, stage string) {
	a.logger.Warn("Admin authentication failed", zap.String("stage", stage))
	a.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventAdminLoginFailed,
		Actor:     "admin",
		Reason:    stage,
	})
}

func (a *Authenticator) action(ctx context.Context, what string) {
	a.trail.Emit(ctx, models.AuditEvent{
		EventType: models.EventAdminAction,
		Actor:     "admin",
		Reason:    what,
	})
}
