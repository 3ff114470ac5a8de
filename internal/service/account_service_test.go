package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trust-service/internal/apperr"
	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/config"
	"trust-service/internal/consent"
	"trust-service/internal/encryption"
	"trust-service/internal/hashing"
	"trust-service/internal/models"
	"trust-service/internal/notify"
	"trust-service/internal/payment"
	"trust-service/internal/repository"
	"trust-service/internal/repository/file"
	"trust-service/internal/session"
)

var t0 = time.Date(2026, 7, 1, 10, 0, 0, 0, time.UTC)

type fixture struct {
	svc      *AccountService
	consent  *consent.Service
	backend  *repository.Backend
	sessions session.Store
	clock    *clock.Fixed
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureWithCipher(t, encryption.NewEncryptionManager(&config.Config{}, nil))
}

func newFixtureWithCipher(t *testing.T, cipher consent.FieldCipher) *fixture {
	t.Helper()
	backend, err := file.NewBackend(t.TempDir())
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	clk := clock.NewFixed(t0)
	trail := audit.NewTrail(audit.NewMemoryRecorder(100), clk, logger)

	sessions := session.NewMemoryStore(context.Background(), backend.Sessions, session.MemoryOptions{Clock: clk, Logger: logger, FlushWindow: time.Millisecond})
	t.Cleanup(func() { _ = sessions.Close() })

	consentSvc := consent.NewService(consent.Dependencies{
		Accounts: backend.Accounts,
		Requests: backend.Consents,
		Sessions: sessions,
		Sender:   notify.NewRecorder(),
		Payments: payment.NewSandboxProvider(),
		Cipher:   cipher,
		Clock:    clk,
		Trail:    trail,
		Logger:   logger,
	}, consent.Config{})

	svc := NewAccountService(backend.Accounts, sessions, consentSvc, hashing.NewTestHasher(),
		NewMemoryAttemptTracker(LoginFailureWindow), clk, time.UTC, trail, logger)
	return &fixture{svc: svc, consent: consentSvc, backend: backend, sessions: sessions, clock: clk}
}

func (f *fixture) register(t *testing.T, username string, bracket models.AgeBracket) models.Summary {
	t.Helper()
	req := &RegisterRequest{Username: username, Password: "hunter22!", AgeBracket: bracket}
	if bracket.RequiresConsent() {
		req.GuardianEmail = "parent@example.com"
	}
	res, err := f.svc.Register(context.Background(), req)
	require.NoError(t, err)
	return res.Account
}

func (f *fixture) grantConsent(t *testing.T, accountID string) string {
	t.Helper()
	ctx := context.Background()
	reqs, err := f.backend.Consents.ListConsentRequests(ctx, accountID)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	_, err = f.consent.ResolveConsent(ctx, reqs[0].Token, true)
	require.NoError(t, err)
	a, err := f.backend.Accounts.GetAccount(ctx, accountID)
	require.NoError(t, err)
	return a.Consent.GuardianToken
}

func TestRegisterAndLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	acct := f.register(t, "Explorer", models.AgeAdult)
	assert.Equal(t, models.StatusApproved, acct.Status)
	assert.Equal(t, models.TierFree, acct.Tier)
	assert.Equal(t, "Explorer", acct.DisplayName)

	res, err := f.svc.Login(ctx, "explorer", "hunter22!")
	require.NoError(t, err)
	assert.Len(t, res.Token, 64)

	sess, err := f.sessions.Validate(ctx, res.Token)
	require.NoError(t, err)
	assert.Equal(t, acct.ID, sess.AccountID)

	require.NoError(t, f.svc.Logout(ctx, sess))
	_, err = f.sessions.Validate(ctx, res.Token)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
}

type mockCipher struct {
	mock.Mock
}

func (m *mockCipher) EncryptField(ctx context.Context, plaintext string) (*models.EncryptedValue, error) {
	args := m.Called(ctx, plaintext)
	ev, _ := args.Get(0).(*models.EncryptedValue)
	return ev, args.Error(1)
}

func (m *mockCipher) DecryptField(ctx context.Context, ev *models.EncryptedValue) (string, error) {
	args := m.Called(ctx, ev)
	return args.String(0), args.Error(1)
}

func TestRegisterMinorFailsClosed(t *testing.T) {
	cipher := &mockCipher{}
	cipher.On("EncryptField", mock.Anything, "parent@example.com").
		Return(nil, errors.New("kms unavailable")).Once()
	cipher.On("EncryptField", mock.Anything, "parent@example.com").
		Return(&models.EncryptedValue{Ciphertext: "sealed", KeyID: "local"}, nil)

	f := newFixtureWithCipher(t, cipher)
	ctx := context.Background()
	req := &RegisterRequest{Username: "kiddo", Password: "hunter22!", AgeBracket: models.AgeUnder13, GuardianEmail: "parent@example.com"}

	_, err := f.svc.Register(ctx, req)
	require.Error(t, err)

	_, err = f.backend.Accounts.GetAccountByUsername(ctx, "kiddo")
	assert.ErrorIs(t, err, repository.ErrNotFound, "incomplete registration is discarded")
	_, err = f.svc.Login(ctx, "kiddo", "hunter22!")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	res, err := f.svc.Register(ctx, req)
	require.NoError(t, err, "username is free again")
	assert.True(t, res.ConsentRequired)
	assert.Equal(t, models.StatusPendingVerification, res.Account.Status)
	assert.Equal(t, models.ConsentPending, res.Account.ConsentStatus)

	_, err = f.svc.Login(ctx, "kiddo", "hunter22!")
	assert.ErrorIs(t, err, ErrConsentPending)
	cipher.AssertExpectations(t)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	f.register(t, "taken", models.AgeAdult)

	cases := []struct {
		name string
		req  RegisterRequest
		want error
	}{
		{"short username", RegisterRequest{Username: "ab", Password: "longenough", AgeBracket: models.AgeAdult}, ErrInvalidUsername},
		{"weak password", RegisterRequest{Username: "abc", Password: "short", AgeBracket: models.AgeAdult}, ErrWeakPassword},
		{"markup in display name", RegisterRequest{Username: "abc", DisplayName: "<b>x</b>", Password: "longenough", AgeBracket: models.AgeAdult}, ErrInvalidDisplayName},
		{"missing age", RegisterRequest{Username: "abc", Password: "longenough"}, ErrInvalidAgeBracket},
		{"child without guardian", RegisterRequest{Username: "abc", Password: "longenough", AgeBracket: models.AgeUnder13}, ErrGuardianRequired},
		{"bad guardian email", RegisterRequest{Username: "abc", Password: "longenough", AgeBracket: models.AgeUnder13, GuardianEmail: "nope"}, consent.ErrInvalidGuardianEmail},
		{"taken, any case", RegisterRequest{Username: "TAKEN", Password: "longenough", AgeBracket: models.AgeTeen}, ErrUsernameTaken},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := tc.req
			_, err := f.svc.Register(context.Background(), &req)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestLoginAmbiguity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "kiddo", models.AgeUnder13)

	_, unknown := f.svc.Login(ctx, "nobody", "hunter22!")
	_, wrong := f.svc.Login(ctx, "kiddo", "wrong-password")
	assert.ErrorIs(t, unknown, ErrInvalidCredentials)
	assert.ErrorIs(t, wrong, ErrInvalidCredentials)
	assert.Equal(t, apperr.MessageOf(unknown), apperr.MessageOf(wrong))

	_, err := f.svc.Login(ctx, "kiddo", "hunter22!")
	assert.ErrorIs(t, err, ErrConsentPending)
	assert.ErrorIs(t, err, apperr.ErrForbidden)
}

func TestLoginLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.register(t, "target", models.AgeAdult)

	for i := 0; i < MaxLoginFailures; i++ {
		_, err := f.svc.Login(ctx, "target", "guess")
		require.ErrorIs(t, err, ErrInvalidCredentials)
	}

	_, err := f.svc.Login(ctx, "Target", "hunter22!")
	assert.ErrorIs(t, err, ErrTooManyAttempts)

	f.clock.Advance(LoginFailureWindow)
	_, err = f.svc.Login(ctx, "target", "hunter22!")
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "target", "guess")
	assert.ErrorIs(t, err, ErrInvalidCredentials, "a success resets the counter")
}

func TestTimedSuspensionHeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "rowdy", models.AgeAdult)

	until := t0.Add(time.Hour)
	_, err := f.svc.Suspend(ctx, acct.ID, &until)
	require.NoError(t, err)

	_, err = f.svc.Login(ctx, "rowdy", "hunter22!")
	assert.ErrorIs(t, err, ErrAccountSuspended)

	f.clock.Advance(time.Hour)
	_, err = f.svc.Login(ctx, "rowdy", "hunter22!")
	require.NoError(t, err)

	stored, err := f.svc.GetAccount(ctx, acct.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, stored.Status)
	assert.Nil(t, stored.SuspendedUntil)

	_, err = f.svc.Suspend(ctx, acct.ID, nil)
	require.NoError(t, err)
	f.clock.Advance(365 * 24 * time.Hour)
	_, err = f.svc.Login(ctx, "rowdy", "hunter22!")
	assert.ErrorIs(t, err, ErrAccountSuspended)
}

func TestRevokedConsentNeverHeals(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	acct := f.register(t, "kiddo", models.AgeUnder13)
	token := f.grantConsent(t, acct.ID)

	login, err := f.svc.Login(ctx, "kiddo", "hunter22!")
	require.NoError(t, err)

	require.NoError(t, f.consent.RevokeConsent(ctx, token))
	_, err = f.sessions.Validate(ctx, login.Token)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)

	_, err = f.svc.Login(ctx, "kiddo", "hunter22!")
	assert.ErrorIs(t, err, ErrConsentRevoked)

	_, err = f.svc.Approve(ctx, acct.ID)
	assert.ErrorIs(t, err, ErrConsentRequired)
}

func TestAdminModeration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	kid := f.register(t, "kiddo", models.AgeUnder13)
	adult := f.register(t, "grown", models.AgeAdult)

	_, err := f.svc.Approve(ctx, kid.ID)
	assert.ErrorIs(t, err, ErrConsentRequired)

	login, err := f.svc.Login(ctx, "grown", "hunter22!")
	require.NoError(t, err)

	_, err = f.svc.Deny(ctx, adult.ID)
	require.NoError(t, err)
	_, err = f.sessions.Validate(ctx, login.Token)
	assert.ErrorIs(t, err, session.ErrSessionInvalid)
	_, err = f.svc.Login(ctx, "grown", "hunter22!")
	assert.ErrorIs(t, err, ErrAccountDenied)

	approved, err := f.svc.Approve(ctx, adult.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusApproved, approved.Status)

	_, err = f.svc.SetTier(ctx, adult.ID, models.Tier("gold"))
	assert.ErrorIs(t, err, ErrInvalidTier)
	updated, err := f.svc.SetTier(ctx, adult.ID, models.TierPro)
	require.NoError(t, err)
	assert.Equal(t, models.TierPro, updated.Membership.Tier)
	require.NotNil(t, updated.Membership.UpdatedAt)

	_, err = f.svc.Approve(ctx, "missing")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}

func TestMemoryAttemptTrackerWindow(t *testing.T) {
	tr := NewMemoryAttemptTracker(time.Minute)
	ctx := context.Background()

	n, err := tr.RecordFailure(ctx, "k", t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	n, _ = tr.RecordFailure(ctx, "k", t0.Add(30*time.Second))
	assert.Equal(t, 2, n)

	n, _ = tr.Failures(ctx, "k", t0.Add(time.Minute))
	assert.Equal(t, 1, n)

	require.NoError(t, tr.Reset(ctx, "k"))
	n, _ = tr.Failures(ctx, "k", t0)
	assert.Zero(t, n)
}
