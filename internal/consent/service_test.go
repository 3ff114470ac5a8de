package consent

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trust-service/internal/apperr"
	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/config"
	"trust-service/internal/encryption"
	"trust-service/internal/models"
	"trust-service/internal/notify"
	"trust-service/internal/payment"
	"trust-service/internal/repository"
	"trust-service/internal/repository/file"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

type revoker struct {
	mu  sync.Mutex
	ids []string
}

func (r *revoker) RevokeAccount(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
	return nil
}

func (r *revoker) revoked() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ids...)
}

// flakyAccounts fails account writes while down is set.
type flakyAccounts struct {
	repository.AccountRepository
	down atomic.Bool
}

func (a *flakyAccounts) SaveAccount(ctx context.Context, account *models.Account) error {
	if a.down.Load() {
		return errors.New("storage down")
	}
	return a.AccountRepository.SaveAccount(ctx, account)
}

// flakyRequests fails request inserts while down is set.
type flakyRequests struct {
	repository.ConsentRepository
	down atomic.Bool
}

func (r *flakyRequests) CreateConsentRequest(ctx context.Context, req *models.ConsentRequest) error {
	if r.down.Load() {
		return errors.New("storage down")
	}
	return r.ConsentRepository.CreateConsentRequest(ctx, req)
}

type fixture struct {
	svc      *Service
	backend  *repository.Backend
	accounts *flakyAccounts
	requests *flakyRequests
	clock    *clock.Fixed
	sender   *notify.Recorder
	payments *payment.SandboxProvider
	sessions *revoker
	events   *audit.MemoryRecorder
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	backend, err := file.NewBackend(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		backend:  backend,
		accounts: &flakyAccounts{AccountRepository: backend.Accounts},
		requests: &flakyRequests{ConsentRepository: backend.Consents},
		clock:    clock.NewFixed(t0),
		sender:   notify.NewRecorder(),
		payments: payment.NewSandboxProvider(),
		sessions: &revoker{},
		events:   audit.NewMemoryRecorder(100),
	}
	logger := zaptest.NewLogger(t)
	f.svc = NewService(Dependencies{
		Accounts: f.accounts,
		Requests: f.requests,
		Sessions: f.sessions,
		Sender:   f.sender,
		Payments: f.payments,
		Cipher:   encryption.NewEncryptionManager(&config.Config{}, nil),
		Clock:    f.clock,
		Trail:    audit.NewTrail(f.events, f.clock, logger),
		Logger:   logger,
	}, cfg)
	return f
}

func (f *fixture) minor(t *testing.T, id string) *models.Account {
	t.Helper()
	a := models.NewAccount(id, "user-"+id, "Kid "+id, models.AgeUnder13, t0)
	require.NoError(t, f.backend.Accounts.CreateAccount(context.Background(), a))
	return a
}

func (f *fixture) stored(t *testing.T, id string) *models.Account {
	t.Helper()
	a, err := f.backend.Accounts.GetAccount(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) hasEvent(typ models.AuditEventType) bool {
	for _, e := range f.events.Events() {
		if e.EventType == typ {
			return true
		}
	}
	return false
}

// grantedMinor walks an account through signup consent via the email link.
func (f *fixture) grantedMinor(t *testing.T, id string) *models.Account {
	t.Helper()
	ctx := context.Background()
	req, err := f.svc.RequestConsent(ctx, f.minor(t, id), "parent@example.com", models.ConsentActionSignup)
	require.NoError(t, err)
	_, err = f.svc.ResolveConsent(ctx, req.Token, true)
	require.NoError(t, err)
	return f.stored(t, id)
}

func TestRequestConsentNotifiesGuardianOnly(t *testing.T) {
	f := newFixture(t, Config{PublicBaseURL: "https://play.example.com/"})
	account := f.minor(t, "k1")

	req, err := f.svc.RequestConsent(context.Background(), account, " Parent@Example.com ", models.ConsentActionSignup)
	require.NoError(t, err)
	assert.Len(t, req.Token, 64)
	assert.Equal(t, t0.Add(72*time.Hour), req.ExpiresAt)
	assert.Equal(t, models.RequestPending, req.Status)

	sent := f.sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "parent@example.com", sent[0].To)
	assert.Equal(t, notify.KindConsentRequest, sent[0].Kind)
	assert.Contains(t, sent[0].Body, "https://play.example.com/api/v1/consent/respond?action=grant&token="+req.Token)

	stored := f.stored(t, "k1")
	assert.Equal(t, models.ConsentPending, stored.Consent.Status)
	assert.Equal(t, models.StatusPendingVerification, stored.Status)
	require.NotNil(t, stored.Consent.GuardianEmail)
	assert.NotContains(t, stored.Consent.GuardianEmail.Ciphertext, "parent")
	assert.True(t, f.hasEvent(models.EventConsentRequested))
}

func TestRequestConsentRejectsBadAddress(t *testing.T) {
	f := newFixture(t, Config{})
	account := f.minor(t, "k1")

	for _, addr := range []string{"", "not-an-email", "Parent <p@example.com>"} {
		_, err := f.svc.RequestConsent(context.Background(), account, addr, models.ConsentActionSignup)
		assert.ErrorIs(t, err, ErrInvalidGuardianEmail, addr)
	}
	assert.Empty(t, f.sender.Sent())
}

func TestSendFailureKeepsRequest(t *testing.T) {
	f := newFixture(t, Config{})
	f.sender.FailWith(errors.New("relay down"))

	req, err := f.svc.RequestConsent(context.Background(), f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)

	_, err = f.svc.ValidateRequest(context.Background(), req.Token)
	assert.NoError(t, err)
}

func TestConsentExpiry(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)

	f.clock.Advance(72 * time.Hour)
	_, err = f.svc.ValidateRequest(ctx, req.Token)
	assert.NoError(t, err, "a request is still valid at exactly its expiry")

	f.clock.Advance(time.Hour)
	_, err = f.svc.ResolveConsent(ctx, req.Token, true)
	assert.ErrorIs(t, err, ErrConsentExpired)

	_, err = f.svc.CreateVerificationCharge(ctx, req.Token)
	assert.ErrorIs(t, err, ErrConsentExpired)

	assert.Equal(t, models.ConsentPending, f.stored(t, "k1").Consent.Status)

	_, err = f.svc.ValidateRequest(ctx, "unknown")
	assert.ErrorIs(t, err, ErrRequestNotFound)
}

func TestExpiryIsCheckedBeforeStatus(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)
	_, err = f.svc.ResolveConsent(ctx, req.Token, true)
	require.NoError(t, err)

	_, err = f.svc.ValidateRequest(ctx, req.Token)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	f.clock.Advance(73 * time.Hour)
	_, err = f.svc.ValidateRequest(ctx, req.Token)
	assert.ErrorIs(t, err, ErrConsentExpired)
}

func TestResolveConsentIsIdempotent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)

	resolved, err := f.svc.ResolveConsent(ctx, req.Token, true)
	require.NoError(t, err)
	assert.Equal(t, models.RequestGranted, resolved.Status)
	assert.Equal(t, models.MethodEmailLink, resolved.Method)

	granted := f.stored(t, "k1")
	assert.Equal(t, models.ConsentGranted, granted.Consent.Status)
	assert.Equal(t, models.StatusApproved, granted.Status)
	assert.False(t, granted.Consent.Elevated)
	assert.Len(t, granted.Consent.GuardianToken, 64)

	f.clock.Advance(time.Minute)
	_, err = f.svc.ResolveConsent(ctx, req.Token, false)
	assert.ErrorIs(t, err, ErrAlreadyResolved)

	after := f.stored(t, "k1")
	assert.Equal(t, granted.Consent, after.Consent)
	assert.Equal(t, models.StatusApproved, after.Status)

	stored, err := f.backend.Consents.GetConsentRequest(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, models.RequestGranted, stored.Status)
	require.NotNil(t, stored.RespondedAt)
	assert.Equal(t, t0, *stored.RespondedAt)
}

func TestConcurrentResolutionsFirstWins(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(grant bool) {
			defer wg.Done()
			if _, err := f.svc.ResolveConsent(ctx, req.Token, grant); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, ErrAlreadyResolved)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestDenyAndAdminApproval(t *testing.T) {
	f := newFixture(t, Config{RequireAdminApproval: true})
	ctx := context.Background()

	denied, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)
	_, err = f.svc.ResolveConsent(ctx, denied.Token, false)
	require.NoError(t, err)
	a := f.stored(t, "k1")
	assert.Equal(t, models.ConsentDenied, a.Consent.Status)
	assert.Equal(t, models.StatusDenied, a.Status)
	assert.Empty(t, a.Consent.GuardianToken)
	assert.True(t, f.hasEvent(models.EventConsentDenied))

	assert.Equal(t, models.StatusPending, f.grantedMinor(t, "k2").Status)
}

func TestPaymentVerification(t *testing.T) {
	f := newFixture(t, Config{ChargeAmountCents: 50, ChargeCurrency: "usd"})
	ctx := context.Background()

	req, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)

	charge, err := f.svc.CreateVerificationCharge(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, int64(50), charge.AmountCents)
	assert.Equal(t, req.Token, charge.Metadata[payment.MetadataConsentToken])

	resolved, err := f.svc.ConfirmVerificationCharge(ctx, req.Token, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MethodPaymentCard, resolved.Method)

	stored, ok := f.payments.Charge(charge.ID)
	require.True(t, ok)
	assert.Equal(t, payment.StatusRefunded, stored.Status)

	a := f.stored(t, "k1")
	assert.Equal(t, models.ConsentGranted, a.Consent.Status)
	assert.Equal(t, models.MethodPaymentCard, a.Consent.Method)
	assert.True(t, a.Consent.Elevated)
	assert.NotEmpty(t, a.Consent.GuardianToken)
}

func TestPaymentVerificationRejectsForeignAndFailedCharges(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	first, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)
	second, err := f.svc.RequestConsent(ctx, f.minor(t, "k2"), "q@example.com", models.ConsentActionSignup)
	require.NoError(t, err)

	foreign, err := f.svc.CreateVerificationCharge(ctx, first.Token)
	require.NoError(t, err)
	_, err = f.svc.ConfirmVerificationCharge(ctx, second.Token, foreign.ID)
	assert.ErrorIs(t, err, ErrChargeMismatch)

	declined, err := f.svc.CreateVerificationCharge(ctx, second.Token)
	require.NoError(t, err)
	f.payments.Decline(declined.ID)
	_, err = f.svc.ConfirmVerificationCharge(ctx, second.Token, declined.ID)
	assert.ErrorIs(t, err, ErrChargeNotSucceeded)

	_, err = f.svc.ConfirmVerificationCharge(ctx, second.Token, "ch_missing")
	assert.ErrorIs(t, err, ErrChargeNotFound)
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	assert.Equal(t, models.ConsentPending, f.stored(t, "k2").Consent.Status)
}

func TestRefundFailureDoesNotBlockGrant(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)
	charge, err := f.svc.CreateVerificationCharge(ctx, req.Token)
	require.NoError(t, err)

	f.payments.FailRefunds(errors.New("provider down"))
	_, err = f.svc.ConfirmVerificationCharge(ctx, req.Token, charge.ID)
	require.NoError(t, err)

	assert.Equal(t, models.ConsentGranted, f.stored(t, "k1").Consent.Status)
	assert.True(t, f.hasEvent(models.EventRefundFailed))
}

func TestRevokeConsentIsTerminal(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	a := f.grantedMinor(t, "k1")
	token := a.Consent.GuardianToken

	_, err := f.svc.ToggleSetting(ctx, token, SettingMultiplayer, true)
	require.NoError(t, err)

	require.NoError(t, f.svc.RevokeConsent(ctx, token))

	revoked := f.stored(t, "k1")
	assert.Equal(t, models.ConsentRevoked, revoked.Consent.Status)
	assert.Equal(t, models.StatusSuspended, revoked.Status)
	assert.Nil(t, revoked.SuspendedUntil)
	assert.Equal(t, models.Settings{}, revoked.Settings)
	assert.Empty(t, revoked.Consent.GuardianToken)
	assert.Equal(t, []string{"k1"}, f.sessions.revoked())
	assert.True(t, f.hasEvent(models.EventConsentRevoked))

	assert.ErrorIs(t, f.svc.RevokeConsent(ctx, token), ErrGuardianTokenInvalid)
	_, err = f.svc.Summary(ctx, token)
	assert.ErrorIs(t, err, ErrGuardianTokenInvalid)

	again, err := f.svc.RequestConsent(ctx, revoked, "p@example.com", models.ConsentActionDataDeletion)
	require.NoError(t, err)
	_, err = f.svc.ResolveConsent(ctx, again.Token, true)
	assert.ErrorIs(t, err, ErrConsentRevoked)
	assert.Equal(t, models.ConsentRevoked, f.stored(t, "k1").Consent.Status)
}

func TestGuardianDashboard(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	token := f.grantedMinor(t, "k1").Consent.GuardianToken

	summary, err := f.svc.Summary(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "k1", summary.ID)

	_, err = f.svc.ToggleSetting(ctx, token, "chat", true)
	assert.ErrorIs(t, err, ErrUnknownSetting)

	settings, err := f.svc.ToggleSetting(ctx, token, SettingPublicSharing, true)
	require.NoError(t, err)
	assert.True(t, settings.PublicSharing)
	assert.False(t, settings.Multiplayer)

	export, err := f.svc.Export(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "parent@example.com", export.GuardianEmail)
	assert.Equal(t, models.MethodEmailLink, export.ConsentMethod)
	require.Len(t, export.Requests, 1)
	assert.Equal(t, models.RequestGranted, export.Requests[0].Status)

	_, err = f.svc.Summary(ctx, "")
	assert.ErrorIs(t, err, ErrGuardianTokenInvalid)
}

func TestGuardianDelete(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	token := f.grantedMinor(t, "k1").Consent.GuardianToken

	require.NoError(t, f.svc.Delete(ctx, token))

	_, err := f.backend.Accounts.GetAccount(ctx, "k1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	requests, err := f.backend.Consents.ListConsentRequests(ctx, "k1")
	require.NoError(t, err)
	assert.Empty(t, requests)
	assert.Equal(t, []string{"k1"}, f.sessions.revoked())
	assert.ErrorIs(t, f.svc.Delete(ctx, token), ErrGuardianTokenInvalid)
}

func TestDataDeletionRequest(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.svc.RequestDataDeletion(ctx, f.minor(t, "pending").ID)
	assert.ErrorIs(t, err, ErrConsentNotGranted)

	f.grantedMinor(t, "k1")
	req, err := f.svc.RequestDataDeletion(ctx, "k1")
	require.NoError(t, err)
	assert.Equal(t, models.ConsentActionDataDeletion, req.Action)

	last, ok := f.sender.Last()
	require.True(t, ok)
	assert.Equal(t, "parent@example.com", last.To)
	assert.True(t, strings.Contains(last.Subject, "delete"))

	_, err = f.svc.ResolveConsent(ctx, req.Token, true)
	require.NoError(t, err)
	_, err = f.backend.Accounts.GetAccount(ctx, "k1")
	assert.ErrorIs(t, err, repository.ErrNotFound)
	assert.True(t, f.hasEvent(models.EventAccountDeleted))
}

func TestFailedSignupRequestLeavesNoHalfState(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.minor(t, "k1")

	f.requests.down.Store(true)
	_, err := f.svc.RequestConsent(ctx, f.stored(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.ErrorIs(t, err, apperr.ErrBackend)
	assert.Equal(t, models.ConsentNotRequired, f.stored(t, "k1").Consent.Status, "account untouched without a request")

	f.requests.down.Store(false)
	f.accounts.down.Store(true)
	_, err = f.svc.RequestConsent(ctx, f.stored(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.ErrorIs(t, err, apperr.ErrBackend)

	reqs, err := f.backend.Consents.ListConsentRequests(ctx, "k1")
	require.NoError(t, err)
	assert.Empty(t, reqs, "request rolled back when the account write fails")
	assert.Empty(t, f.sender.Sent())
}

func TestResolutionCompletesAfterAccountWriteFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)

	f.accounts.down.Store(true)
	_, err = f.svc.ResolveConsent(ctx, req.Token, true)
	require.ErrorIs(t, err, apperr.ErrBackend)

	stored, err := f.backend.Consents.GetConsentRequest(ctx, req.Token)
	require.NoError(t, err)
	assert.Equal(t, models.RequestGranted, stored.Status)
	assert.Equal(t, models.ConsentPending, f.stored(t, "k1").Consent.Status)

	f.accounts.down.Store(false)

	_, err = f.svc.ResolveConsent(ctx, req.Token, false)
	assert.ErrorIs(t, err, ErrAlreadyResolved, "a different answer never overrides the recorded one")
	assert.Equal(t, models.ConsentPending, f.stored(t, "k1").Consent.Status)

	resolved, err := f.svc.ResolveConsent(ctx, req.Token, true)
	require.NoError(t, err)
	assert.Equal(t, models.RequestGranted, resolved.Status)

	a := f.stored(t, "k1")
	assert.Equal(t, models.ConsentGranted, a.Consent.Status)
	assert.Equal(t, models.StatusApproved, a.Status)
	assert.NotEmpty(t, a.Consent.GuardianToken)
	require.NotNil(t, a.Consent.VerifiedAt)
	assert.Equal(t, t0, *a.Consent.VerifiedAt)

	_, err = f.svc.ResolveConsent(ctx, req.Token, true)
	assert.ErrorIs(t, err, ErrAlreadyResolved, "a completed resolution is not applied twice")
	assert.Equal(t, a.Consent.GuardianToken, f.stored(t, "k1").Consent.GuardianToken)
}

func TestCardGrantCompletesAfterAccountWriteFailure(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	req, err := f.svc.RequestConsent(ctx, f.minor(t, "k1"), "p@example.com", models.ConsentActionSignup)
	require.NoError(t, err)
	charge, err := f.svc.CreateVerificationCharge(ctx, req.Token)
	require.NoError(t, err)

	f.accounts.down.Store(true)
	_, err = f.svc.ConfirmVerificationCharge(ctx, req.Token, charge.ID)
	require.ErrorIs(t, err, apperr.ErrBackend)

	f.accounts.down.Store(false)
	_, err = f.svc.ResolveConsent(ctx, req.Token, true)
	assert.ErrorIs(t, err, ErrAlreadyResolved, "the email channel cannot finish a card grant")

	resolved, err := f.svc.ConfirmVerificationCharge(ctx, req.Token, charge.ID)
	require.NoError(t, err)
	assert.Equal(t, models.MethodPaymentCard, resolved.Method)

	a := f.stored(t, "k1")
	assert.Equal(t, models.ConsentGranted, a.Consent.Status)
	assert.True(t, a.Consent.Elevated)
}

func TestGuardianSummaryShowsCurrentPeriod(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	a := f.grantedMinor(t, "k1")
	a.Usage.PromptsToday = 7
	a.Usage.GamesThisMonth = 3
	require.NoError(t, f.backend.Accounts.SaveAccount(ctx, a))

	summary, err := f.svc.Summary(ctx, a.Consent.GuardianToken)
	require.NoError(t, err)
	assert.Equal(t, 7, summary.Usage.PromptsToday)

	f.clock.Advance(40 * 24 * time.Hour)
	summary, err = f.svc.Summary(ctx, a.Consent.GuardianToken)
	require.NoError(t, err)
	assert.Zero(t, summary.Usage.PromptsToday)
	assert.Zero(t, summary.Usage.GamesThisMonth)
	assert.Equal(t, "2026-06-10", summary.Usage.DailyResetDate)

	export, err := f.svc.Export(ctx, a.Consent.GuardianToken)
	require.NoError(t, err)
	assert.Zero(t, export.Account.Usage.GamesThisMonth)
}
