package admin

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trust-service/internal/apperr"
	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/hashing"
	"trust-service/internal/models"
	"trust-service/internal/notify"
)

var t0 = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

var codePattern = regexp.MustCompile(`\b(\d{6})\b`)

type fixture struct {
	auth   *Authenticator
	clock  *clock.Fixed
	sender *notify.Recorder
	events *audit.MemoryRecorder
}

func newFixture(t *testing.T, secondFactor bool) *fixture {
	t.Helper()
	f := &fixture{
		clock:  clock.NewFixed(t0),
		sender: notify.NewRecorder(),
		events: audit.NewMemoryRecorder(100),
	}
	logger := zaptest.NewLogger(t)
	auth, err := NewAuthenticator(Config{
		Secret:              "correct horse",
		SigningSecret:       "signing-key",
		Email:               "ops@example.com",
		SecondFactorEnabled: secondFactor,
	}, hashing.NewTestHasher(), f.sender, f.clock, audit.NewTrail(f.events, f.clock, logger), logger)
	require.NoError(t, err)
	f.auth = auth
	return f
}

func (f *fixture) lastCode(t *testing.T) string {
	t.Helper()
	msg, ok := f.sender.Last()
	require.True(t, ok, "no code was sent")
	assert.Equal(t, "ops@example.com", msg.To)
	m := codePattern.FindStringSubmatch(msg.Body)
	require.Len(t, m, 2)
	return m[1]
}

func TestLoginWithoutSecondFactor(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	token, err := f.auth.Login(ctx, "correct horse", "")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(12*time.Hour), token.ExpiresAt)
	assert.NoError(t, f.auth.ValidateToken(token.Value))

	_, err = f.auth.Login(ctx, "wrong", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, "admin_unauthorized", apperr.CodeOf(err))
	assert.Empty(t, f.sender.Sent())
}

func TestLoginWithSecondFactor(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.auth.Login(ctx, "wrong", "")
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Empty(t, f.sender.Sent(), "no code before the first factor passes")

	_, err = f.auth.Login(ctx, "correct horse", "")
	assert.ErrorIs(t, err, ErrSecondFactorRequired)
	code := f.lastCode(t)

	token, err := f.auth.Login(ctx, "correct horse", code)
	require.NoError(t, err)
	assert.NoError(t, f.auth.ValidateToken(token.Value))

	_, err = f.auth.Login(ctx, "correct horse", code)
	assert.ErrorIs(t, err, ErrUnauthorized, "a code is single use")
}

func TestCodeSlotClearsOnMismatch(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.auth.Login(ctx, "correct horse", "")
	require.ErrorIs(t, err, ErrSecondFactorRequired)
	code := f.lastCode(t)

	wrong := "000000"
	if code == wrong {
		wrong = "111111"
	}
	_, err = f.auth.Login(ctx, "correct horse", wrong)
	assert.ErrorIs(t, err, ErrUnauthorized)

	_, err = f.auth.Login(ctx, "correct horse", code)
	assert.ErrorIs(t, err, ErrUnauthorized, "the slot was cleared by the mismatch")
}

func TestCodeExpiryAndReplacement(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	_, err := f.auth.Login(ctx, "correct horse", "")
	require.ErrorIs(t, err, ErrSecondFactorRequired)
	first := f.lastCode(t)

	_, err = f.auth.Login(ctx, "correct horse", "")
	require.ErrorIs(t, err, ErrSecondFactorRequired)
	second := f.lastCode(t)

	if first != second {
		_, err = f.auth.Login(ctx, "correct horse", first)
		assert.ErrorIs(t, err, ErrUnauthorized, "a new code replaces the old one")

		_, err = f.auth.Login(ctx, "correct horse", "")
		require.ErrorIs(t, err, ErrSecondFactorRequired)
		second = f.lastCode(t)
	}

	f.clock.Advance(5 * time.Minute)
	_, err = f.auth.Login(ctx, "correct horse", second)
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestEnableAndDisableSecondFactor(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	require.NoError(t, f.auth.BeginEnableSecondFactor(ctx))
	assert.ErrorIs(t, f.auth.ConfirmEnableSecondFactor(ctx, "abcdef"), ErrUnauthorized)
	assert.False(t, f.auth.SecondFactorEnabled())

	require.NoError(t, f.auth.BeginEnableSecondFactor(ctx))
	require.NoError(t, f.auth.ConfirmEnableSecondFactor(ctx, f.lastCode(t)))
	assert.True(t, f.auth.SecondFactorEnabled())

	_, err := f.auth.Login(ctx, "correct horse", "")
	assert.ErrorIs(t, err, ErrSecondFactorRequired)

	f.auth.DisableSecondFactor(ctx)
	assert.False(t, f.auth.SecondFactorEnabled())
	_, err = f.auth.Login(ctx, "correct horse", "")
	assert.NoError(t, err)
}

func TestTokensCannotBeRevokedEarly(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	token, err := f.auth.Login(ctx, "correct horse", "")
	require.NoError(t, err)

	require.NoError(t, f.auth.BeginEnableSecondFactor(ctx))
	require.NoError(t, f.auth.ConfirmEnableSecondFactor(ctx, f.lastCode(t)))
	f.auth.DisableSecondFactor(ctx)

	f.clock.Advance(12*time.Hour - time.Second)
	assert.NoError(t, f.auth.ValidateToken(token.Value))

	f.clock.Advance(time.Second)
	assert.ErrorIs(t, f.auth.ValidateToken(token.Value), ErrUnauthorized)
}

func TestSignerRejectsTampering(t *testing.T) {
	s := NewSigner([]byte("k"))
	token, err := s.Issue(t0.Add(time.Hour))
	require.NoError(t, err)
	require.True(t, s.Valid(token, t0))

	payload, sig, _ := strings.Cut(token, ".")
	assert.False(t, s.Valid(payload+"x."+sig, t0))
	assert.False(t, s.Valid(payload+"."+sig[:len(sig)-2], t0))
	assert.False(t, s.Valid(payload, t0))
	assert.False(t, NewSigner([]byte("other")).Valid(token, t0))

	forged, err := NewSigner([]byte("other")).Issue(t0.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, s.Valid(forged, t0))
}

func TestCheckSecretAndAudit(t *testing.T) {
	f := newFixture(t, false)
	assert.True(t, f.auth.CheckSecret("correct horse"))
	assert.False(t, f.auth.CheckSecret("correct hors"))
	assert.False(t, f.auth.CheckSecret(""))

	_, _ = f.auth.Login(context.Background(), "nope", "")
	events := f.events.Events()
	require.NotEmpty(t, events)
	assert.Equal(t, models.EventAdminLoginFailed, events[0].EventType)
}
