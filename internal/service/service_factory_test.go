package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trust-service/internal/audit"
	"trust-service/internal/clock"
	"trust-service/internal/config"
	"trust-service/internal/encryption"
	"trust-service/internal/governor"
	"trust-service/internal/hashing"
	"trust-service/internal/models"
	"trust-service/internal/notify"
	"trust-service/internal/payment"
	"trust-service/internal/repository/file"
	"trust-service/internal/session"
)

func TestServiceFactoryWiresConfiguredLimits(t *testing.T) {
	backend, err := file.NewBackend(t.TempDir())
	require.NoError(t, err)

	logger := zaptest.NewLogger(t)
	clk := clock.NewFixed(t0)
	sessions := session.NewMemoryStore(context.Background(), backend.Sessions,
		session.MemoryOptions{Clock: clk, Logger: logger, FlushWindow: time.Millisecond})

	cfg := &config.Config{}
	cfg.Governor = config.GovernorConfig{PerMinuteLimit: 1, PerHourLimit: 10, Cooldown: time.Minute}
	cfg.Admin.Secret = "admin"

	f, err := NewServiceFactory(Dependencies{
		Config:   cfg,
		Backend:  backend,
		Sessions: sessions,
		Hasher:   hashing.NewTestHasher(),
		Cipher:   encryption.NewEncryptionManager(cfg, nil),
		Sender:   notify.NewRecorder(),
		Payments: payment.NewSandboxProvider(),
		Clock:    clk,
		Trail:    audit.NewTrail(audit.NewMemoryRecorder(10), clk, logger),
		Logger:   logger,
	})
	require.NoError(t, err)
	t.Cleanup(f.Cleanup)

	require.NotNil(t, f.Consent())
	require.NotNil(t, f.Admin())
	assert.True(t, f.Admin().CheckSecret("admin"))
	assert.Same(t, sessions, f.Sessions())

	ctx := context.Background()
	res, err := f.Accounts().Register(ctx, &RegisterRequest{Username: "wired", Password: "hunter22!", AgeBracket: models.AgeAdult})
	require.NoError(t, err)

	d, err := f.Governor().Authorize(ctx, res.Account.ID, governor.ResourcePrompt)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = f.Governor().Authorize(ctx, res.Account.ID, governor.ResourcePrompt)
	require.NoError(t, err)
	assert.Equal(t, governor.ReasonRateLimit, d.Reason)
	assert.Equal(t, time.Minute, d.RetryAfter)
}
