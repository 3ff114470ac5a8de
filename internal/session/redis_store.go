package session

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/apperr"
	"trust-service/internal/clock"
	"trust-service/internal/models"
	redisrepo "trust-service/internal/repository/redis"
)

// RedisStore is the centralized backend. Redis expires records after
// maxAge; issuedAt is still checked on every read so clock skew between
// instances cannot extend a session.
type RedisStore struct {
	cache  *redisrepo.SessionCache
	clock  clock.Clock
	maxAge time.Duration
	logger *zap.Logger
}

func NewRedisStore(cache *redisrepo.SessionCache, maxAge time.Duration, clk clock.Clock, logger *zap.Logger) *RedisStore {
	if clk == nil {
		clk = clock.System()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	return &RedisStore{cache: cache, clock: clk, maxAge: maxAge, logger: logger}
}

func (s *RedisStore) Issue(ctx context.Context, identity models.Identity) (string, error) {
	token, err := generateToken()
	if err != nil {
		return "", err
	}

	sess := &models.Session{
		Token:       token,
		AccountID:   identity.AccountID,
		DisplayName: identity.DisplayName,
		IssuedAt:    s.clock.Now(),
	}
	if err := s.cache.Put(ctx, sess, s.maxAge); err != nil {
		return "", apperr.Backend("issue session", err)
	}
	return token, nil
}

func (s *RedisStore) Validate(ctx context.Context, token string) (*models.Session, error) {
	if token == "" {
		return nil, ErrSessionInvalid
	}

	sess, err := s.cache.Get(ctx, token)
	if err != nil {
		if errors.Is(err, redisrepo.ErrSessionNotFound) {
			return nil, ErrSessionInvalid
		}
		return nil, apperr.Backend("validate session", err)
	}

	if sess.Expired(s.clock.Now(), s.maxAge) {
		if err := s.cache.Delete(ctx, token, sess.AccountID); err != nil {
			s.logger.Warn("Failed to evict expired session", zap.Error(err))
		}
		return nil, ErrSessionInvalid
	}
	return sess, nil
}

func (s *RedisStore) Revoke(ctx context.Context, token string) error {
	sess, err := s.cache.Get(ctx, token)
	if errors.Is(err, redisrepo.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return apperr.Backend("revoke session", err)
	}
	if err := s.cache.Delete(ctx, token, sess.AccountID); err != nil {
		return apperr.Backend("revoke session", err)
	}
	return nil
}

func (s *RedisStore) RevokeAccount(ctx context.Context, accountID string) error {
	if _, err := s.cache.DeleteAccount(ctx, accountID); err != nil {
		return apperr.Backend("revoke account sessions", err)
	}
	return nil
}

// Close is a no-op; the Redis client is owned by the factory.
func (s *RedisStore) Close() error {
	return nil
}
