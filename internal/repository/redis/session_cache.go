package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"trust-service/internal/client"
	"trust-service/internal/models"
	"trust-service/internal/util"
)

const (
	sessionPrefix         = "session:"
	accountSessionsPrefix = "account_sessions:"
)

// ErrSessionNotFound is returned when no record exists for a token.
var ErrSessionNotFound = errors.New("session not found")

// SessionCache is the centralized session backend. Records expire
// server-side after maxAge; the per-account set is an index used to revoke
// every session of one account.
type SessionCache struct {
	client *client.RedisClient
}

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

func (c *SessionCache) Put(ctx context.Context, s *models.Session, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}

	indexKey := accountSessionsPrefix + s.AccountID
	pipe := c.client.TxPipeline()
	pipe.Set(ctx, sessionPrefix+s.Token, data, ttl)
	pipe.SAdd(ctx, indexKey, s.Token)
	pipe.Expire(ctx, indexKey, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store session",
			util.AccountID(s.AccountID),
			util.TokenPrefix(s.Token),
			zap.Error(err))
		return fmt.Errorf("failed to store session: %w", err)
	}

	util.Debug("Session stored", util.AccountID(s.AccountID), zap.Duration("ttl", ttl))
	return nil
}

func (c *SessionCache) Get(ctx context.Context, token string) (*models.Session, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, sessionPrefix+token)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, ErrSessionNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}

	var s models.Session
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		util.Warn("Dropping undecodable session record", util.TokenPrefix(token), zap.Error(err))
		_ = c.client.Del(ctx, sessionPrefix+token)
		return nil, ErrSessionNotFound
	}
	return &s, nil
}

// Delete removes one session. accountID may be empty when unknown, in which
// case the index entry ages out with the set.
func (c *SessionCache) Delete(ctx context.Context, token, accountID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, sessionPrefix+token)
	if accountID != "" {
		pipe.SRem(ctx, accountSessionsPrefix+accountID, token)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to delete session", util.TokenPrefix(token), zap.Error(err))
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// DeleteAccount removes every session indexed under accountID and returns
// how many tokens were indexed.
func (c *SessionCache) DeleteAccount(ctx context.Context, accountID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	indexKey := accountSessionsPrefix + accountID
	tokens, err := c.client.SMembers(ctx, indexKey)
	if err != nil {
		return 0, fmt.Errorf("failed to list account sessions: %w", err)
	}

	keys := make([]string, 0, len(tokens)+1)
	for _, t := range tokens {
		keys = append(keys, sessionPrefix+t)
	}
	keys = append(keys, indexKey)

	if err := c.client.Del(ctx, keys...); err != nil {
		util.Error("Failed to invalidate account sessions", util.AccountID(accountID), zap.Error(err))
		return 0, fmt.Errorf("failed to invalidate account sessions: %w", err)
	}

	util.Info("Account sessions invalidated", util.AccountID(accountID), zap.Int("count", len(tokens)))
	return len(tokens), nil
}
