package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-service/internal/bucketing"
	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

// AccountRepository stores each account as a JSON document in a bucketed
// partition, with lookup tables for username and guardian token.
type AccountRepository struct {
	client  *ScyllaClient
	buckets *bucketing.BucketingManager
}

func NewAccountRepository(client *ScyllaClient, buckets *bucketing.BucketingManager) *AccountRepository {
	return &AccountRepository{client: client, buckets: buckets}
}

func usernameKey(username string) string {
	return strings.ToLower(username)
}

func (r *AccountRepository) CreateAccount(ctx context.Context, account *models.Account) error {
	applied, err := r.client.Query(ctx, stmtReserveUsername, usernameKey(account.Username), account.ID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to reserve username: %w", err)
	}
	if !applied {
		return repository.ErrUsernameTaken
	}

	if err := r.write(ctx, account, ""); err != nil {
		if delErr := r.client.Query(ctx, stmtDeleteUsername, usernameKey(account.Username)).Exec(); delErr != nil {
			util.Error("Failed to release username reservation",
				zap.String("username", account.Username), zap.Error(delErr))
		}
		return err
	}

	util.Info("Account created", util.AccountID(account.ID))
	return nil
}

func (r *AccountRepository) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	var doc string
	q := r.client.Query(ctx, stmtGetAccount, r.buckets.AccountBucket(id), id)
	if err := r.client.ScanWithRetry(q, &doc); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		util.Error("Failed to get account", util.AccountID(id), zap.Error(err))
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	var account models.Account
	if err := json.Unmarshal([]byte(doc), &account); err != nil {
		return nil, fmt.Errorf("failed to decode account %s: %w", id, err)
	}
	return &account, nil
}

func (r *AccountRepository) GetAccountByUsername(ctx context.Context, username string) (*models.Account, error) {
	return r.getByIndex(ctx, stmtGetByUsername, usernameKey(username))
}

func (r *AccountRepository) GetAccountByGuardianToken(ctx context.Context, token string) (*models.Account, error) {
	if token == "" {
		return nil, repository.ErrNotFound
	}
	return r.getByIndex(ctx, stmtGetByGuardianToken, token)
}

func (r *AccountRepository) getByIndex(ctx context.Context, stmt, key string) (*models.Account, error) {
	var id string
	if err := r.client.ScanWithRetry(r.client.Query(ctx, stmt, key), &id); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to resolve account index: %w", err)
	}
	return r.GetAccount(ctx, id)
}

func (r *AccountRepository) SaveAccount(ctx context.Context, account *models.Account) error {
	var username, prevToken string
	q := r.client.Query(ctx, stmtGetAccountKeys, r.buckets.AccountBucket(account.ID), account.ID)
	if err := r.client.ScanWithRetry(q, &username, &prevToken); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to load account keys: %w", err)
	}
	return r.write(ctx, account, prevToken)
}

// write upserts the account row and moves the guardian token index entry
// when the token changed.
func (r *AccountRepository) write(ctx context.Context, account *models.Account, prevToken string) error {
	doc, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to encode account: %w", err)
	}

	batch := r.client.Batch(ctx)
	batch.Query(stmtInsertAccount,
		r.buckets.AccountBucket(account.ID), account.ID, account.Username,
		string(account.Status), string(account.Membership.Tier), account.Consent.GuardianToken,
		string(doc), time.Now().UTC())

	token := account.Consent.GuardianToken
	if prevToken != "" && prevToken != token {
		batch.Query(stmtDeleteGuardianToken, prevToken)
	}
	if token != "" && token != prevToken {
		batch.Query(stmtInsertGuardianToken, token, account.ID)
	}

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to write account", util.AccountID(account.ID), zap.Error(err))
		return fmt.Errorf("failed to write account: %w", err)
	}
	return nil
}

func (r *AccountRepository) DeleteAccount(ctx context.Context, id string) error {
	bucket := r.buckets.AccountBucket(id)

	var username, token string
	if err := r.client.ScanWithRetry(r.client.Query(ctx, stmtGetAccountKeys, bucket, id), &username, &token); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return repository.ErrNotFound
		}
		return fmt.Errorf("failed to load account keys: %w", err)
	}

	batch := r.client.Batch(ctx)
	batch.Query(stmtDeleteAccount, bucket, id)
	batch.Query(stmtDeleteUsername, usernameKey(username))
	if token != "" {
		batch.Query(stmtDeleteGuardianToken, token)
	}
	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to delete account", util.AccountID(id), zap.Error(err))
		return fmt.Errorf("failed to delete account: %w", err)
	}

	util.Info("Account erased", util.AccountID(id))
	return nil
}
