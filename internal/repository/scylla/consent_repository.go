package scylla

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-service/internal/models"
	"trust-service/internal/repository"
	"trust-service/internal/util"
)

// ConsentRepository resolves requests with a lightweight transaction, so the
// first resolution wins across every instance.
type ConsentRepository struct {
	client *ScyllaClient
}

func NewConsentRepository(client *ScyllaClient) *ConsentRepository {
	return &ConsentRepository{client: client}
}

func (r *ConsentRepository) CreateConsentRequest(ctx context.Context, req *models.ConsentRequest) error {
	batch := r.client.Batch(ctx)
	batch.Query(stmtInsertConsent,
		req.Token, req.AccountID, req.GuardianAddress, string(req.Action), string(req.Status),
		string(req.Method), req.CreatedAt, req.ExpiresAt, req.RespondedAt)
	batch.Query(stmtInsertConsentByAccount, req.AccountID, req.Token)

	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Error("Failed to create consent request", util.AccountID(req.AccountID), zap.Error(err))
		return fmt.Errorf("failed to create consent request: %w", err)
	}
	return nil
}

func (r *ConsentRepository) GetConsentRequest(ctx context.Context, token string) (*models.ConsentRequest, error) {
	var (
		req                          models.ConsentRequest
		action, status, method       string
		createdAt, expiresAt, respAt time.Time
	)
	q := r.client.Query(ctx, stmtGetConsent, token)
	err := r.client.ScanWithRetry(q,
		&req.Token, &req.AccountID, &req.GuardianAddress, &action, &status, &method,
		&createdAt, &expiresAt, &respAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get consent request: %w", err)
	}

	req.Action = models.ConsentAction(action)
	req.Status = models.ConsentRequestStatus(status)
	req.Method = models.ConsentMethod(method)
	req.CreatedAt = createdAt
	req.ExpiresAt = expiresAt
	if !respAt.IsZero() {
		req.RespondedAt = &respAt
	}
	return &req, nil
}

func (r *ConsentRepository) ResolveConsentRequest(ctx context.Context, token string, res models.Resolution) (bool, error) {
	if _, err := r.GetConsentRequest(ctx, token); err != nil {
		return false, err
	}

	applied, err := r.client.Query(ctx, stmtResolveConsent,
		string(res.Status), string(res.Method), res.RespondedAt, token, string(models.RequestPending)).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to resolve consent request", zap.Error(err))
		return false, fmt.Errorf("failed to resolve consent request: %w", err)
	}
	return applied, nil
}

func (r *ConsentRepository) ListConsentRequests(ctx context.Context, accountID string) ([]*models.ConsentRequest, error) {
	tokens, err := r.tokensFor(ctx, accountID)
	if err != nil {
		return nil, err
	}

	out := make([]*models.ConsentRequest, 0, len(tokens))
	for _, token := range tokens {
		req, err := r.GetConsentRequest(ctx, token)
		if errors.Is(err, repository.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *ConsentRepository) DeleteConsentRequests(ctx context.Context, accountID string) error {
	tokens, err := r.tokensFor(ctx, accountID)
	if err != nil {
		return err
	}

	batch := r.client.Batch(ctx)
	for _, token := range tokens {
		batch.Query(stmtDeleteConsent, token)
	}
	batch.Query(stmtDeleteConsentByAccount, accountID)
	if err := r.client.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to delete consent requests: %w", err)
	}
	return nil
}

func (r *ConsentRepository) tokensFor(ctx context.Context, accountID string) ([]string, error) {
	iter := r.client.Query(ctx, stmtListConsentTokens, accountID).Iter()
	var (
		tokens []string
		token  string
	)
	for iter.Scan(&token) {
		tokens = append(tokens, token)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list consent requests: %w", err)
	}
	return tokens, nil
}
