package scylla

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"trust-service/internal/config"
	"trust-service/internal/util"
)

const (
	stmtInsertAccount = `
        INSERT INTO accounts (account_bucket, account_id, username, status, tier, guardian_token, doc, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	stmtGetAccount = `
        SELECT doc FROM accounts WHERE account_bucket = ? AND account_id = ?`
	stmtGetAccountKeys = `
        SELECT username, guardian_token FROM accounts WHERE account_bucket = ? AND account_id = ?`
	stmtDeleteAccount = `
        DELETE FROM accounts WHERE account_bucket = ? AND account_id = ?`

	stmtReserveUsername = `
        INSERT INTO account_by_username (username, account_id) VALUES (?, ?) IF NOT EXISTS`
	stmtGetByUsername = `
        SELECT account_id FROM account_by_username WHERE username = ?`
	stmtDeleteUsername = `
        DELETE FROM account_by_username WHERE username = ?`

	stmtInsertGuardianToken = `
        INSERT INTO account_by_guardian_token (guardian_token, account_id) VALUES (?, ?)`
	stmtGetByGuardianToken = `
        SELECT account_id FROM account_by_guardian_token WHERE guardian_token = ?`
	stmtDeleteGuardianToken = `
        DELETE FROM account_by_guardian_token WHERE guardian_token = ?`

	stmtInsertConsent = `
        INSERT INTO consent_requests (token, account_id, guardian_address, action, status, method, created_at, expires_at, responded_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmtInsertConsentByAccount = `
        INSERT INTO consent_requests_by_account (account_id, token) VALUES (?, ?)`
	stmtGetConsent = `
        SELECT token, account_id, guardian_address, action, status, method, created_at, expires_at, responded_at
        FROM consent_requests WHERE token = ?`
	stmtResolveConsent = `
        UPDATE consent_requests SET status = ?, method = ?, responded_at = ?
        WHERE token = ? IF status = ?`
	stmtListConsentTokens = `
        SELECT token FROM consent_requests_by_account WHERE account_id = ?`
	stmtDeleteConsent = `
        DELETE FROM consent_requests WHERE token = ?`
	stmtDeleteConsentByAccount = `
        DELETE FROM consent_requests_by_account WHERE account_id = ?`

	stmtSaveSnapshot = `
        INSERT INTO session_snapshots (snapshot_id, doc, saved_at) VALUES (?, ?, ?)`
	stmtLoadSnapshot = `
        SELECT doc FROM session_snapshots WHERE snapshot_id = ?`
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS accounts (
        account_bucket int, account_id text, username text, status text, tier text,
        guardian_token text, doc text, updated_at timestamp,
        PRIMARY KEY ((account_bucket), account_id))`,
	`CREATE TABLE IF NOT EXISTS account_by_username (username text PRIMARY KEY, account_id text)`,
	`CREATE TABLE IF NOT EXISTS account_by_guardian_token (guardian_token text PRIMARY KEY, account_id text)`,
	`CREATE TABLE IF NOT EXISTS consent_requests (
        token text PRIMARY KEY, account_id text, guardian_address text, action text, status text,
        method text, created_at timestamp, expires_at timestamp, responded_at timestamp)`,
	`CREATE TABLE IF NOT EXISTS consent_requests_by_account (
        account_id text, token text, PRIMARY KEY ((account_id), token))`,
	`CREATE TABLE IF NOT EXISTS session_snapshots (snapshot_id text PRIMARY KEY, doc text, saved_at timestamp)`,
}

type ScyllaClient struct {
	Session *gocql.Session
}

func NewScyllaClient(cfg *config.Config) (*ScyllaClient, error) {
	scyllaConfig := cfg.Scylla

	cluster := gocql.NewCluster(scyllaConfig.Nodes...)
	cluster.Keyspace = scyllaConfig.Keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.SerialConsistency = gocql.LocalSerial
	cluster.Timeout = 10 * time.Second
	cluster.ConnectTimeout = 10 * time.Second
	cluster.NumConns = 4
	cluster.SocketKeepalive = 30 * time.Second
	cluster.MaxPreparedStmts = 1000
	cluster.PageSize = 1000
	cluster.RetryPolicy = &gocql.ExponentialBackoffRetryPolicy{
		Min:        100 * time.Millisecond,
		Max:        2 * time.Second,
		NumRetries: 3,
	}

	if scyllaConfig.UseTLS {
		cluster.SslOpts = &gocql.SslOptions{
			CaPath:                 "/app/certs/scylla-ca.pem",
			CertPath:               "/app/certs/scylla-client.pem",
			KeyPath:                "/app/certs/scylla-client.key",
			EnableHostVerification: true,
		}
	}

	if scyllaConfig.Username != "" && scyllaConfig.Password != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{
			Username: scyllaConfig.Username,
			Password: scyllaConfig.Password,
		}
	}

	session, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("failed to create scylla session: %w", err)
	}

	util.Info("ScyllaDB client initialized",
		zap.Strings("nodes", scyllaConfig.Nodes),
		zap.String("keyspace", scyllaConfig.Keyspace))

	return &ScyllaClient{Session: session}, nil
}

// EnsureSchema creates the tables the repositories use when missing.
func (s *ScyllaClient) EnsureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if err := s.Session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

func (s *ScyllaClient) Close() {
	if s.Session != nil {
		s.Session.Close()
		util.Info("ScyllaDB client closed")
	}
}

func (s *ScyllaClient) Query(ctx context.Context, stmt string, values ...interface{}) *gocql.Query {
	return s.Session.Query(stmt, values...).WithContext(ctx)
}

func (s *ScyllaClient) Batch(ctx context.Context) *gocql.Batch {
	return s.Session.NewBatch(gocql.LoggedBatch).WithContext(ctx)
}

func (s *ScyllaClient) ExecuteBatch(batch *gocql.Batch) error {
	return s.Session.ExecuteBatch(batch)
}

func (s *ScyllaClient) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var clusterName string
	if err := s.Session.Query(`SELECT cluster_name FROM system.local`).WithContext(ctx).Scan(&clusterName); err != nil {
		return fmt.Errorf("scylla health check failed: %w", err)
	}

	util.Debug("ScyllaDB health check passed", zap.String("cluster_name", clusterName))
	return nil
}

// ScanWithRetry retries transient read failures. Not-found is returned
// immediately.
func (s *ScyllaClient) ScanWithRetry(query *gocql.Query, dest ...interface{}) error {
	var lastErr error
	for i := 0; i < 3; i++ {
		err := query.Scan(dest...)
		if err == nil || errors.Is(err, gocql.ErrNotFound) {
			return err
		}
		lastErr = err
		if i < 2 {
			time.Sleep(time.Duration(i+1) * 100 * time.Millisecond)
		}
	}
	return lastErr
}
