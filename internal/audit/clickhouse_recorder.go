package audit

import (
	"context"
	"fmt"

	"trust-service/internal/models"
)

// Execer is satisfied by client.ClickHouseClient.
type Execer interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
}

// ClickHouseRecorder appends events to an analytics table, where governor
// denials and consent outcomes are aggregated.
type ClickHouseRecorder struct {
	db    Execer
	table string
}

func NewClickHouseRecorder(db Execer, table string) *ClickHouseRecorder {
	return &ClickHouseRecorder{db: db, table: table}
}

// EnsureTable creates the events table when missing.
func (r *ClickHouseRecorder) EnsureTable(ctx context.Context) error {
	ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
        event_id String,
        event_date Date,
        event_time DateTime64(3, 'UTC'),
        event_type LowCardinality(String),
        account_id String,
        actor String,
        reason String,
        details Map(String, String)
    ) ENGINE = MergeTree
    PARTITION BY toYYYYMM(event_date)
    ORDER BY (event_type, event_time)`, r.table)
	return r.db.Exec(ctx, ddl)
}

func (r *ClickHouseRecorder) Record(ctx context.Context, e models.AuditEvent) error {
	details := e.Details
	if details == nil {
		details = map[string]string{}
	}
	query := fmt.Sprintf(`INSERT INTO %s (event_id, event_date, event_time, event_type, account_id, actor, reason, details)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?)`, r.table)
	if err := r.db.Exec(ctx, query,
		e.EventID, e.EventTime, e.EventTime, string(e.EventType), e.AccountID, e.Actor, e.Reason, details); err != nil {
		return fmt.Errorf("failed to insert audit event: %w", err)
	}
	return nil
}
