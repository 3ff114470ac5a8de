package audit

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"trust-service/internal/client"
	"trust-service/internal/clock"
	"trust-service/internal/models"
)

var t0 = time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

type failingRecorder struct{}

func (failingRecorder) Record(context.Context, models.AuditEvent) error {
	return errors.New("sink down")
}

func TestTrailStampsEvents(t *testing.T) {
	mem := NewMemoryRecorder(10)
	trail := NewTrail(mem, clock.NewFixed(t0), zaptest.NewLogger(t))

	trail.Emit(context.Background(), models.AuditEvent{EventType: models.EventLogin, AccountID: "a"})

	events := mem.Events()
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].EventID)
	assert.Equal(t, t0, events[0].EventTime)
	assert.Equal(t, "2026-02-03", events[0].EventDate)
	assert.Equal(t, "system", events[0].Actor)
}

func TestTrailSwallowsSinkErrorsAndCancelledContext(t *testing.T) {
	mem := NewMemoryRecorder(10)
	trail := NewTrail(NewMultiRecorder(failingRecorder{}, mem), clock.NewFixed(t0), zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	trail.Emit(ctx, models.AuditEvent{EventType: models.EventConsentGranted})

	assert.Len(t, mem.Events(), 1)

	var nilTrail *Trail
	nilTrail.Emit(context.Background(), models.AuditEvent{})
}

func TestMultiRecorderJoinsErrors(t *testing.T) {
	mem := NewMemoryRecorder(10)
	err := NewMultiRecorder(failingRecorder{}, mem, failingRecorder{}).Record(context.Background(), models.AuditEvent{EventID: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sink down")
	joined, ok := err.(interface{ Unwrap() []error })
	require.True(t, ok)
	assert.Len(t, joined.Unwrap(), 2, "every failing sink is reported")
	assert.Len(t, mem.Events(), 1)
}

func TestMemoryRecorderSearchAndBound(t *testing.T) {
	mem := NewMemoryRecorder(3)
	ctx := context.Background()
	for i, typ := range []models.AuditEventType{models.EventLogin, models.EventQuotaDenied, models.EventLogin, models.EventQuotaDenied} {
		require.NoError(t, mem.Record(ctx, models.AuditEvent{
			EventID: string(rune('a' + i)), AccountID: "acct", EventType: typ, EventTime: t0.Add(time.Duration(i) * time.Minute),
		}))
	}
	assert.Len(t, mem.Events(), 3)

	got, err := mem.Search(ctx, models.AuditQuery{EventType: models.EventQuotaDenied})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "d", got[0].EventID, "newest first")

	got, err = mem.Search(ctx, models.AuditQuery{Since: t0.Add(2 * time.Minute), Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d", got[0].EventID)
}

func TestTrailSearchFindsNestedSearcher(t *testing.T) {
	mem := NewMemoryRecorder(10)
	trail := NewTrail(NewMultiRecorder(NewLogRecorder(zaptest.NewLogger(t)), mem), clock.NewFixed(t0), nil)
	trail.Emit(context.Background(), models.AuditEvent{EventType: models.EventAdminAction})

	events, ok, err := trail.Search(context.Background(), models.AuditQuery{})
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Len(t, events, 1)

	_, ok, _ = NewTrail(NewLogRecorder(zaptest.NewLogger(t)), nil, nil).Search(context.Background(), models.AuditQuery{})
	assert.False(t, ok)
}

type capturePublisher struct {
	mu      sync.Mutex
	topic   string
	key     string
	value   string
	headers map[string]string
}

func (p *capturePublisher) Publish(_ context.Context, topic string, key, value []byte, headers map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topic, p.key, p.value, p.headers = topic, string(key), string(value), headers
	return nil
}

func TestKafkaRecorderKeysByAccount(t *testing.T) {
	pub := &capturePublisher{}
	r := NewKafkaRecorder(pub, "trust-events")

	require.NoError(t, r.Record(context.Background(), models.AuditEvent{EventID: "e1", AccountID: "acct-9", EventType: models.EventConsentRevoked}))
	assert.Equal(t, "trust-events", pub.topic)
	assert.Equal(t, "acct-9", pub.key)
	assert.Equal(t, "consent_revoked", pub.headers["event_type"])
	assert.Contains(t, pub.value, `"event_type":"consent_revoked"`)
}

type captureExecer struct {
	queries []string
	args    [][]interface{}
}

func (c *captureExecer) Exec(_ context.Context, query string, args ...interface{}) error {
	c.queries = append(c.queries, query)
	c.args = append(c.args, args)
	return nil
}

func TestClickHouseRecorderInsert(t *testing.T) {
	db := &captureExecer{}
	r := NewClickHouseRecorder(db, "trust_events")

	require.NoError(t, r.EnsureTable(context.Background()))
	require.NoError(t, r.Record(context.Background(), models.AuditEvent{EventID: "e1", EventType: models.EventQuotaDenied, EventTime: t0, Reason: "daily_limit"}))

	require.Len(t, db.queries, 2)
	assert.Contains(t, db.queries[0], "CREATE TABLE IF NOT EXISTS trust_events")
	assert.Contains(t, db.queries[1], "INSERT INTO trust_events")
	require.Len(t, db.args[1], 8)
	assert.Equal(t, "quota_denied", db.args[1][3])
	assert.Equal(t, map[string]string{}, db.args[1][7])
}

func TestESRecorderIndexAndSearch(t *testing.T) {
	var searchBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Elastic-Product", "Elasticsearch")
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/_search"):
			b, _ := io.ReadAll(r.Body)
			searchBody = string(b)
			_, _ = io.WriteString(w, `{"hits":{"hits":[{"_source":{"event_id":"e1","event_type":"login","account_id":"acct"}}]}}`)
		case strings.Contains(r.URL.Path, "/_doc/"):
			w.WriteHeader(http.StatusCreated)
			_, _ = io.WriteString(w, `{"result":"created"}`)
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"error":{"reason":"no handler"}}`)
		}
	}))
	defer srv.Close()

	es, err := client.NewESClientWithTransport([]string{srv.URL}, "", "", http.DefaultTransport)
	require.NoError(t, err)
	r := NewESRecorder(es, "trust-audit")

	require.NoError(t, r.Record(context.Background(), models.AuditEvent{EventID: "e1", EventType: models.EventLogin}))

	events, err := r.Search(context.Background(), models.AuditQuery{AccountID: "acct", Limit: 5})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, models.EventLogin, events[0].EventType)
	assert.Contains(t, searchBody, `"account_id":"acct"`)
	assert.Contains(t, searchBody, `"size":5`)
}
