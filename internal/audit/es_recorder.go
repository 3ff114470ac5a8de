package audit

import (
	"context"
	"fmt"
	"time"

	"trust-service/internal/client"
	"trust-service/internal/models"
)

// ESRecorder indexes events for admin search.
type ESRecorder struct {
	es    *client.ESClient
	index string
}

func NewESRecorder(es *client.ESClient, index string) *ESRecorder {
	return &ESRecorder{es: es, index: index}
}

func (r *ESRecorder) Record(ctx context.Context, e models.AuditEvent) error {
	res, err := r.es.IndexDocument(ctx, r.index, e.EventID, e)
	if err != nil {
		return err
	}
	return r.es.ParseResponse(res, nil)
}

type searchResponse struct {
	Hits struct {
		Hits []struct {
			Source models.AuditEvent `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (r *ESRecorder) Search(ctx context.Context, q models.AuditQuery) ([]models.AuditEvent, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 100
	}

	var filters []map[string]interface{}
	if q.AccountID != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"account_id": q.AccountID}})
	}
	if q.EventType != "" {
		filters = append(filters, map[string]interface{}{"term": map[string]interface{}{"event_type": string(q.EventType)}})
	}
	if !q.Since.IsZero() || !q.Until.IsZero() {
		rng := map[string]interface{}{}
		if !q.Since.IsZero() {
			rng["gte"] = q.Since.UTC().Format(time.RFC3339Nano)
		}
		if !q.Until.IsZero() {
			rng["lte"] = q.Until.UTC().Format(time.RFC3339Nano)
		}
		filters = append(filters, map[string]interface{}{"range": map[string]interface{}{"event_time": rng}})
	}

	query := map[string]interface{}{
		"size": limit,
		"sort": []interface{}{map[string]interface{}{"event_time": map[string]interface{}{"order": "desc"}}},
		"query": map[string]interface{}{
			"bool": map[string]interface{}{"filter": filters},
		},
	}

	res, err := r.es.Search(ctx, r.index, query)
	if err != nil {
		return nil, err
	}

	var parsed searchResponse
	if err := r.es.ParseResponse(res, &parsed); err != nil {
		return nil, fmt.Errorf("audit search failed: %w", err)
	}

	events := make([]models.AuditEvent, 0, len(parsed.Hits.Hits))
	for _, hit := range parsed.Hits.Hits {
		events = append(events, hit.Source)
	}
	return events, nil
}
