package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"trust-service/internal/models"
)

// Publisher is satisfied by client.KafkaProducer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaRecorder streams events to a topic keyed by account, so consumers
// see each account's events in order.
type KafkaRecorder struct {
	publisher Publisher
	topic     string
}

func NewKafkaRecorder(publisher Publisher, topic string) *KafkaRecorder {
	return &KafkaRecorder{publisher: publisher, topic: topic}
}

func (r *KafkaRecorder) Record(ctx context.Context, e models.AuditEvent) error {
	value, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("failed to encode audit event: %w", err)
	}
	key := e.AccountID
	if key == "" {
		key = e.EventID
	}
	return r.publisher.Publish(ctx, r.topic, []byte(key), value, map[string]string{
		"event_type": string(e.EventType),
	})
}
