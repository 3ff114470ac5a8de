// Package notify delivers outbound messages to an address. Delivery
// itself happens downstream; this service only hands messages off.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

type Kind string

const (
	KindConsentRequest Kind = "consent_request"
	KindAdminCode      Kind = "admin_code"
)

type Message struct {
	To        string            `json:"to"`
	From      string            `json:"from,omitempty"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body"`
	Kind      Kind              `json:"kind"`
	AccountID string            `json:"account_id,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Publisher is satisfied by client.KafkaProducer.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaSender enqueues messages on a topic consumed by the mail relay.
type KafkaSender struct {
	publisher Publisher
	topic     string
	from      string
}

func NewKafkaSender(publisher Publisher, topic, from string) *KafkaSender {
	return &KafkaSender{publisher: publisher, topic: topic, from: from}
}

func (s *KafkaSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("notify: empty recipient")
	}
	if msg.From == "" {
		msg.From = s.from
	}

	value, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}
	if err := s.publisher.Publish(ctx, s.topic, []byte(msg.To), value, map[string]string{
		"kind": string(msg.Kind),
	}); err != nil {
		return fmt.Errorf("failed to enqueue %s message: %w", msg.Kind, err)
	}
	return nil
}

// LogSender writes messages to the log. Development only: bodies carry
// one-time links and codes.
type LogSender struct {
	logger *zap.Logger
}

func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("notify: empty recipient")
	}
	s.logger.Info("Outbound message",
		zap.String("kind", string(msg.Kind)),
		zap.String("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.String("body", msg.Body))
	return nil
}

// Recorder keeps sent messages in memory.
type Recorder struct {
	mu   sync.Mutex
	sent []Message
	err  error
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// FailWith makes subsequent sends return err.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *Recorder) Send(_ context.Context, msg Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.sent = append(r.sent, msg)
	return nil
}

func (r *Recorder) Sent() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.sent...)
}

func (r *Recorder) Last() (Message, bool) {
	sent := r.Sent()
	if len(sent) == 0 {
		return Message{}, false
	}
	return sent[len(sent)-1], true
}
