// Package audit publishes lifecycle transition events to Kafka. Publishing
// is best effort: a nil publisher or a produce failure never blocks the
// workflow, transitions are authoritative in the document store.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Event is one lifecycle transition. Keep it transport-agnostic so sinks can
// fan out.
type Event struct {
	DocumentID string    `json:"document_id"`
	DocType    string    `json:"doc_type"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Actor      string    `json:"actor,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher writes events to a Kafka topic.
type Publisher struct {
	client *kgo.Client
	topic  string
	logger *slog.Logger
}

// NewPublisher connects to the given brokers. Returns nil when no brokers
// are configured, which disables auditing.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) (*Publisher, error) {
	if len(brokers) == 0 {
		return nil, nil
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.DefaultProduceTopic(topic),
		kgo.ProducerBatchCompression(kgo.SnappyCompression()),
	)
	if err != nil {
		return nil, err
	}
	return &Publisher{client: client, topic: topic, logger: logger}, nil
}

// Emit publishes the event asynchronously. Safe on a nil publisher.
func (p *Publisher) Emit(ctx context.Context, e Event) {
	if p == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now()
	}
	value, err := json.Marshal(e)
	if err != nil {
		p.logger.ErrorContext(ctx, "encode audit event", "error", err)
		return
	}
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.DocumentID),
		Value: value,
	}
	p.client.Produce(ctx, record, func(_ *kgo.Record, err error) {
		if err != nil {
			p.logger.ErrorContext(ctx, "audit event publish failed",
				"error", err, "document_id", e.DocumentID)
		}
	})
}

// Close flushes pending events and releases the client. Safe on nil.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	_ = p.client.Flush(context.Background())
	p.client.Close()
}
