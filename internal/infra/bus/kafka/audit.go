// Package kafka streams audit records to a kafka topic.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	kafkago "github.com/segmentio/kafka-go"

	"github.com/coachpo/copytrader/internal/domain/auditstore"
	"github.com/coachpo/copytrader/internal/domain/copytrade"
)

// DefaultTopic receives audit records when no topic is configured.
const DefaultTopic = "copier.audit"

// Record types carried in the envelope.
const (
	TypeDetection   = "detection"
	TypeReplication = "replication"
	TypeSession     = "session"
)

// Envelope wraps one audit record on the wire.
type Envelope struct {
	Type      string          `json:"type"`
	Master    string          `json:"masterAccountId"`
	Published time.Time       `json:"publishedAt"`
	Record    json.RawMessage `json:"record"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// AuditPublisher writes audit records keyed by master account id so every
// record of one master lands on the same partition in order.
type AuditPublisher struct {
	writer messageWriter
	topic  string
	clock  func() time.Time
}

var _ auditstore.Sink = (*AuditPublisher)(nil)

// NewAuditPublisher builds a publisher over brokers.
func NewAuditPublisher(brokers []string, topic string) (*AuditPublisher, error) {
	clean := make([]string, 0, len(brokers))
	for _, b := range brokers {
		if b = strings.TrimSpace(b); b != "" {
			clean = append(clean, b)
		}
	}
	if len(clean) == 0 {
		return nil, fmt.Errorf("kafka audit publisher: brokers required")
	}
	if strings.TrimSpace(topic) == "" {
		topic = DefaultTopic
	}
	writer := &kafkago.Writer{
		Addr:                   kafkago.TCP(clean...),
		Topic:                  topic,
		RequiredAcks:           kafkago.RequireAll,
		Balancer:               &kafkago.Hash{},
		BatchTimeout:           200 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	return newAuditPublisher(writer, topic), nil
}

func newAuditPublisher(w messageWriter, topic string) *AuditPublisher {
	return &AuditPublisher{writer: w, topic: topic, clock: time.Now}
}

// WriteDetection implements auditstore.Sink.
func (p *AuditPublisher) WriteDetection(ctx context.Context, d copytrade.Detection) error {
	return p.publish(ctx, TypeDetection, d.MasterAccountID, d)
}

// WriteReplication implements auditstore.Sink.
func (p *AuditPublisher) WriteReplication(ctx context.Context, o copytrade.ReplicationOutcome) error {
	return p.publish(ctx, TypeReplication, o.MasterAccountID, o)
}

// WriteSessionEvent implements auditstore.Sink.
func (p *AuditPublisher) WriteSessionEvent(ctx context.Context, ev copytrade.SessionEvent) error {
	return p.publish(ctx, TypeSession, ev.MasterAccountID, ev)
}

func (p *AuditPublisher) publish(ctx context.Context, kind, master string, record any) error {
	body, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", kind, err)
	}
	value, err := json.Marshal(Envelope{Type: kind, Master: master, Published: p.clock().UTC(), Record: body})
	if err != nil {
		return fmt.Errorf("marshal %s envelope: %w", kind, err)
	}
	msg := kafkago.Message{
		Key:   []byte(master),
		Value: value,
		Headers: []kafkago.Header{
			{Key: "type", Value: []byte(kind)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("kafka write %s: %w", p.topic, err)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *AuditPublisher) Close() error {
	return p.writer.Close()
}
