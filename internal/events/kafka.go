package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/omnicart/internal/domain/checkout"
)

var (
	_ checkout.AuditSink = (*Publisher)(nil)
	_ checkout.Notifier  = (*Publisher)(nil)
)

// messageWriter is the subset of *kafka.Writer the publisher uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaConfig selects brokers and topics.
type KafkaConfig struct {
	Brokers           []string
	AuditTopic        string
	NotificationTopic string
	WriteTimeout      time.Duration
}

// NewWriter returns a writer that routes each message to the topic set on it.
// Messages with the same key (tenant) land on the same partition.
func NewWriter(cfg KafkaConfig) *kafka.Writer {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	return &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		WriteTimeout:           cfg.WriteTimeout,
		AllowAutoTopicCreation: true,
	}
}

// Publisher writes audit entries and notifications to Kafka topics.
type Publisher struct {
	w                 messageWriter
	auditTopic        string
	notificationTopic string
	lg                *zap.Logger
}

// NewPublisher returns a Publisher on w.
func NewPublisher(w messageWriter, cfg KafkaConfig, lg *zap.Logger) *Publisher {
	if lg == nil {
		lg = zap.NewNop()
	}
	return &Publisher{
		w:                 w,
		auditTopic:        cfg.AuditTopic,
		notificationTopic: cfg.NotificationTopic,
		lg:                lg,
	}
}

// Record publishes an audit entry keyed by tenant.
func (p *Publisher) Record(ctx context.Context, a checkout.AuditEntry) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.auditTopic,
		Key:   []byte(a.TenantID),
		Value: EncodeAudit(a),
		Time:  a.At,
		Headers: []kafka.Header{
			{Key: "entity", Value: []byte(a.Entity)},
			{Key: "action", Value: []byte(a.Action)},
		},
	})
	if err != nil {
		return errors.Wrap(err, "publish audit entry")
	}
	return nil
}

// Notify publishes a customer notification keyed by tenant.
func (p *Publisher) Notify(ctx context.Context, n checkout.Notification) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.notificationTopic,
		Key:   []byte(n.TenantID),
		Value: EncodeNotification(n),
		Headers: []kafka.Header{
			{Key: "transition", Value: []byte(n.Transition)},
		},
	})
	if err != nil {
		return errors.Wrap(err, "publish notification")
	}
	return nil
}

// Close flushes pending messages and closes the writer.
func (p *Publisher) Close() error {
	if err := p.w.Close(); err != nil {
		p.lg.Warn("Close kafka writer", zap.Error(err))
		return err
	}
	return nil
}
