// Package kafka publishes outbox messages to Kafka topics.
package kafka

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/xenking/kart-checkout/internal/outbox"
)

// Writer is the subset of *kafka.Writer the publisher needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher is an outbox.Publisher. Each kind goes to its own topic named
// Prefix + kind, keyed by the dedupe key so one order's events keep their
// order within a partition.
type Publisher struct {
	w      Writer
	prefix string
}

var _ outbox.Publisher = (*Publisher)(nil)

// NewWriter creates a writer for brokers. The topic is set per message.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
		BatchTimeout:           10 * time.Millisecond,
	}
}

// Ping succeeds when any of brokers accepts a connection.
func Ping(ctx context.Context, brokers []string) error {
	var last error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			last = err
			continue
		}
		return conn.Close()
	}
	if last == nil {
		return errors.New("no brokers configured")
	}
	return errors.Wrap(last, "dial kafka")
}

// NewPublisher wraps w.
func NewPublisher(w Writer, prefix string) *Publisher {
	return &Publisher{w: w, prefix: prefix}
}

// Topic returns the topic messages of kind are written to.
func (p *Publisher) Topic(kind string) string {
	return p.prefix + kind
}

// Publish implements outbox.Publisher.
func (p *Publisher) Publish(ctx context.Context, m outbox.Message) error {
	err := p.w.WriteMessages(ctx, kafka.Message{
		Topic: p.Topic(m.Kind),
		Key:   []byte(partitionKey(m.DedupeKey)),
		Value: m.Payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(m.Kind)},
			{Key: "dedupe-key", Value: []byte(m.DedupeKey)},
			{Key: "outbox-id", Value: []byte(strconv.FormatInt(m.ID, 10))},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "publish %s", m.Kind)
	}
	return nil
}

// Close flushes and closes the writer.
func (p *Publisher) Close() error {
	return p.w.Close()
}

// partitionKey extracts the entity id from keys shaped "kind:id[:...]".
func partitionKey(dedupeKey string) string {
	parts := strings.SplitN(dedupeKey, ":", 3)
	if len(parts) < 2 {
		return dedupeKey
	}
	return parts[1]
}

// LogPublisher logs messages instead of publishing them. It stands in for
// Kafka when no brokers are configured.
type LogPublisher struct{}

var _ outbox.Publisher = LogPublisher{}

func (LogPublisher) Publish(ctx context.Context, m outbox.Message) error {
	zctx.From(ctx).Info("Event",
		zap.String("kind", m.Kind),
		zap.String("dedupe_key", m.DedupeKey),
		zap.ByteString("payload", m.Payload),
	)
	return nil
}
