package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/segmentio/kafka-go"
)

// LogSink writes events to the default slog logger.
type LogSink struct{}

func (LogSink) Name() string { return "log" }

func (LogSink) Publish(_ context.Context, e Event) error {
	slog.Info("telemetry: request",
		"request_id", e.RequestID,
		"session", e.SessionIDHash,
		"host", e.TargetHost,
		"method", e.Method,
		"path", e.Path,
		"status", e.Status,
		"stage", e.Stage,
		"outcome", e.PolicyOutcome,
		"error_kind", e.ErrorKind,
		"entities", e.EntityCounts,
		"restored", e.TokensRestored,
		"latency_ms", e.LatencyMS,
	)
	return nil
}

func (LogSink) Close() error { return nil }

// KafkaWriter is the subset of *kafka.Writer the sink uses.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink publishes JSON events keyed by session hash, so one session's
// events land on one partition in order.
type KafkaSink struct {
	writer KafkaWriter
}

// NewKafkaSink writes to topic on the given brokers.
func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return NewKafkaSinkWithWriter(&kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	})
}

// NewKafkaSinkWithWriter allows injecting a writer.
func NewKafkaSinkWithWriter(w KafkaWriter) *KafkaSink {
	return &KafkaSink{writer: w}
}

func (k *KafkaSink) Name() string { return "kafka" }

func (k *KafkaSink) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("telemetry: kafka: marshal: %w", err)
	}
	msg := kafka.Message{Key: []byte(e.SessionIDHash), Value: b, Time: e.Timestamp}
	if err := k.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("telemetry: kafka: write: %w", err)
	}
	return nil
}

func (k *KafkaSink) Close() error { return k.writer.Close() }

// AMQPChannel is the subset of *amqp.Channel the sink uses.
type AMQPChannel interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPSink publishes persistent JSON messages to a durable queue through the
// default exchange.
type AMQPSink struct {
	conn  *amqp.Connection
	ch    AMQPChannel
	queue string
}

// DialAMQP connects to url and declares queue.
func DialAMQP(url, queue string) (*AMQPSink, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("telemetry: amqp dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("telemetry: amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		conn.Close()
		return nil, fmt.Errorf("telemetry: amqp declare %s: %w", queue, err)
	}
	s := NewAMQPSinkWithChannel(ch, queue)
	s.conn = conn
	return s, nil
}

// NewAMQPSinkWithChannel allows injecting a channel.
func NewAMQPSinkWithChannel(ch AMQPChannel, queue string) *AMQPSink {
	return &AMQPSink{ch: ch, queue: queue}
}

func (a *AMQPSink) Name() string { return "amqp" }

func (a *AMQPSink) Publish(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("telemetry: amqp: marshal: %w", err)
	}
	err = a.ch.PublishWithContext(ctx, "", a.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    e.RequestID,
		Timestamp:    e.Timestamp,
		Body:         b,
	})
	if err != nil {
		return fmt.Errorf("telemetry: amqp: publish: %w", err)
	}
	return nil
}

func (a *AMQPSink) Close() error {
	err := a.ch.Close()
	if a.conn != nil {
		if cerr := a.conn.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// ParseSinks splits a comma-separated sink list, lower-cased and deduplicated.
func ParseSinks(raw string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
