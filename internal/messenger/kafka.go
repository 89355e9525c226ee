package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/clinicware/patientflow/libs/kafkax"
)

const outboundEventType = "messenger.outbound.v1"

// maxConsecutiveReadErrors is how many back-to-back read failures count as a
// lost connection rather than a blip.
const maxConsecutiveReadErrors = 3

type outboundPayload struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

// KafkaSender publishes outbound messages to a topic consumed by the
// transport bridge.
type KafkaSender struct {
	writer *kafka.Writer
}

func NewKafkaSender(brokers string, topic string) *KafkaSender {
	return &KafkaSender{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(kafkax.SplitBrokers(brokers)...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 50 * time.Millisecond,
		},
	}
}

func (s *KafkaSender) Send(ctx context.Context, to string, text string) error {
	raw, err := json.Marshal(outboundPayload{To: to, Body: text})
	if err != nil {
		return fmt.Errorf("outbound encode: %w", err)
	}
	headers := []kafka.Header{
		{Key: "event_id", Value: []byte(uuid.NewString())},
		{Key: "event_type", Value: []byte(outboundEventType)},
	}
	headers = kafkax.InjectTraceHeaders(ctx, headers)

	msg := kafka.Message{
		Key:     []byte(to),
		Value:   raw,
		Headers: headers,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("outbound publish: %w", err)
	}
	return nil
}

func (s *KafkaSender) Close() error { return s.writer.Close() }

// messageReader is the slice of kafka.Reader the consumer depends on.
type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// DisconnectHandler is told about a lost or unauthorized transport
// connection. It may block; reads resume when it returns.
type DisconnectHandler func(ctx context.Context, err error)

// KafkaConsumer reads inbound messages from the transport bridge topic and
// dispatches direct messages to the handler. Repeated read failures are
// handed to the disconnect handler, and Reconnect rebuilds the reader, so
// the recovery layer can drive the backoff policy.
type KafkaConsumer struct {
	cfg     ConsumerConfig
	logger  *slog.Logger
	handler Handler

	mu     sync.Mutex
	reader messageReader

	onDisconnect DisconnectHandler
	onAuthError  DisconnectHandler
	newReader    func() messageReader
	sleep        func(time.Duration)
}

type ConsumerConfig struct {
	Brokers string
	GroupID string
	Topic   string
}

func NewKafkaConsumer(logger *slog.Logger, cfg ConsumerConfig, handler Handler) *KafkaConsumer {
	c := &KafkaConsumer{
		cfg:     cfg,
		logger:  logger,
		handler: handler,
		sleep:   time.Sleep,
	}
	c.newReader = func() messageReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:  kafkax.SplitBrokers(cfg.Brokers),
			GroupID:  cfg.GroupID,
			Topic:    cfg.Topic,
			MinBytes: 1,
			MaxBytes: 10e6,
		})
	}
	c.reader = c.newReader()
	return c
}

// SetDisconnectHandler installs the callback for a connection presumed lost.
func (c *KafkaConsumer) SetDisconnectHandler(h DisconnectHandler) { c.onDisconnect = h }

// SetAuthErrorHandler installs the callback for authentication failures,
// which no amount of reconnecting can fix.
func (c *KafkaConsumer) SetAuthErrorHandler(h DisconnectHandler) { c.onAuthError = h }

// Reconnect swaps in a fresh reader after probing the first broker. It is
// the Reconnector the recovery manager drives during its backoff loop.
func (c *KafkaConsumer) Reconnect(ctx context.Context) error {
	if err := kafkax.ReadyCheck(c.cfg.Brokers)(ctx); err != nil {
		return fmt.Errorf("broker probe: %w", err)
	}
	c.mu.Lock()
	old := c.reader
	c.reader = c.newReader()
	c.mu.Unlock()
	_ = old.Close()
	return nil
}

func (c *KafkaConsumer) currentReader() messageReader {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reader
}

func (c *KafkaConsumer) Run(ctx context.Context) {
	defer func() { _ = c.currentReader().Close() }()

	failures := 0
	for {
		msg, err := c.currentReader().ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if isAuthError(err) && c.onAuthError != nil {
				c.onAuthError(ctx, err)
				return
			}
			failures++
			c.logger.Error("kafka read error", "consecutive", failures, "err", err)
			if failures >= maxConsecutiveReadErrors && c.onDisconnect != nil {
				c.onDisconnect(ctx, err)
				failures = 0
				continue
			}
			c.sleep(1 * time.Second)
			continue
		}
		failures = 0

		meta := kafkax.ExtractEventMeta(msg)
		ctxMsg := kafkax.ExtractTraceContext(ctx, msg)
		ctxSpan, span := otel.Tracer("kafka").Start(ctxMsg, "kafka.consume",
			trace.WithAttributes(
				attribute.String("messaging.system", "kafka"),
				attribute.String("messaging.destination", msg.Topic),
				attribute.String("event.id", meta.EventID),
			),
		)

		var inbound Message
		if err := json.Unmarshal(msg.Value, &inbound); err != nil {
			c.logger.Error("invalid inbound payload", "event_id", meta.EventID, "err", err)
			span.RecordError(err)
			span.End()
			continue
		}
		if inbound.Group || inbound.Broadcast || inbound.From == "" || inbound.Body == "" {
			span.End()
			continue
		}

		c.handler(ctxSpan, inbound)
		span.End()
	}
}

func isAuthError(err error) bool {
	return errors.Is(err, kafka.SASLAuthenticationFailed) ||
		errors.Is(err, kafka.TopicAuthorizationFailed) ||
		errors.Is(err, kafka.GroupAuthorizationFailed)
}
