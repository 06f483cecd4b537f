// Package messaging publishes simulator events to Kafka. Run boundaries,
// tick reports and settlements each go to their own topic.
package messaging

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/bardlex/hylo/internal/events"
	"github.com/bardlex/hylo/pkg/circuit"
	"github.com/bardlex/hylo/pkg/errors"
	"github.com/bardlex/hylo/pkg/log"
	"github.com/bardlex/hylo/pkg/retry"
)

// MessageWriter is the part of kafka.Writer the client uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaClient publishes events with one pooled writer per topic
type KafkaClient struct {
	brokers        []string
	encoding       Encoding
	logger         *log.Logger
	writers        map[string]MessageWriter
	writersMu      sync.RWMutex
	newWriter      func(topic string) MessageWriter
	circuitBreaker *circuit.Breaker
	retryConfig    *retry.Config
	now            func() time.Time
}

// NewKafkaClient creates a new Kafka client
func NewKafkaClient(brokers []string, encoding Encoding, logger *log.Logger) *KafkaClient {
	if encoding == "" {
		encoding = EncodingJSON
	}
	l := logger.WithComponent("kafka")

	// Configure circuit breaker for Kafka operations
	cbConfig := &circuit.Config{
		Name:            "kafka",
		MaxFailures:     5,
		SuccessRequired: 3,
		Timeout:         15 * time.Second,
		ResetTimeout:    60 * time.Second,
		OnStateChange: func(name string, from, to circuit.State) {
			l.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	}

	k := &KafkaClient{
		brokers:        brokers,
		encoding:       encoding,
		logger:         l,
		writers:        make(map[string]MessageWriter),
		circuitBreaker: circuit.New(cbConfig),
		retryConfig:    retry.PublishConfig(),
		now:            time.Now,
	}
	k.newWriter = k.kafkaWriter
	return k
}

func (k *KafkaClient) kafkaWriter(topic string) MessageWriter {
	return &kafka.Writer{
		Addr:         kafka.TCP(k.brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		Compression:  kafka.Snappy,
		// topics are created on first publish in development clusters
		AllowAutoTopicCreation: true,
	}
}

// GetProducer gets or creates the writer for a topic
func (k *KafkaClient) GetProducer(topic string) MessageWriter {
	k.writersMu.RLock()
	if writer, exists := k.writers[topic]; exists {
		k.writersMu.RUnlock()
		return writer
	}
	k.writersMu.RUnlock()

	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	// Double-check after acquiring write lock
	if writer, exists := k.writers[topic]; exists {
		return writer
	}

	writer := k.newWriter(topic)
	k.writers[topic] = writer
	k.logger.Info("created Kafka producer", "topic", topic)
	return writer
}

// Publish writes one encoded value to topic
func (k *KafkaClient) Publish(ctx context.Context, topic, key string, value []byte, headers ...kafka.Header) error {
	return k.circuitBreaker.Execute(ctx, func() error {
		return retry.Do(ctx, k.retryConfig, func() error {
			writer := k.GetProducer(topic)
			msg := kafka.Message{
				Key:     []byte(key),
				Value:   value,
				Headers: headers,
				Time:    k.now(),
			}

			if err := writer.WriteMessages(ctx, msg); err != nil {
				return errors.Wrap(err, errors.ErrorTypeKafka, "publish_message",
					"failed to publish message to Kafka").
					WithContext("topic", topic).
					WithContext("key", key).
					WithContext("message_size", len(value))
			}

			k.logger.Debug("published message", "topic", topic, "key", key, "size", len(value))
			return nil
		})
	})
}

// PublishEvent encodes e and writes it to the topic for its kind
func (k *KafkaClient) PublishEvent(ctx context.Context, e events.Event) error {
	topic, ok := TopicFor(e.Kind)
	if !ok {
		return errors.New(errors.ErrorTypeValidation, "publish_event", "no topic for event kind").
			WithContext("kind", string(e.Kind))
	}

	key, value, err := Encode(e, k.encoding)
	if err != nil {
		return errors.Wrap(err, errors.ErrorTypeValidation, "encode_event",
			"failed to encode event").
			WithContext("kind", string(e.Kind)).
			WithContext("encoding", string(k.encoding))
	}

	return k.Publish(ctx, topic, key, value,
		kafka.Header{Key: HeaderKind, Value: []byte(e.Kind)},
		kafka.Header{Key: HeaderEncoding, Value: []byte(k.encoding)},
	)
}

// Name identifies the client as an event recorder
func (k *KafkaClient) Name() string {
	return "kafka"
}

// Record publishes e
func (k *KafkaClient) Record(ctx context.Context, e events.Event) error {
	return k.PublishEvent(ctx, e)
}

// BreakerState reports the Kafka circuit breaker state
func (k *KafkaClient) BreakerState() circuit.State {
	return k.circuitBreaker.GetState()
}

// Close closes all producers
func (k *KafkaClient) Close() error {
	k.writersMu.Lock()
	defer k.writersMu.Unlock()

	var lastErr error
	for topic, writer := range k.writers {
		if err := writer.Close(); err != nil {
			k.logger.WithError(err).Error("failed to close producer", "topic", topic)
			lastErr = err
		}
	}

	k.writers = make(map[string]MessageWriter)
	return lastErr
}
