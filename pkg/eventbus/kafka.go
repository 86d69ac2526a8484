package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/gocomet/ride-dispatch/pkg/logger"
)

// KafkaConfig configures the Kafka sink
type KafkaConfig struct {
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink forwards bus events to a Kafka topic for downstream consumers.
// Delivery is best-effort: a failed write is logged and the event is skipped.
type KafkaSink struct {
	writer       messageWriter
	writeTimeout time.Duration
	logger       *logger.Logger
}

// NewKafkaSink creates a sink writing to cfg.Topic, partitioned by event key
func NewKafkaSink(cfg KafkaConfig, log *logger.Logger) *KafkaSink {
	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		Balancer: &kafka.Hash{},
	})
	return newKafkaSink(w, cfg.WriteTimeout, log)
}

func newKafkaSink(w messageWriter, timeout time.Duration, log *logger.Logger) *KafkaSink {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &KafkaSink{writer: w, writeTimeout: timeout, logger: log}
}

// Run drains the subscription until it is closed or ctx is done
func (k *KafkaSink) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			k.write(ctx, ev)
		}
	}
}

// Close flushes and closes the underlying writer
func (k *KafkaSink) Close() error {
	return k.writer.Close()
}

func (k *KafkaSink) write(ctx context.Context, ev Event) {
	msg, err := encodeMessage(ev)
	if err != nil {
		k.logger.Error("Failed to encode event for kafka",
			logger.String("topic", ev.Topic),
			logger.Err(err),
		)
		return
	}

	writeCtx, cancel := context.WithTimeout(ctx, k.writeTimeout)
	defer cancel()

	if err := k.writer.WriteMessages(writeCtx, msg); err != nil {
		k.logger.Warn("Failed to publish event to kafka",
			logger.String("topic", ev.Topic),
			logger.String("key", ev.Key),
			logger.Err(err),
		)
	}
}

type wireEvent struct {
	Type        string    `json:"type"`
	Key         string    `json:"key,omitempty"`
	Audience    []string  `json:"audience,omitempty"`
	Data        any       `json:"data"`
	PublishedAt time.Time `json:"published_at"`
}

func encodeMessage(ev Event) (kafka.Message, error) {
	body, err := json.Marshal(wireEvent{
		Type:        ev.Topic,
		Key:         ev.Key,
		Audience:    ev.Audience,
		Data:        ev.Payload,
		PublishedAt: ev.PublishedAt,
	})
	if err != nil {
		return kafka.Message{}, fmt.Errorf("marshal %s: %w", ev.Topic, err)
	}
	return kafka.Message{
		Key:   []byte(ev.Key),
		Value: body,
		Time:  ev.PublishedAt,
		Headers: []kafka.Header{
			{Key: "event-type", Value: []byte(ev.Topic)},
		},
	}, nil
}
