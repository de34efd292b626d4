package conversion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

// MessageWriter is the subset of *kafka.Writer used by KafkaTracker.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaWriter builds a writer that keys messages by transaction id.
func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		WriteTimeout: 10 * time.Second,
	}
}

// KafkaTracker publishes conversion events to a topic.
type KafkaTracker struct {
	w MessageWriter
}

// NewKafkaTracker wraps w.
func NewKafkaTracker(w MessageWriter) *KafkaTracker {
	return &KafkaTracker{w: w}
}

func (t *KafkaTracker) Deliver(ctx context.Context, ev Event) (string, error) {
	value, err := json.Marshal(ev)
	if err != nil {
		return "", fmt.Errorf("kafka: encode: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.TransactionID),
		Value: value,
		Time:  ev.EmittedAt,
	}
	if err := t.w.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("kafka: write: %w", err)
	}
	return "kafka:ok", nil
}

// MultiTracker delivers to every tracker. Any failure fails the delivery.
type MultiTracker []Tracker

func (m MultiTracker) Deliver(ctx context.Context, ev Event) (string, error) {
	var (
		responses []string
		errs      []error
	)
	for _, t := range m {
		resp, err := t.Deliver(ctx, ev)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		responses = append(responses, resp)
	}
	return strings.Join(responses, "\n"), errors.Join(errs...)
}
