// Package events publishes customer lifecycle events for downstream
// consumers such as reporting. Publishing is best-effort.
package events

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	CustomerJoined    = "customer.joined"
	CustomerPromoted  = "customer.promoted"
	CustomerCancelled = "customer.cancelled"
	CustomerCompleted = "customer.completed"
)

type Event struct {
	Type           string    `json:"type"`
	LocationID     string    `json:"location_id"`
	CustomerID     string    `json:"customer_id"`
	Status         string    `json:"status"`
	OccurredAt     time.Time `json:"occurred_at"`
	WaitMinutes    *int      `json:"wait_minutes,omitempty"`
	ServiceMinutes *int      `json:"service_minutes,omitempty"`
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close() error
}

type noopPublisher struct{}

func NewNoopPublisher() Publisher { return noopPublisher{} }

func (noopPublisher) Publish(ctx context.Context, event Event) error { return nil }
func (noopPublisher) Close() error                                   { return nil }

type KafkaPublisher struct {
	writer  *kafka.Writer
	timeout time.Duration
}

func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
			BatchTimeout: 10 * time.Millisecond,
		},
		timeout: 2 * time.Second,
	}
}

// Publish writes the event keyed by location so one location's events stay
// ordered within a partition.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	value, err := Encode(event)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(event.LocationID),
		Value: value,
		Time:  event.OccurredAt,
	})
	return errors.Wrap(err, "publish event")
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

func Encode(event Event) ([]byte, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}
	value, err := json.Marshal(event)
	return value, errors.Wrap(err, "encode event")
}

// ParseBrokers splits a comma separated broker list, dropping blanks.
func ParseBrokers(raw string) []string {
	var brokers []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			brokers = append(brokers, part)
		}
	}
	return brokers
}

// Emit publishes and logs failures instead of returning them.
func Emit(ctx context.Context, publisher Publisher, logger *zap.Logger, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil && logger != nil {
		logger.Warn("event publish failed",
			zap.String("type", event.Type),
			zap.String("customer_id", event.CustomerID),
			zap.Error(err),
		)
	}
}
