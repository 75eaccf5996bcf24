package publisher

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"audit-service/internal/domain"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	log "github.com/sirupsen/logrus"
)

const (
	deliveryTimeout = 10 * time.Second
	flushTimeoutMs  = 15 * 1000

	eventTypeHeader = "event_type"
)

// AuditPublisher sends operational events of the audit engine (rotations,
// cleanups, verification failures, unsigned entries) to Kafka.
type AuditPublisher struct {
	producer *kafka.Producer
	topic    string
}

func NewAuditPublisher(bootstrapServers, clientID, topic string) (*AuditPublisher, error) {
	p, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": bootstrapServers,
		"client.id":         clientID,
		"acks":              "all",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	log.WithField("topic", topic).Info("Audit event producer created")

	return &AuditPublisher{producer: p, topic: topic}, nil
}

func (p *AuditPublisher) Publish(ctx context.Context, event domain.AuditEvent) error {
	msg, err := buildMessage(p.topic, event)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)

	if err := p.producer.Produce(msg, deliveryChan); err != nil {
		return fmt.Errorf("failed to produce message: %w", err)
	}

	select {
	case e := <-deliveryChan:
		m, ok := e.(*kafka.Message)
		if !ok {
			return fmt.Errorf("unexpected event type: %T", e)
		}
		if m.TopicPartition.Error != nil {
			return fmt.Errorf("delivery failed: %w", m.TopicPartition.Error)
		}
		return nil
	case <-time.After(deliveryTimeout):
		return fmt.Errorf("delivery timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// buildMessage keys events by entity so all events about one archive or
// entry land on the same partition.
func buildMessage(topic string, event domain.AuditEvent) (*kafka.Message, error) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal audit event: %w", err)
	}

	key := event.EntityID
	if key == "" {
		key = event.EventType
	}

	return &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(key),
		Value:          payload,
		Headers:        []kafka.Header{{Key: eventTypeHeader, Value: []byte(event.EventType)}},
		Timestamp:      event.OccurredAt,
	}, nil
}

func (p *AuditPublisher) Close() {
	remaining := p.producer.Flush(flushTimeoutMs)
	if remaining > 0 {
		log.WithField("undelivered", remaining).Warn("Closing audit event producer with undelivered events")
	}
	p.producer.Close()
}
