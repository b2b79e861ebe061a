package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
)

// AlertPublisher implements alerts.Notifier by publishing alert events.
// Messages are keyed by alert id so one alert's events stay ordered.
type AlertPublisher struct {
	producer sarama.SyncProducer
	topic    string
}

// NewAlertProducer connects a synchronous producer to the brokers
func NewAlertProducer(cfg config.KafkaConfig) (sarama.SyncProducer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_8_0_0
	saramaCfg.Producer.RequiredAcks = sarama.WaitForAll
	saramaCfg.Producer.Retry.Max = cfg.MaxRetries
	saramaCfg.Producer.Return.Successes = true
	saramaCfg.Producer.Idempotent = true
	saramaCfg.Net.MaxOpenRequests = 1

	producer, err := sarama.NewSyncProducer(cfg.Brokers, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create producer: %w", err)
	}
	return producer, nil
}

func NewAlertPublisher(producer sarama.SyncProducer, topic string) *AlertPublisher {
	return &AlertPublisher{producer: producer, topic: topic}
}

func (p *AlertPublisher) Notify(_ context.Context, event domain.AlertEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal alert event: %w", err)
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(event.Alert.ID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event_type"), Value: []byte(event.EventType)},
		},
	}
	if _, _, err := p.producer.SendMessage(msg); err != nil {
		return fmt.Errorf("failed to publish alert event: %w", err)
	}
	return nil
}

func (p *AlertPublisher) Close() error {
	return p.producer.Close()
}
