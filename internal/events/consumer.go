// Package events connects the pipeline to Kafka: transactions in, alert events out.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/IBM/sarama"

	"github.com/banking/aml-agents/internal/config"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

// Screener runs one transaction through the pipeline
type Screener interface {
	Screen(ctx context.Context, tx *domain.Transaction, customer *domain.Customer) (*domain.ScreeningOutcome, error)
}

// TransactionConsumer screens every transaction event of the transaction topic
type TransactionConsumer struct {
	consumerGroup sarama.ConsumerGroup
	handler       *transactionHandler
	topics        []string
	log           *logger.Logger
}

func NewTransactionConsumer(cfg config.KafkaConfig, screener Screener, log *logger.Logger) (*TransactionConsumer, error) {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRoundRobin
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Version = sarama.V2_8_0_0

	consumerGroup, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.ConsumerGroup, saramaCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer group: %w", err)
	}

	log = log.Named("transaction_consumer")
	return &TransactionConsumer{
		consumerGroup: consumerGroup,
		handler:       newTransactionHandler(screener, cfg.MaxRetries, time.Second, log),
		topics:        []string{cfg.TransactionTopic},
		log:           log,
	}, nil
}

// Start consumes until ctx is cancelled
func (c *TransactionConsumer) Start(ctx context.Context) error {
	for {
		if err := c.consumerGroup.Consume(ctx, c.topics, c.handler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.log.Error("error from consumer", logger.ErrorField(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(5 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}

func (c *TransactionConsumer) Close() error {
	return c.consumerGroup.Close()
}

type transactionHandler struct {
	screener   Screener
	maxRetries int
	backoff    time.Duration
	log        *logger.Logger
}

func newTransactionHandler(screener Screener, maxRetries int, backoff time.Duration, log *logger.Logger) *transactionHandler {
	if maxRetries < 1 {
		maxRetries = 1
	}
	return &transactionHandler{screener: screener, maxRetries: maxRetries, backoff: backoff, log: log}
}

func (h *transactionHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *transactionHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }
func (h *transactionHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for message := range claim.Messages() {
		h.processMessage(session.Context(), message)
		session.MarkMessage(message, "")
	}
	return nil
}

// processMessage screens one event. Malformed and invalid events are logged
// and skipped; a failure never stops the consumer.
func (h *transactionHandler) processMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	var event domain.TransactionEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		h.log.Error("failed to unmarshal transaction event",
			logger.StringField("topic", msg.Topic),
			logger.IntField("partition", int(msg.Partition)),
			logger.ErrorField(err),
		)
		return
	}

	for i := 0; i < h.maxRetries; i++ {
		outcome, err := h.screener.Screen(ctx, event.Transaction, event.Customer)
		if err == nil {
			if outcome.AlertCreated {
				h.log.Info("transaction event raised alert",
					logger.StringField("event_id", event.EventID),
					logger.StringField("alert_id", outcome.AlertID),
				)
			}
			return
		}
		if errors.Is(err, domain.ErrInvalidTransaction) {
			h.log.Warn("skipping invalid transaction event",
				logger.StringField("event_id", event.EventID),
				logger.ErrorField(err),
			)
			return
		}
		h.log.Error("failed to screen transaction event",
			logger.StringField("event_id", event.EventID),
			logger.IntField("retry", i+1),
			logger.ErrorField(err),
		)
		if i < h.maxRetries-1 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Duration(i+1) * h.backoff):
			}
		}
	}
	h.log.Error("dropping transaction event after retries", logger.StringField("event_id", event.EventID))
}
