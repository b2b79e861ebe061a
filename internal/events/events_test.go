package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banking/aml-agents/internal/alerts"
	"github.com/banking/aml-agents/internal/domain"
	"github.com/banking/aml-agents/internal/pkg/logger"
)

var _ alerts.Notifier = (*AlertPublisher)(nil)

type fakeScreener struct {
	mu    sync.Mutex
	calls int
	errs  []error
	seen  []*domain.Transaction
}

func (f *fakeScreener) Screen(_ context.Context, tx *domain.Transaction, _ *domain.Customer) (*domain.ScreeningOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.seen = append(f.seen, tx)
	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &domain.ScreeningOutcome{TransactionID: tx.ID, AlertID: "alert-1", AlertCreated: true}, nil
}

func message(t *testing.T, v interface{}) *sarama.ConsumerMessage {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return &sarama.ConsumerMessage{Topic: "transactions", Value: data}
}

func TestProcessMessageScreensTransaction(t *testing.T) {
	s := &fakeScreener{}
	h := newTransactionHandler(s, 3, time.Millisecond, logger.NewNop())

	h.processMessage(context.Background(), message(t, domain.TransactionEvent{
		EventID:     "evt-1",
		Transaction: &domain.Transaction{ID: "tx-1", Sender: "a", Receiver: "b", Timestamp: time.Now()},
	}))

	require.Equal(t, 1, s.calls)
	assert.Equal(t, "tx-1", s.seen[0].ID)
}

func TestProcessMessageSkipsMalformedAndInvalid(t *testing.T) {
	s := &fakeScreener{errs: []error{domain.ErrInvalidTransaction}}
	h := newTransactionHandler(s, 3, time.Millisecond, logger.NewNop())

	h.processMessage(context.Background(), &sarama.ConsumerMessage{Value: []byte("{not json")})
	assert.Equal(t, 0, s.calls)

	h.processMessage(context.Background(), message(t, domain.TransactionEvent{EventID: "evt-2"}))
	assert.Equal(t, 1, s.calls)
}

func TestProcessMessageRetriesFailures(t *testing.T) {
	boom := errors.New("transient")
	s := &fakeScreener{errs: []error{boom, boom}}
	h := newTransactionHandler(s, 3, time.Millisecond, logger.NewNop())

	h.processMessage(context.Background(), message(t, domain.TransactionEvent{Transaction: &domain.Transaction{ID: "tx-1"}}))
	assert.Equal(t, 3, s.calls)

	s = &fakeScreener{errs: []error{boom, boom, boom, boom}}
	h = newTransactionHandler(s, 2, time.Millisecond, logger.NewNop())
	h.processMessage(context.Background(), message(t, domain.TransactionEvent{Transaction: &domain.Transaction{ID: "tx-1"}}))
	assert.Equal(t, 2, s.calls)
}

func TestAlertPublisherSendsEvent(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
		var e domain.AlertEvent
		if err := json.Unmarshal(val, &e); err != nil {
			return err
		}
		if e.EventType != domain.AlertEventCreated || e.Alert.ID != "alert-1" {
			return errors.New("unexpected event")
		}
		return nil
	})

	p := NewAlertPublisher(producer, "alerts")
	err := p.Notify(context.Background(), domain.AlertEvent{
		EventType: domain.AlertEventCreated,
		Alert:     &domain.Alert{ID: "alert-1", Status: domain.AlertStatusOpen},
		Timestamp: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, p.Close())
}

func TestAlertPublisherReportsFailure(t *testing.T) {
	producer := mocks.NewSyncProducer(t, nil)
	producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	p := NewAlertPublisher(producer, "alerts")
	err := p.Notify(context.Background(), domain.AlertEvent{EventType: domain.AlertEventUpdated, Alert: &domain.Alert{ID: "alert-1"}})
	require.Error(t, err)
	assert.True(t, errors.Is(err, sarama.ErrOutOfBrokers))
	require.NoError(t, p.Close())
}
