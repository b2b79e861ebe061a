package agents

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banking/aml-agents/internal/domain"
)

var (
	ErrSelfAddressed = errors.New("agent may not address itself")
	ErrUnknownReply  = errors.New("reply to unknown message")
	ErrMisrouted     = errors.New("reply not addressed to the requester")
)

// Conversation is the message log of one orchestration run. Messages are
// append-only and every reply points at an earlier request in the same log.
type Conversation struct {
	ID            string
	TransactionID string
	StartedAt     time.Time

	mu       sync.Mutex
	messages []domain.AgentMessage
	byID     map[string]int
}

func NewConversation(transactionID string) *Conversation {
	return &Conversation{
		ID:            uuid.New().String(),
		TransactionID: transactionID,
		StartedAt:     time.Now().UTC(),
		byID:          make(map[string]int),
	}
}

// Send validates and appends a message, returning it with id and timestamp set
func (c *Conversation) Send(from, to domain.AgentRole, kind domain.MessageKind, inReplyTo string, payload domain.MessagePayload) (domain.AgentMessage, error) {
	if from == to {
		return domain.AgentMessage{}, fmt.Errorf("%w: %s", ErrSelfAddressed, from)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if inReplyTo != "" {
		idx, ok := c.byID[inReplyTo]
		if !ok {
			return domain.AgentMessage{}, fmt.Errorf("%w: %s", ErrUnknownReply, inReplyTo)
		}
		req := c.messages[idx]
		if req.From != to || req.To != from {
			return domain.AgentMessage{}, fmt.Errorf("%w: %s answered by %s", ErrMisrouted, inReplyTo, from)
		}
	}

	msg := domain.AgentMessage{
		MessageID:      uuid.New().String(),
		ConversationID: c.ID,
		From:           from,
		To:             to,
		Kind:           kind,
		InReplyTo:      inReplyTo,
		Payload:        payload,
		Timestamp:      time.Now().UTC(),
	}
	if payload != nil {
		msg.Type = payload.PayloadType()
	}
	c.byID[msg.MessageID] = len(c.messages)
	c.messages = append(c.messages, msg)
	return msg, nil
}

// Messages returns a copy of the log in send order
func (c *Conversation) Messages() []domain.AgentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.AgentMessage(nil), c.messages...)
}

// Involves reports whether role sent or received any message
func (c *Conversation) Involves(role domain.AgentRole) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.messages {
		if m.From == role || m.To == role {
			return true
		}
	}
	return false
}

func (c *Conversation) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ID            string                `json:"conversation_id"`
		TransactionID string                `json:"transaction_id"`
		StartedAt     time.Time             `json:"started_at"`
		Messages      []domain.AgentMessage `json:"messages"`
	}{c.ID, c.TransactionID, c.StartedAt, c.Messages()})
}

// conversationStore keeps the most recent conversations, evicting the oldest first
type conversationStore struct {
	mu    sync.Mutex
	max   int
	order []string
	byID  map[string]*Conversation
}

func newConversationStore(max int) *conversationStore {
	if max <= 0 {
		max = 10000
	}
	return &conversationStore{max: max, byID: make(map[string]*Conversation)}
}

func (s *conversationStore) put(c *Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[c.ID] = c
	s.order = append(s.order, c.ID)
	for len(s.order) > s.max {
		delete(s.byID, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *conversationStore) get(id string) (*Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.byID[id]
	return c, ok
}
