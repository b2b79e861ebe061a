package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Transaction represents a single value transfer to be screened.
// Transactions are immutable once ingested.
type Transaction struct {
	ID        string            `json:"id"`
	Timestamp time.Time         `json:"timestamp"`
	Sender    string            `json:"sender"`
	Receiver  string            `json:"receiver"`
	Amount    decimal.Decimal   `json:"amount"`
	Currency  string            `json:"currency"`
	Channel   string            `json:"channel,omitempty"` // WIRE, ACH, CARD, CASH, CRYPTO
	Country   string            `json:"country,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Customer is the read-only customer context supplied alongside a transaction.
type Customer struct {
	ID            string            `json:"id"`
	Name          string            `json:"name,omitempty"`
	RiskProfile   RiskBand          `json:"risk_profile,omitempty"`
	IsPEP         bool              `json:"is_pep,omitempty"`
	KYCAttributes map[string]string `json:"kyc_attributes,omitempty"`
}

// TransactionEvent is the Kafka event received from the transaction service
type TransactionEvent struct {
	EventID     string       `json:"event_id"`
	EventType   string       `json:"event_type"`
	Timestamp   time.Time    `json:"timestamp"`
	Transaction *Transaction `json:"transaction"`
	Customer    *Customer    `json:"customer,omitempty"`
}

// Validate checks the fields every downstream component relies on.
func (t *Transaction) Validate() error {
	switch {
	case t == nil:
		return fmt.Errorf("%w: missing transaction", ErrInvalidTransaction)
	case strings.TrimSpace(t.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidTransaction)
	case t.Timestamp.IsZero():
		return fmt.Errorf("%w: timestamp is required", ErrInvalidTransaction)
	case t.Sender == "" || t.Receiver == "":
		return fmt.Errorf("%w: sender and receiver are required", ErrInvalidTransaction)
	case t.Amount.IsNegative():
		return fmt.Errorf("%w: amount must not be negative", ErrInvalidTransaction)
	}
	return nil
}

// Participants returns the sender and receiver accounts.
func (t *Transaction) Participants() []string {
	if t.Sender == t.Receiver {
		return []string{t.Sender}
	}
	return []string{t.Sender, t.Receiver}
}

// Involves reports whether account is the sender or the receiver.
func (t *Transaction) Involves(account string) bool {
	return t.Sender == account || t.Receiver == account
}

// IsCrossBorder returns true if the customer's residence differs from the transaction country
func (t *Transaction) IsCrossBorder(c *Customer) bool {
	if c == nil || t.Country == "" {
		return false
	}
	residence := c.KYCAttributes["country"]
	return residence != "" && residence != t.Country
}

// IsHighValue returns true if transaction amount exceeds threshold
func (t *Transaction) IsHighValue(threshold decimal.Decimal) bool {
	return t.Amount.GreaterThanOrEqual(threshold)
}
