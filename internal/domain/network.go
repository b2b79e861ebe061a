package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// NetworkEdge aggregates the windowed transfers from one account to another
type NetworkEdge struct {
	From        string          `json:"from"`
	To          string          `json:"to"`
	Transfers   int             `json:"transfers"`
	TotalAmount decimal.Decimal `json:"total_amount"`
	FirstSeen   time.Time       `json:"first_seen"`
	LastSeen    time.Time       `json:"last_seen"`
}

// AccountNetwork is the neighbourhood of an account within the retention window
type AccountNetwork struct {
	Account   string        `json:"account"`
	Depth     int           `json:"depth"`
	Accounts  []string      `json:"accounts"`
	Edges     []NetworkEdge `json:"edges"`
	Truncated bool          `json:"truncated"`
}
