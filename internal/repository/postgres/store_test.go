package postgres

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/banking/aml-agents/internal/alerts"
	"github.com/banking/aml-agents/internal/domain"
)

var (
	_ alerts.AlertRepository = (*Store)(nil)
	_ alerts.CaseRepository  = (*Store)(nil)
)

func TestAlertQueryFilters(t *testing.T) {
	from := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	query, args := alertQuery(domain.AlertFilter{
		Status:     domain.AlertStatusOpen,
		CustomerID: "cust-1",
		From:       from,
		Limit:      5000,
		Offset:     10,
	})

	assert.Equal(t,
		"SELECT document FROM aml_alerts WHERE 1=1 AND status = $1 AND customer_id = $2 AND created_at >= $3"+
			" ORDER BY created_at DESC, id LIMIT $4 OFFSET $5",
		query)
	assert.Equal(t, []interface{}{"OPEN", "cust-1", from, 1000, 10}, args)
}

func TestAlertQueryDefaults(t *testing.T) {
	query, args := alertQuery(domain.AlertFilter{})
	assert.Equal(t, "SELECT document FROM aml_alerts WHERE 1=1 ORDER BY created_at DESC, id LIMIT $1 OFFSET $2", query)
	assert.Equal(t, []interface{}{100, 0}, args)
}

func TestCaseQuery(t *testing.T) {
	query, args := caseQuery(domain.CaseFilter{Status: domain.CaseStatusClosed, Limit: 20})
	assert.Equal(t, "SELECT document FROM aml_cases WHERE 1=1 AND status = $1 ORDER BY created_at DESC, id LIMIT $2 OFFSET $3", query)
	assert.Equal(t, []interface{}{"CLOSED", 20, 0}, args)

	query, args = caseQuery(domain.CaseFilter{})
	assert.Equal(t, "SELECT document FROM aml_cases WHERE 1=1 ORDER BY created_at DESC, id LIMIT $1 OFFSET $2", query)
	assert.Equal(t, []interface{}{100, 0}, args)
}
