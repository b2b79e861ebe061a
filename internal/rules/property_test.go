package rules

import (
	"context"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/banking/aml-agents/internal/domain"
)

// Property: between [lo,hi] matches exactly when lo <= amount <= hi.
func TestBetweenIsClosedInterval(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Load("prop", []domain.Rule{
		rule("band", 1, domain.Predicate{Field: "amount", Operator: domain.OpBetween, Min: "1000", Max: "5000"}),
	})
	require.NoError(t, err)

	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("between matches iff amount within bounds", prop.ForAll(
		func(cents int64) bool {
			tx := testTx("0")
			tx.Amount = decimal.New(cents, -2)
			matches, errs := e.Evaluate(context.Background(), tx, nil)
			if len(errs) > 0 {
				return false
			}
			inside := cents >= 100000 && cents <= 500000
			return inside == (len(matches) == 1)
		},
		gen.Int64Range(0, 1000000),
	))

	properties.TestingRun(t)
}

// Property: repeated evaluation of the same input yields the same matches in the same order.
func TestEvaluationIsDeterministic(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Load("prop", []domain.Rule{
		rule("a", 2, domain.Predicate{Field: "amount", Operator: domain.OpGreaterOrEqual, Value: "100"}),
		rule("b", 2, domain.Predicate{Field: "amount", Operator: domain.OpLess, Value: "7000"}),
		rule("c", 5, domain.Predicate{Field: "amount", Operator: domain.OpBetweenExclusive, Min: "50", Max: "9000"}),
	})
	require.NoError(t, err)

	properties := gopter.NewProperties(gopter.DefaultTestParameters())
	properties.Property("same input, same output", prop.ForAll(
		func(units int64) bool {
			tx := testTx("0")
			tx.Amount = decimal.NewFromInt(units)
			first, _ := e.Evaluate(context.Background(), tx, nil)
			second, _ := e.Evaluate(context.Background(), tx, nil)
			if len(first) != len(second) {
				return false
			}
			for i := range first {
				if first[i].RuleID != second[i].RuleID {
					return false
				}
			}
			return true
		},
		gen.Int64Range(0, 10000),
	))

	properties.TestingRun(t)
}
