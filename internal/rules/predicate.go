package rules

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/cel-go/cel"
	"github.com/shopspring/decimal"

	"github.com/banking/aml-agents/internal/domain"
)

var errMissingField = errors.New("field not present")

// subject is the evaluation input shared by every rule of one evaluation
type subject struct {
	tx       *domain.Transaction
	customer *domain.Customer

	activation map[string]any
}

func newSubject(tx *domain.Transaction, customer *domain.Customer) *subject {
	if customer == nil {
		customer = &domain.Customer{}
	}
	return &subject{tx: tx, customer: customer}
}

// field resolves a dotted field name to its string form
func (s *subject) field(name string) (string, error) {
	tx, c := s.tx, s.customer
	switch name {
	case "amount":
		return tx.Amount.String(), nil
	case "currency":
		return tx.Currency, nil
	case "channel":
		return tx.Channel, nil
	case "country":
		return tx.Country, nil
	case "sender":
		return tx.Sender, nil
	case "receiver":
		return tx.Receiver, nil
	case "customer.id":
		return c.ID, nil
	case "customer.name":
		if c.Name == "" {
			return "", fmt.Errorf("%w: %s", errMissingField, name)
		}
		return c.Name, nil
	case "customer.risk_profile":
		if c.RiskProfile == "" {
			return "", fmt.Errorf("%w: %s", errMissingField, name)
		}
		return string(c.RiskProfile), nil
	case "customer.is_pep":
		return strconv.FormatBool(c.IsPEP), nil
	}

	if key, ok := strings.CutPrefix(name, "metadata."); ok {
		if v, ok := tx.Metadata[key]; ok {
			return v, nil
		}
		return "", fmt.Errorf("%w: %s", errMissingField, name)
	}
	if key, ok := strings.CutPrefix(name, "customer.kyc."); ok {
		if v, ok := c.KYCAttributes[key]; ok {
			return v, nil
		}
		return "", fmt.Errorf("%w: %s", errMissingField, name)
	}
	return "", fmt.Errorf("%w: %s", errMissingField, name)
}

func (s *subject) numeric(name string) (decimal.Decimal, error) {
	if name == "amount" {
		return s.tx.Amount, nil
	}
	raw, err := s.field(name)
	if err != nil {
		return decimal.Zero, err
	}
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("field %s is not numeric: %q", name, raw)
	}
	return d, nil
}

// celInput builds the CEL activation lazily; it is shared across rules.
func (s *subject) celInput() map[string]any {
	if s.activation != nil {
		return s.activation
	}
	tx, c := s.tx, s.customer
	amount, _ := tx.Amount.Float64()
	metadata := make(map[string]any, len(tx.Metadata))
	for k, v := range tx.Metadata {
		metadata[k] = v
	}
	kyc := make(map[string]any, len(c.KYCAttributes))
	for k, v := range c.KYCAttributes {
		kyc[k] = v
	}
	s.activation = map[string]any{
		"tx": map[string]any{
			"id":        tx.ID,
			"timestamp": tx.Timestamp,
			"sender":    tx.Sender,
			"receiver":  tx.Receiver,
			"amount":    amount,
			"currency":  tx.Currency,
			"channel":   tx.Channel,
			"country":   tx.Country,
			"metadata":  metadata,
		},
		"customer": map[string]any{
			"id":           c.ID,
			"name":         c.Name,
			"risk_profile": string(c.RiskProfile),
			"is_pep":       c.IsPEP,
			"kyc":          kyc,
		},
	}
	return s.activation
}

// matcher is a compiled predicate. It returns whether the predicate holds
// and a short explanation of the comparison.
type matcher func(s *subject) (bool, string, error)

type compileOptions struct {
	fuzzyThreshold float64
	celEnv         *cel.Env
	celCostLimit   uint64
}

func compilePredicate(p domain.Predicate, opts compileOptions) (matcher, error) {
	if p.Operator != domain.OpCEL && strings.TrimSpace(p.Field) == "" {
		return nil, fmt.Errorf("predicate field is required for operator %q", p.Operator)
	}

	switch p.Operator {
	case domain.OpGreaterOrEqual, domain.OpLessOrEqual, domain.OpGreater, domain.OpLess:
		return compileComparison(p)
	case domain.OpEqual, domain.OpNotEqual:
		return compileEquality(p)
	case domain.OpBetween, domain.OpBetweenExclusive:
		return compileBetween(p)
	case domain.OpIn, domain.OpNotIn:
		return compileMembership(p)
	case domain.OpFuzzyIn:
		return compileFuzzy(p, opts.fuzzyThreshold)
	case domain.OpCEL:
		return compileCEL(p, opts)
	default:
		return nil, fmt.Errorf("unknown operator %q", p.Operator)
	}
}

func parseDecimal(label, raw string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%s %q is not a number", label, raw)
	}
	return d, nil
}

func compileComparison(p domain.Predicate) (matcher, error) {
	bound, err := parseDecimal("value", p.Value)
	if err != nil {
		return nil, err
	}
	var cmp func(int) bool
	switch p.Operator {
	case domain.OpGreaterOrEqual:
		cmp = func(c int) bool { return c >= 0 }
	case domain.OpLessOrEqual:
		cmp = func(c int) bool { return c <= 0 }
	case domain.OpGreater:
		cmp = func(c int) bool { return c > 0 }
	default:
		cmp = func(c int) bool { return c < 0 }
	}
	return func(s *subject) (bool, string, error) {
		v, err := s.numeric(p.Field)
		if err != nil {
			return false, "", err
		}
		return cmp(v.Cmp(bound)), fmt.Sprintf("%s %s %s %s", p.Field, v, p.Operator, bound), nil
	}, nil
}

func compileEquality(p domain.Predicate) (matcher, error) {
	want := p.Value
	negate := p.Operator == domain.OpNotEqual
	num, numErr := decimal.NewFromString(strings.TrimSpace(want))
	return func(s *subject) (bool, string, error) {
		got, err := s.field(p.Field)
		if err != nil {
			return false, "", err
		}
		equal := got == want
		if !equal && numErr == nil {
			if d, err := decimal.NewFromString(got); err == nil {
				equal = d.Equal(num)
			}
		}
		return equal != negate, fmt.Sprintf("%s %q %s %q", p.Field, got, p.Operator, want), nil
	}, nil
}

func compileBetween(p domain.Predicate) (matcher, error) {
	lo, err := parseDecimal("min", p.Min)
	if err != nil {
		return nil, err
	}
	hi, err := parseDecimal("max", p.Max)
	if err != nil {
		return nil, err
	}
	if lo.GreaterThan(hi) {
		return nil, fmt.Errorf("min %s exceeds max %s", lo, hi)
	}
	exclusive := p.Operator == domain.OpBetweenExclusive
	return func(s *subject) (bool, string, error) {
		v, err := s.numeric(p.Field)
		if err != nil {
			return false, "", err
		}
		var in bool
		if exclusive {
			in = v.GreaterThan(lo) && v.LessThan(hi)
			return in, fmt.Sprintf("%s %s in (%s, %s)", p.Field, v, lo, hi), nil
		}
		in = v.GreaterThanOrEqual(lo) && v.LessThanOrEqual(hi)
		return in, fmt.Sprintf("%s %s in [%s, %s]", p.Field, v, lo, hi), nil
	}, nil
}

func compileMembership(p domain.Predicate) (matcher, error) {
	if len(p.Values) == 0 {
		return nil, fmt.Errorf("operator %q requires values", p.Operator)
	}
	set := make(map[string]struct{}, len(p.Values))
	for _, v := range p.Values {
		set[v] = struct{}{}
	}
	negate := p.Operator == domain.OpNotIn
	return func(s *subject) (bool, string, error) {
		got, err := s.field(p.Field)
		if err != nil {
			return false, "", err
		}
		_, ok := set[got]
		return ok != negate, fmt.Sprintf("%s %q %s %v", p.Field, got, p.Operator, p.Values), nil
	}, nil
}

func compileFuzzy(p domain.Predicate, defaultThreshold float64) (matcher, error) {
	if len(p.Values) == 0 {
		return nil, fmt.Errorf("operator %q requires values", p.Operator)
	}
	threshold := p.Threshold
	if threshold == 0 {
		threshold = defaultThreshold
	}
	if threshold <= 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold %v out of range (0,1]", threshold)
	}
	candidates := make([]string, 0, len(p.Values))
	for _, v := range p.Values {
		if n := normalizeName(v); n != "" {
			candidates = append(candidates, n)
		}
	}
	return func(s *subject) (bool, string, error) {
		got, err := s.field(p.Field)
		if err != nil {
			return false, "", err
		}
		if strings.TrimSpace(got) == "" {
			return false, "", nil
		}
		best, score := bestMatch(got, candidates)
		return score >= threshold, fmt.Sprintf("%s %q resembles %q (%.2f >= %.2f)", p.Field, got, best, score, threshold), nil
	}, nil
}

// newCELEnv declares the variables available to rule expressions
func newCELEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("tx", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("customer", cel.MapType(cel.StringType, cel.DynType)),
	)
}

func compileCEL(p domain.Predicate, opts compileOptions) (matcher, error) {
	if strings.TrimSpace(p.Expression) == "" {
		return nil, fmt.Errorf("operator cel requires an expression")
	}
	if opts.celEnv == nil {
		return nil, fmt.Errorf("CEL environment unavailable")
	}
	ast, issues := opts.celEnv.Compile(p.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("CEL compile error: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) && !ast.OutputType().IsExactType(cel.DynType) {
		return nil, fmt.Errorf("CEL expression must be boolean, got %s", ast.OutputType())
	}
	progOpts := []cel.ProgramOption{}
	if opts.celCostLimit > 0 {
		progOpts = append(progOpts, cel.CostLimit(opts.celCostLimit))
	}
	prg, err := opts.celEnv.Program(ast, progOpts...)
	if err != nil {
		return nil, fmt.Errorf("CEL program error: %w", err)
	}
	return func(s *subject) (bool, string, error) {
		out, _, err := prg.Eval(s.celInput())
		if err != nil {
			return false, "", fmt.Errorf("CEL eval error: %w", err)
		}
		ok, isBool := out.Value().(bool)
		if !isBool {
			return false, "", fmt.Errorf("CEL result not boolean")
		}
		return ok, p.Expression, nil
	}, nil
}
