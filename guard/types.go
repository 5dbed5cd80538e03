package guard

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrGuardRejected is returned when a request body fails a guard.
	ErrGuardRejected = errors.New("request rejected by guard")

	ErrEndpointNotFound = errors.New("guard not found")
	ErrRuleNotFound     = errors.New("rule not found")
	ErrRuleExists       = errors.New("rule already exists")
	// ErrInvalidRule wraps compile and type-check failures of a rule expression.
	ErrInvalidRule = errors.New("invalid rule")
	// ErrInvalidGuard is returned when an endpoint schema or its rules do not compile.
	ErrInvalidGuard = errors.New("invalid guard")
)

// Rule is a CEL expression that must evaluate to true for a request to pass.
type Rule struct {
	ID         string
	Name       string
	Expression string
	// Message is returned to the client when the rule fails.
	Message   string
	Active    bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Result is the outcome of evaluating one rule.
type Result struct {
	RuleID   string
	RuleName string
	Passed   bool
	Message  string
	Error    error
}

// RejectedError lists the rules a request body failed.
type RejectedError struct {
	Endpoint string
	Failures []Result
}

func (e *RejectedError) Error() string {
	if len(e.Failures) == 0 {
		return fmt.Sprintf("%s: %v", e.Endpoint, ErrGuardRejected)
	}
	return fmt.Sprintf("%s: %v: %s", e.Endpoint, ErrGuardRejected, e.Failures[0].Message)
}

func (e *RejectedError) Unwrap() error {
	return ErrGuardRejected
}

// Messages returns the client-facing message of every failed rule.
func (e *RejectedError) Messages() []string {
	out := make([]string, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f.Message)
	}
	return out
}
