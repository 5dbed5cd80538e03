package guard

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// costLimit bounds the work a single rule evaluation may do.
const costLimit = 1000000

// Engine compiles and evaluates the rules of one guarded endpoint.
// Safe for concurrent use.
type Engine struct {
	name     string
	env      *cel.Env
	schema   Schema
	store    RuleStore
	cache    rulesCache
	programs map[string]cel.Program
	mu       sync.RWMutex
}

// NewEngine creates an engine for the endpoint and compiles every active rule in store.
func NewEngine(name string, schema Schema, store RuleStore) (*Engine, error) {
	env, err := NewEnv(schema)
	if err != nil {
		return nil, fmt.Errorf("failed to create environment for %s: %w", name, err)
	}

	en := &Engine{
		name:     name,
		env:      env,
		schema:   schema,
		store:    store,
		programs: make(map[string]cel.Program),
	}

	if err := en.CompileAllRules(); err != nil {
		return nil, fmt.Errorf("failed to compile rules: %w", err)
	}
	return en, nil
}

// Name returns the guarded endpoint name.
func (en *Engine) Name() string {
	return en.name
}

// Schema returns the field schema the engine was built with.
func (en *Engine) Schema() Schema {
	return en.schema
}

// CompileRule type-checks an expression against the schema and caches the program.
func (en *Engine) CompileRule(ruleID, expression string) error {
	prog, err := en.compile(expression)
	if err != nil {
		return err
	}
	en.setProgram(ruleID, prog)
	return nil
}

func (en *Engine) compile(expression string) (cel.Program, error) {
	ast, issues := en.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, issues.Err())
	}

	out := ast.OutputType()
	if !out.IsExactType(cel.BoolType) && !out.IsExactType(cel.DynType) {
		return nil, fmt.Errorf("%w: expression must evaluate to bool, got %s", ErrInvalidRule, out)
	}

	prog, err := en.env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return prog, nil
}

func (en *Engine) setProgram(ruleID string, prog cel.Program) {
	en.mu.Lock()
	if prog == nil {
		delete(en.programs, ruleID)
	} else {
		en.programs[ruleID] = prog
	}
	en.mu.Unlock()
}

// CompileAllRules compiles all active rules and primes the rule cache.
func (en *Engine) CompileAllRules() error {
	rules, err := activeRules(en.store)
	if err != nil {
		return err
	}

	for _, rule := range rules {
		if err := en.CompileRule(rule.ID, rule.Expression); err != nil {
			return fmt.Errorf("failed to compile rule %s: %w", rule.ID, err)
		}
	}

	en.cache.set(rules)
	return nil
}

// Rules lists every rule of the endpoint, inactive ones included.
func (en *Engine) Rules() ([]*Rule, error) {
	return en.store.List()
}

func (en *Engine) Rule(id string) (*Rule, error) {
	return en.store.Get(id)
}

// AddRule compiles r and stores it. Nothing changes when the expression does
// not compile.
func (en *Engine) AddRule(r *Rule) error {
	if r.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidRule)
	}
	if _, err := en.store.Get(r.ID); err == nil {
		return fmt.Errorf("%w: %s", ErrRuleExists, r.ID)
	}

	prog, err := en.compile(r.Expression)
	if err != nil {
		return err
	}
	if err := en.store.Add(r); err != nil {
		return err
	}

	en.setProgram(r.ID, prog)
	en.cache.invalidate()
	return nil
}

// UpdateRule recompiles and replaces an existing rule.
func (en *Engine) UpdateRule(r *Rule) error {
	if _, err := en.store.Get(r.ID); err != nil {
		return err
	}

	prog, err := en.compile(r.Expression)
	if err != nil {
		return err
	}
	if err := en.store.Update(r); err != nil {
		return err
	}

	en.setProgram(r.ID, prog)
	en.cache.invalidate()
	return nil
}

// DeleteRule removes a rule and its compiled program.
func (en *Engine) DeleteRule(ruleID string) error {
	if err := en.store.Delete(ruleID); err != nil {
		return err
	}

	en.setProgram(ruleID, nil)
	en.cache.invalidate()
	return nil
}

// EvaluateAll evaluates every active rule against facts. A rule that errors or
// yields anything but true is reported as failed; evaluation continues.
func (en *Engine) EvaluateAll(facts map[string]any) ([]Result, error) {
	rules := en.cache.get()
	if rules == nil {
		var err error
		rules, err = activeRules(en.store)
		if err != nil {
			return nil, err
		}
		en.cache.set(rules)
	}

	results := make([]Result, 0, len(rules))
	for _, rule := range rules {
		results = append(results, en.evaluate(rule, facts))
	}
	return results, nil
}

func (en *Engine) evaluate(rule *Rule, facts map[string]any) Result {
	res := Result{
		RuleID:   rule.ID,
		RuleName: rule.Name,
		Message:  rule.Message,
	}
	if res.Message == "" {
		res.Message = fmt.Sprintf("%s check failed", ruleLabel(rule))
	}

	en.mu.RLock()
	prog, exists := en.programs[rule.ID]
	en.mu.RUnlock()

	if !exists {
		res.Error = fmt.Errorf("rule %s is not compiled", rule.ID)
		return res
	}

	out, _, err := prog.Eval(facts)
	if err != nil {
		res.Error = err
		return res
	}

	if passed, ok := out.Value().(bool); ok {
		res.Passed = passed
	}
	return res
}

// Check decodes a request body and evaluates every active rule. It returns a
// *RejectedError, which wraps ErrGuardRejected, when any rule fails.
func (en *Engine) Check(body []byte) error {
	facts, err := en.schema.Facts(body)
	if err != nil {
		return &RejectedError{
			Endpoint: en.name,
			Failures: []Result{{RuleID: "schema", RuleName: "schema", Message: err.Error(), Error: err}},
		}
	}

	results, err := en.EvaluateAll(facts)
	if err != nil {
		return fmt.Errorf("failed to evaluate guards for %s: %w", en.name, err)
	}

	var failures []Result
	for _, r := range results {
		if !r.Passed {
			failures = append(failures, r)
		}
	}
	if len(failures) > 0 {
		return &RejectedError{Endpoint: en.name, Failures: failures}
	}
	return nil
}

func ruleLabel(r *Rule) string {
	if r.Name != "" {
		return r.Name
	}
	return r.ID
}
