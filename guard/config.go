package guard

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Guarded endpoint names.
const (
	EndpointWithdraw   = "withdraw"
	EndpointLoanCreate = "loan-create"
	EndpointAddBalance = "add-balance"
)

//go:embed defaults.yaml
var defaultGuards []byte

// Config is the guard file layout. The admin API accepts the same shape as JSON.
type Config struct {
	Endpoints map[string]EndpointConfig `yaml:"endpoints" json:"endpoints"`
}

// EndpointConfig declares the fields and rules of one guarded endpoint.
type EndpointConfig struct {
	Fields Schema       `yaml:"fields" json:"fields"`
	Rules  []RuleConfig `yaml:"rules" json:"rules"`
}

// RuleConfig is a rule as written in the guard file. Rules are active unless
// active is explicitly false.
type RuleConfig struct {
	ID         string `yaml:"id" json:"id"`
	Name       string `yaml:"name" json:"name"`
	Expression string `yaml:"expression" json:"expression"`
	Message    string `yaml:"message" json:"message"`
	Active     *bool  `yaml:"active" json:"active,omitempty"`
}

// ParseConfig decodes and validates a YAML guard file.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse guard config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks names and rule ids. Expressions are checked when compiled.
func (c *Config) Validate() error {
	for name, ep := range c.Endpoints {
		if name == "" {
			return fmt.Errorf("%w: endpoint name cannot be empty", ErrInvalidGuard)
		}
		if err := ep.Validate(); err != nil {
			return fmt.Errorf("endpoint %s: %w", name, err)
		}
	}
	return nil
}

// Validate checks that every rule has a unique id and an expression.
func (ec EndpointConfig) Validate() error {
	seen := make(map[string]bool, len(ec.Rules))
	for i, r := range ec.Rules {
		if r.ID == "" {
			return fmt.Errorf("%w: rule %d has no id", ErrInvalidGuard, i)
		}
		if r.Expression == "" {
			return fmt.Errorf("%w: rule %s has no expression", ErrInvalidGuard, r.ID)
		}
		if seen[r.ID] {
			return fmt.Errorf("%w: duplicate rule id %s", ErrInvalidGuard, r.ID)
		}
		seen[r.ID] = true
	}
	return nil
}

// LoadConfig reads and parses a guard file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read guard config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// DefaultConfig returns the built-in guards.
func DefaultConfig() *Config {
	cfg, err := ParseConfig(defaultGuards)
	if err != nil {
		panic(fmt.Sprintf("invalid built-in guard config: %v", err))
	}
	return cfg
}

// ToRules converts the endpoint's rule entries to Rules.
func (ec EndpointConfig) ToRules() []*Rule {
	rules := make([]*Rule, 0, len(ec.Rules))
	for _, rc := range ec.Rules {
		active := true
		if rc.Active != nil {
			active = *rc.Active
		}
		rules = append(rules, &Rule{
			ID:         rc.ID,
			Name:       rc.Name,
			Expression: rc.Expression,
			Message:    rc.Message,
			Active:     active,
		})
	}
	return rules
}
