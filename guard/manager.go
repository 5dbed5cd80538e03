// Package guard rejects malformed request bodies before they are forwarded.
//
// Each guarded endpoint has a field schema (field name to CEL type) and a set of
// CEL rules. A request body passes when every active rule evaluates to true.
package guard

import (
	"fmt"
	"sort"
	"sync"
)

// Manager holds one Engine per guarded endpoint.
type Manager struct {
	engines map[string]*Engine
	mu      sync.RWMutex
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{
		engines: make(map[string]*Engine),
	}
}

// NewManagerFromConfig builds an engine for every endpoint in cfg.
func NewManagerFromConfig(cfg *Config) (*Manager, error) {
	m := NewManager()
	if err := m.Load(cfg); err != nil {
		return nil, err
	}
	return m, nil
}

// Load replaces every guard with the endpoints of cfg. When any endpoint fails
// to compile the current guards stay untouched.
func (m *Manager) Load(cfg *Config) error {
	engines := make(map[string]*Engine)
	if cfg != nil {
		for name, ep := range cfg.Endpoints {
			en, err := buildEngine(name, ep.Fields, ep.ToRules())
			if err != nil {
				return fmt.Errorf("failed to initialize guard %s: %w", name, err)
			}
			engines[name] = en
		}
	}

	m.mu.Lock()
	m.engines = engines
	m.mu.Unlock()
	return nil
}

// SetEndpoint compiles a new engine for the endpoint and swaps it in. The
// previous engine keeps serving until the new one compiles.
func (m *Manager) SetEndpoint(name string, schema Schema, rules []*Rule) error {
	if name == "" {
		return fmt.Errorf("%w: endpoint name is required", ErrInvalidGuard)
	}
	engine, err := buildEngine(name, schema, rules)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.engines[name] = engine
	m.mu.Unlock()
	return nil
}

func buildEngine(name string, schema Schema, rules []*Rule) (*Engine, error) {
	store := NewInMemoryRuleStore()
	for _, r := range rules {
		if err := store.Add(r); err != nil {
			return nil, err
		}
	}

	engine, err := NewEngine(name, schema, store)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGuard, err)
	}
	return engine, nil
}

// Engine returns the engine for an endpoint.
func (m *Manager) Engine(name string) (*Engine, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	en, exists := m.engines[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrEndpointNotFound, name)
	}
	return en, nil
}

// Check evaluates the endpoint's guard against body. Endpoints without a guard,
// and a nil Manager, accept every body.
func (m *Manager) Check(name string, body []byte) error {
	if m == nil {
		return nil
	}

	m.mu.RLock()
	en, exists := m.engines[name]
	m.mu.RUnlock()
	if !exists {
		return nil
	}
	return en.Check(body)
}

// Endpoints returns the guarded endpoint names, sorted.
func (m *Manager) Endpoints() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.engines))
	for name := range m.engines {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RemoveEndpoint drops the guard of an endpoint.
func (m *Manager) RemoveEndpoint(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.engines[name]; !exists {
		return fmt.Errorf("%w: %s", ErrEndpointNotFound, name)
	}
	delete(m.engines, name)
	return nil
}
