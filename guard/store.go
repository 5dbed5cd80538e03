package guard

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// RuleStore holds the rules of one guarded endpoint.
type RuleStore interface {
	Add(rule *Rule) error
	Get(id string) (*Rule, error)
	// List returns every rule, active or not, ordered by ID.
	List() ([]*Rule, error)
	Update(rule *Rule) error
	Delete(id string) error
}

// InMemoryRuleStore keeps rules by value so callers never share the stored copy.
type InMemoryRuleStore struct {
	mu    sync.RWMutex
	rules map[string]Rule
	now   func() time.Time
}

func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		rules: make(map[string]Rule),
		now:   time.Now,
	}
}

// Add stores a new rule and stamps its timestamps.
func (s *InMemoryRuleStore) Add(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[rule.ID]; ok {
		return fmt.Errorf("%w: %s", ErrRuleExists, rule.ID)
	}
	rule.CreatedAt = s.now()
	rule.UpdatedAt = rule.CreatedAt
	s.rules[rule.ID] = *rule
	return nil
}

func (s *InMemoryRuleStore) Get(id string) (*Rule, error) {
	s.mu.RLock()
	stored, ok := s.rules[id]
	s.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return &stored, nil
}

func (s *InMemoryRuleStore) List() ([]*Rule, error) {
	s.mu.RLock()
	out := make([]*Rule, 0, len(s.rules))
	for _, stored := range s.rules {
		r := stored
		out = append(out, &r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Update replaces a stored rule. CreatedAt is carried over from the old copy.
func (s *InMemoryRuleStore) Update(rule *Rule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, ok := s.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = old.CreatedAt
	rule.UpdatedAt = s.now()
	s.rules[rule.ID] = *rule
	return nil
}

func (s *InMemoryRuleStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(s.rules, id)
	return nil
}

// activeRules filters a listing down to the rules that are evaluated.
func activeRules(store RuleStore) ([]*Rule, error) {
	all, err := store.List()
	if err != nil {
		return nil, err
	}
	active := all[:0]
	for _, r := range all {
		if r.Active {
			active = append(active, r)
		}
	}
	return active, nil
}
