package guard

import "sync"

// rulesCache holds the active rule list between mutations so evaluation does
// not hit the store on every request.
type rulesCache struct {
	rules []*Rule
	valid bool
	mu    sync.RWMutex
}

// get returns a copy of the cached rules, or nil on a miss.
func (c *rulesCache) get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.valid {
		return nil
	}
	out := make([]*Rule, len(c.rules))
	copy(out, c.rules)
	return out
}

func (c *rulesCache) set(rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = make([]*Rule, len(rules))
	copy(c.rules, rules)
	c.valid = true
}

func (c *rulesCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.rules = nil
	c.valid = false
}
