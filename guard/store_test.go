package guard

import (
	"errors"
	"testing"
	"time"
)

func TestInMemoryRuleStore_CRUD(t *testing.T) {
	store := NewInMemoryRuleStore()

	rule := &Rule{ID: "b", Name: "B", Expression: `true`, Active: true}
	if err := store.Add(rule); err != nil {
		t.Fatalf("Add() failed: %v", err)
	}
	if rule.CreatedAt.IsZero() || rule.UpdatedAt.IsZero() {
		t.Error("Add() should set timestamps")
	}
	if err := store.Add(&Rule{ID: "b"}); !errors.Is(err, ErrRuleExists) {
		t.Errorf("Add() duplicate error = %v, want ErrRuleExists", err)
	}

	got, err := store.Get("b")
	if err != nil {
		t.Fatalf("Get() failed: %v", err)
	}
	if got.Name != "B" {
		t.Errorf("Get().Name = %q, want B", got.Name)
	}
	if _, err := store.Get("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Get() unknown error = %v, want ErrRuleNotFound", err)
	}

	got.Name = "changed by caller"
	if again, _ := store.Get("b"); again.Name != "B" {
		t.Error("Get() should return a copy of the stored rule")
	}

	created := rule.CreatedAt
	store.now = func() time.Time { return created.Add(time.Minute) }
	if err := store.Update(&Rule{ID: "b", Name: "B2", Expression: `false`, Active: true}); err != nil {
		t.Fatalf("Update() failed: %v", err)
	}
	got, _ = store.Get("b")
	if !got.CreatedAt.Equal(created) {
		t.Error("Update() should preserve CreatedAt")
	}
	if !got.UpdatedAt.After(created) {
		t.Error("Update() should advance UpdatedAt")
	}
	if err := store.Update(&Rule{ID: "missing"}); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Update() unknown error = %v, want ErrRuleNotFound", err)
	}

	if err := store.Delete("b"); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}
	if err := store.Delete("b"); !errors.Is(err, ErrRuleNotFound) {
		t.Errorf("Delete() unknown error = %v, want ErrRuleNotFound", err)
	}
}

// TestInMemoryRuleStore_ListOrdered verifies every rule is listed sorted by ID and
// that only active ones are evaluated
func TestInMemoryRuleStore_ListOrdered(t *testing.T) {
	store := NewInMemoryRuleStore()
	store.Add(&Rule{ID: "c", Active: true})
	store.Add(&Rule{ID: "a", Active: true})
	store.Add(&Rule{ID: "b", Active: false})

	all, err := store.List()
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if got := ids(all); len(got) != 3 || got[0] != "a" || got[1] != "b" || got[2] != "c" {
		t.Errorf("List() = %v, want [a b c]", got)
	}

	active, err := activeRules(store)
	if err != nil {
		t.Fatalf("activeRules() failed: %v", err)
	}
	if len(active) != 2 || active[0].ID != "a" || active[1].ID != "c" {
		t.Errorf("activeRules() = %v, want [a c]", ids(active))
	}
}

func ids(rules []*Rule) []string {
	out := make([]string, 0, len(rules))
	for _, r := range rules {
		out = append(out, r.ID)
	}
	return out
}
