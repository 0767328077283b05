package rules

import (
	"fmt"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/helm-audit/pkg/canonicalize"
)

// Registry holds rules by identifier. Registering an identifier again with
// a higher version replaces the rule; an equal or lower version is
// rejected so a rule set can only move forward.
type Registry struct {
	mu    sync.RWMutex
	rules map[string]Rule
}

func NewRegistry() *Registry {
	return &Registry{rules: make(map[string]Rule)}
}

// Register adds or upgrades a rule.
func (r *Registry) Register(rule Rule) error {
	if rule.ID() == "" {
		return fmt.Errorf("rules: rule has no identifier")
	}
	if rule.Version() == nil {
		return fmt.Errorf("rules: rule %s has no version", rule.ID())
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.rules[rule.ID()]; ok && !rule.Version().GreaterThan(existing.Version()) {
		return fmt.Errorf("rules: %s@%s already registered, got %s", rule.ID(), existing.Version(), rule.Version())
	}
	r.rules[rule.ID()] = rule
	return nil
}

// MustRegister panics on a registration error. For static rule sets.
func (r *Registry) MustRegister(rules ...Rule) *Registry {
	for _, rule := range rules {
		if err := r.Register(rule); err != nil {
			panic(err)
		}
	}
	return r
}

// Lookup returns the rule registered under id.
func (r *Registry) Lookup(id string) (Rule, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rule, ok := r.rules[id]
	return rule, ok
}

// Rules returns the registered rules ordered by identifier.
func (r *Registry) Rules() []Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Rule, 0, len(r.rules))
	for _, rule := range r.rules {
		out = append(out, rule)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Version identifies the exact set of rule versions, so a report can say
// which rules produced it.
func (r *Registry) Version() string {
	rules := r.Rules()
	ids := make([]string, 0, len(rules))
	for _, rule := range rules {
		ids = append(ids, rule.ID()+"@"+rule.Version().String())
	}
	h, err := canonicalize.CanonicalHash(ids)
	if err != nil {
		// a []string always canonicalizes
		panic(err)
	}
	return "rules-" + canonicalize.ShortHash(h, 16)
}
