package hierarchy

import (
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// Rule declares that removing a Parent row cascades to the Child rows found
// through an equality lookup against the child table (or one of its indexes).
//
// The lookup value is derived purely from the parent's pre-deletion image, so
// a cascade never depends on data that is already gone from the store.
type Rule struct {
	// Parent is the entity type whose removal triggers this rule.
	Parent EntityType

	// Child is the entity type discovered and deleted by this rule.
	Child EntityType

	// Index is the GSI/LSI queried on the child table. Empty means the base
	// table key schema.
	Index string

	// HashAttr is the key attribute of the lookup index. The query issued for
	// this rule is always an equality condition on this attribute, never a
	// table scan.
	HashAttr string

	// Match derives the lookup value from the parent's old image.
	// Returning ok=false marks the triggering record as malformed.
	Match func(old map[string]types.AttributeValue) (string, bool)
}

// MatchString returns a matcher that reads a single string attribute from the
// old image.
func MatchString(attr string) func(map[string]types.AttributeValue) (string, bool) {
	return func(old map[string]types.AttributeValue) (string, bool) {
		return StringAttr(old, attr)
	}
}

// MatchJoined returns a matcher that joins several string attributes with a
// separator, e.g. Client + ":" + Portfolio.
func MatchJoined(sep string, attrs ...string) func(map[string]types.AttributeValue) (string, bool) {
	return func(old map[string]types.AttributeValue) (string, bool) {
		parts := make([]string, 0, len(attrs))
		for _, attr := range attrs {
			v, ok := StringAttr(old, attr)
			if !ok {
				return "", false
			}
			parts = append(parts, v)
		}
		return strings.Join(parts, sep), true
	}
}

// Registry holds the cascade rules for a deployment's entity hierarchy.
// Register all rules at startup; the registry is read-only afterwards and
// needs no synchronization.
type Registry struct {
	rules    []Rule
	byParent map[EntityType][]Rule
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		byParent: make(map[EntityType][]Rule),
	}
}

// Register adds a rule. Rules for the same parent run in registration order.
func (r *Registry) Register(rule Rule) {
	r.rules = append(r.rules, rule)
	r.byParent[rule.Parent] = append(r.byParent[rule.Parent], rule)
}

// RulesFor returns the rules triggered by removing the given entity type,
// in registration order. Terminal types return nil.
func (r *Registry) RulesFor(t EntityType) []Rule {
	return r.byParent[t]
}

// HasChildren reports whether the entity type has any registered dependents.
func (r *Registry) HasChildren(t EntityType) bool {
	return len(r.byParent[t]) > 0
}

// All returns every registered rule in registration order.
func (r *Registry) All() []Rule {
	return r.rules
}

// Validate checks the registry against a schema at startup. It rejects rules
// referencing unbound entity types, rules without a matcher or lookup
// attribute, and multi-type cycles (a→b→a).
//
// Self-referential rules (parent == child) are permitted: they express a tree
// keyed within one table and terminate through the data itself, with the
// executor's depth bound as the backstop.
func (r *Registry) Validate(s *Schema) error {
	for _, rule := range r.rules {
		if _, ok := s.Binding(rule.Parent); !ok {
			return fmt.Errorf("rule %s->%s: parent type %q has no table binding", rule.Parent, rule.Child, rule.Parent)
		}
		if _, ok := s.Binding(rule.Child); !ok {
			return fmt.Errorf("rule %s->%s: child type %q has no table binding", rule.Parent, rule.Child, rule.Child)
		}
		if rule.Match == nil {
			return fmt.Errorf("rule %s->%s: nil matcher", rule.Parent, rule.Child)
		}
		if rule.HashAttr == "" {
			return fmt.Errorf("rule %s->%s: empty lookup attribute", rule.Parent, rule.Child)
		}
	}

	for parent := range r.byParent {
		if err := r.walk(parent, parent, 0); err != nil {
			return err
		}
	}

	return nil
}

// walk depth-first searches the type graph for a path back to origin.
func (r *Registry) walk(origin, from EntityType, depth int) error {
	if depth > len(r.rules) {
		return nil
	}
	for _, rule := range r.byParent[from] {
		if rule.Child == rule.Parent {
			continue
		}
		if rule.Child == origin {
			return fmt.Errorf("cascade rules form a cycle through %q", origin)
		}
		if err := r.walk(origin, rule.Child, depth+1); err != nil {
			return err
		}
	}
	return nil
}
