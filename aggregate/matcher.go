package aggregate

import "auoms.dev/auomsd/event"

// Matcher is a compiled, immutable view over a rule set. Unlike the
// bitmask-per-field join spec.md §4.4.1 describes, this walks the rule
// list directly per candidate event; with realistic rule-set sizes
// (tens, not thousands) the linear scan is simpler to get right and
// carries the same observable contract: the lowest-indexed fully
// matching rule wins. See DESIGN.md.
type Matcher struct {
	rules []Rule
}

// Compile validates every rule's bounds and freezes the rule set.
func Compile(rules []Rule) (*Matcher, error) {
	for i := range rules {
		if err := rules[i].Validate(); err != nil {
			return nil, err
		}
	}
	cp := make([]Rule, len(rules))
	copy(cp, rules)
	return &Matcher{rules: cp}, nil
}

// Match returns the lowest-indexed rule whose MatchRule is satisfied by
// r's fields, or -1 if none matches. Predicates prefer a field's
// interpreted value, falling back to raw, per spec.md §4.4.1.
func (m *Matcher) Match(r event.Record) (int, error) {
	fields, err := r.Fields()
	if err != nil {
		return -1, err
	}
	byName := make(map[string]event.Field, len(fields))
	for _, f := range fields {
		if _, exists := byName[f.Name()]; !exists {
			byName[f.Name()] = f
		}
	}
	for i := range m.rules {
		rule := &m.rules[i]
		if !rule.Match.recordTypeAllowed(r.TypeName()) {
			continue
		}
		if matchPredicates(rule.Match.Predicates, byName) {
			return i, nil
		}
	}
	return -1, nil
}

func matchPredicates(preds []FieldPredicate, byName map[string]event.Field) bool {
	for _, p := range preds {
		value := ""
		if f, ok := byName[p.Field]; ok {
			value = f.InterpOrRaw()
		}
		if !p.matches(value) {
			return false
		}
	}
	return true
}
