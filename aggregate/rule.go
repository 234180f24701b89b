// Package aggregate groups matching single-record events sharing all
// non-aggregated field values into a bounded summary event. Grounded on
// spec.md §4.4; no pack repo implements rule-driven event aggregation,
// so the state machine and persistence format are new domain logic, but
// the persistence framing (fixed-width integers and u32-length-prefixed
// byte blobs, each value written out on its own) follows the same
// explicit put/get helper discipline as the event package's own binary
// format, and the save/load pairing follows
// `node/store/manifest.go`'s atomic-write convention.
package aggregate

import (
	"encoding/json"
	"fmt"
	"regexp"
	"time"
)

// PredicateOp is a field-predicate comparison operator.
type PredicateOp int

const (
	OpEq PredicateOp = iota
	OpNotEq
	OpIn
	OpNotIn
	OpRegex
	OpNotRegex
)

// FieldPredicate is one ANDed clause of a MatchRule.
type FieldPredicate struct {
	Field  string
	Op     PredicateOp
	Values []string // for Eq/NotEq, Values[0]; for In/NotIn, the full set
	Regex  *regexp.Regexp
}

type predicateJSON struct {
	Field   string      `json:"field"`
	Op      PredicateOp `json:"op"`
	Values  []string    `json:"values,omitempty"`
	Pattern string      `json:"pattern,omitempty"`
}

// MarshalJSON stores the compiled regex as its source pattern, since
// *regexp.Regexp has no stable JSON representation of its own.
func (p FieldPredicate) MarshalJSON() ([]byte, error) {
	pj := predicateJSON{Field: p.Field, Op: p.Op, Values: p.Values}
	if p.Regex != nil {
		pj.Pattern = p.Regex.String()
	}
	return json.Marshal(pj)
}

func (p *FieldPredicate) UnmarshalJSON(data []byte) error {
	var pj predicateJSON
	if err := json.Unmarshal(data, &pj); err != nil {
		return err
	}
	p.Field, p.Op, p.Values = pj.Field, pj.Op, pj.Values
	if pj.Pattern != "" {
		re, err := regexp.Compile(pj.Pattern)
		if err != nil {
			return fmt.Errorf("aggregate: bad predicate pattern %q: %w", pj.Pattern, err)
		}
		p.Regex = re
	}
	return nil
}

func (p FieldPredicate) matches(value string) bool {
	switch p.Op {
	case OpEq:
		return len(p.Values) > 0 && value == p.Values[0]
	case OpNotEq:
		return len(p.Values) == 0 || value != p.Values[0]
	case OpIn:
		for _, v := range p.Values {
			if v == value {
				return true
			}
		}
		return false
	case OpNotIn:
		for _, v := range p.Values {
			if v == value {
				return false
			}
		}
		return true
	case OpRegex:
		return p.Regex != nil && p.Regex.MatchString(value)
	case OpNotRegex:
		return p.Regex == nil || !p.Regex.MatchString(value)
	}
	return false
}

// MatchRule selects which events a Rule applies to: the record type
// must be in RecordTypes (empty means "any"), and every predicate must
// hold (ANDed).
type MatchRule struct {
	RecordTypes []string
	Predicates  []FieldPredicate
}

func (m MatchRule) recordTypeAllowed(t string) bool {
	if len(m.RecordTypes) == 0 {
		return true
	}
	for _, rt := range m.RecordTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// FieldMode controls how one aggregation field's values are rendered in
// the output array.
type FieldMode int

const (
	// ModeRaw and ModeNormal are the same rendering (the field's raw
	// value); ModeNormal exists because the data model in spec.md §3
	// lists NORMAL alongside RAW/INTERP/DYNAMIC/DROP, but §4.4.5's
	// worked semantics only define RAW's behavior — they are treated as
	// aliases here.
	ModeRaw FieldMode = iota
	ModeNormal
	ModeInterp
	ModeDynamic
	ModeDrop
)

// TimeMode controls how event_times/serials are rendered.
type TimeMode int

const (
	TimeNormal TimeMode = iota
	TimeDelta
	TimeDrop
)

// AggregationField is one field this rule folds into an output array.
type AggregationField struct {
	Name       string
	Mode       FieldMode
	OutputName string
}

// Bounds per spec.md §3.
const (
	MinMaxPending = 1
	MaxMaxPending = 10240
	MinMaxCount   = 2
	MaxMaxCount   = 128 * 1024
	MinMaxSize    = 128
	MaxMaxSize    = 128 * 1024
	MinMaxTime    = 1 * time.Second
	MaxMaxTime    = 3600 * time.Second
)

// Rule is one configured aggregation rule.
type Rule struct {
	Match             MatchRule
	AggregationFields []AggregationField
	TimeFieldMode     TimeMode
	SerialFieldMode   TimeMode
	MaxPending        int
	MaxCount          int
	MaxSize           int
	MaxTime           time.Duration
	SendFirst         bool
}

// Validate clamps a Rule's bounds into the ranges spec.md §3 defines,
// rather than rejecting an out-of-range rule: the spec describes these
// limits as "clamped bounds", so a rule requesting e.g. max_pending=0 or
// max_time=2h is silently brought within range instead of failing to
// load.
func (r *Rule) Validate() error {
	r.MaxPending = clampInt(r.MaxPending, MinMaxPending, MaxMaxPending)
	r.MaxCount = clampInt(r.MaxCount, MinMaxCount, MaxMaxCount)
	r.MaxSize = clampInt(r.MaxSize, MinMaxSize, MaxMaxSize)
	r.MaxTime = clampDuration(r.MaxTime, MinMaxTime, MaxMaxTime)
	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func clampDuration(v, lo, hi time.Duration) time.Duration {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// aggregationFieldSet returns the set of this rule's aggregation field
// names (the fields excluded from the aggregation key).
func (r *Rule) aggregationFieldSet() map[string]bool {
	set := make(map[string]bool, len(r.AggregationFields))
	for _, f := range r.AggregationFields {
		set[f.Name] = true
	}
	return set
}

type ruleJSON struct {
	Match             MatchRule          `json:"match"`
	AggregationFields []AggregationField `json:"aggregation_fields"`
	TimeFieldMode     TimeMode           `json:"time_field_mode"`
	SerialFieldMode   TimeMode           `json:"serial_field_mode"`
	MaxPending        int                `json:"max_pending"`
	MaxCount          int                `json:"max_count"`
	MaxSize           int                `json:"max_size"`
	MaxTimeSeconds    float64            `json:"max_time_seconds"`
	SendFirst         bool               `json:"send_first"`
}

// MarshalJSON is used both for the persistence file and for the
// rule-identity comparison SetRules performs after a load: two rules
// are "the same rule" iff their JSON encodings are byte-identical.
func (r Rule) MarshalJSON() ([]byte, error) {
	return json.Marshal(ruleJSON{
		Match:             r.Match,
		AggregationFields: r.AggregationFields,
		TimeFieldMode:     r.TimeFieldMode,
		SerialFieldMode:   r.SerialFieldMode,
		MaxPending:        r.MaxPending,
		MaxCount:          r.MaxCount,
		MaxSize:           r.MaxSize,
		MaxTimeSeconds:    r.MaxTime.Seconds(),
		SendFirst:         r.SendFirst,
	})
}

func (r *Rule) UnmarshalJSON(data []byte) error {
	var rj ruleJSON
	if err := json.Unmarshal(data, &rj); err != nil {
		return err
	}
	r.Match = rj.Match
	r.AggregationFields = rj.AggregationFields
	r.TimeFieldMode = rj.TimeFieldMode
	r.SerialFieldMode = rj.SerialFieldMode
	r.MaxPending = rj.MaxPending
	r.MaxCount = rj.MaxCount
	r.MaxSize = rj.MaxSize
	r.MaxTime = time.Duration(rj.MaxTimeSeconds * float64(time.Second))
	r.SendFirst = rj.SendFirst
	return nil
}
