package aggregate

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"
)

// The types below mirror spec.md §6's external "Aggregation rule JSON"
// wire schema — the format a human (or the external config loader)
// writes to config.Config.AggregationRulesPath. This is deliberately
// distinct from Rule's own MarshalJSON/UnmarshalJSON (rule.go), which is
// the internal persistence encoding used by Save/Load (§4.4.8): that one
// round-trips PredicateOp/FieldMode as Go-native ints for byte-identical
// rule-identity comparison after a load, not for human authoring.

type configFieldRule struct {
	Name   string   `json:"name"`
	Op     string   `json:"op"`
	Value  string   `json:"value,omitempty"`
	Values []string `json:"values,omitempty"`
}

type configMatchRule struct {
	RecordTypes []string          `json:"record_types"`
	FieldRules  []configFieldRule `json:"field_rules"`
}

type configAggregationField struct {
	Mode       string `json:"mode"`
	OutputName string `json:"output_name"`
}

type configRule struct {
	MatchRule         configMatchRule                   `json:"match_rule"`
	AggregationFields map[string]configAggregationField `json:"aggregation_fields"`
	TimeFieldMode     string                             `json:"time_field_mode"`
	SerialFieldMode   string                             `json:"serial_field_mode"`
	MaxPending        int                                `json:"max_pending"`
	MaxCount          int                                `json:"max_count"`
	MaxSize           int                                `json:"max_size"`
	MaxTime           float64                            `json:"max_time"`
	SendFirst         bool                               `json:"send_first"`
}

// LoadRulesFromFile reads the aggregation rule set from path (a JSON
// array of rule objects in spec.md §6's schema) and compiles it into
// []Rule, ready for aggregate.New or Aggregator.SetRules.
func LoadRulesFromFile(path string) ([]Rule, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("aggregate: read rules %s: %w", path, err)
	}
	return ParseRulesJSON(b)
}

// ParseRulesJSON parses a JSON array of rule objects in spec.md §6's
// external schema.
func ParseRulesJSON(data []byte) ([]Rule, error) {
	var raw []configRule
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("aggregate: parse rules: %w", err)
	}
	rules := make([]Rule, 0, len(raw))
	for i, cr := range raw {
		r, err := cr.toRule()
		if err != nil {
			return nil, fmt.Errorf("aggregate: rule %d: %w", i, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

func (cr configRule) toRule() (Rule, error) {
	preds := make([]FieldPredicate, 0, len(cr.MatchRule.FieldRules))
	for _, fr := range cr.MatchRule.FieldRules {
		p, err := fr.toPredicate()
		if err != nil {
			return Rule{}, err
		}
		preds = append(preds, p)
	}

	// Deterministic order: aggregation_fields is a JSON object (map), so
	// sort by field name to give every load of the same file the same
	// output field order (§4.4.6 requires a stable order).
	names := make([]string, 0, len(cr.AggregationFields))
	for name := range cr.AggregationFields {
		names = append(names, name)
	}
	sort.Strings(names)

	aggFields := make([]AggregationField, 0, len(names))
	for _, name := range names {
		af := cr.AggregationFields[name]
		mode, err := parseFieldMode(af.Mode)
		if err != nil {
			return Rule{}, fmt.Errorf("field %q: %w", name, err)
		}
		outputName := af.OutputName
		if outputName == "" {
			outputName = name
		}
		aggFields = append(aggFields, AggregationField{Name: name, Mode: mode, OutputName: outputName})
	}

	timeMode, err := parseTimeMode(cr.TimeFieldMode)
	if err != nil {
		return Rule{}, fmt.Errorf("time_field_mode: %w", err)
	}
	serialMode, err := parseTimeMode(cr.SerialFieldMode)
	if err != nil {
		return Rule{}, fmt.Errorf("serial_field_mode: %w", err)
	}

	r := Rule{
		Match: MatchRule{
			RecordTypes: cr.MatchRule.RecordTypes,
			Predicates:  preds,
		},
		AggregationFields: aggFields,
		TimeFieldMode:     timeMode,
		SerialFieldMode:   serialMode,
		MaxPending:        cr.MaxPending,
		MaxCount:          cr.MaxCount,
		MaxSize:           cr.MaxSize,
		MaxTime:           time.Duration(cr.MaxTime * float64(time.Second)),
		SendFirst:         cr.SendFirst,
	}
	if err := r.Validate(); err != nil {
		return Rule{}, err
	}
	return r, nil
}

func (fr configFieldRule) toPredicate() (FieldPredicate, error) {
	p := FieldPredicate{Field: fr.Name}
	values := fr.Values
	if len(values) == 0 && fr.Value != "" {
		values = []string{fr.Value}
	}
	p.Values = values

	switch fr.Op {
	case "eq":
		p.Op = OpEq
	case "!eq":
		p.Op = OpNotEq
	case "in":
		p.Op = OpIn
	case "!in":
		p.Op = OpNotIn
	case "re", "!re":
		if fr.Op == "re" {
			p.Op = OpRegex
		} else {
			p.Op = OpNotRegex
		}
		if len(values) == 0 {
			return FieldPredicate{}, fmt.Errorf("field %q: %s op requires a value", fr.Name, fr.Op)
		}
		re, err := regexp.Compile(values[0])
		if err != nil {
			return FieldPredicate{}, fmt.Errorf("field %q: bad regex %q: %w", fr.Name, values[0], err)
		}
		p.Regex = re
	default:
		return FieldPredicate{}, fmt.Errorf("field %q: unknown op %q", fr.Name, fr.Op)
	}
	return p, nil
}

func parseFieldMode(s string) (FieldMode, error) {
	switch s {
	case "raw", "":
		return ModeRaw, nil
	case "interp":
		return ModeInterp, nil
	case "dynamic":
		return ModeDynamic, nil
	case "drop":
		return ModeDrop, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}

func parseTimeMode(s string) (TimeMode, error) {
	switch s {
	case "full", "":
		return TimeNormal, nil
	case "delta":
		return TimeDelta, nil
	case "drop":
		return TimeDrop, nil
	default:
		return 0, fmt.Errorf("unknown mode %q", s)
	}
}
