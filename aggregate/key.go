package aggregate

import "auoms.dev/auomsd/event"

// nonAggregatedFields returns rec's fields, in declaration order, whose
// names are not one of rule's aggregation fields.
func nonAggregatedFields(rec event.Record, rule *Rule) ([]event.Field, error) {
	fields, err := rec.Fields()
	if err != nil {
		return nil, err
	}
	excl := rule.aggregationFieldSet()
	out := make([]event.Field, 0, len(fields))
	for _, f := range fields {
		if !excl[f.Name()] {
			out = append(out, f)
		}
	}
	return out, nil
}

// computeKey builds the aggregation key as the ordered sequence of
// (name, raw value) pairs of the non-aggregated fields, NUL-separated.
// Two events matched by the same rule produce equal keys iff their
// non-aggregated field values are byte-equal in declaration order
// (spec.md §8 property 7); including the field name alongside each
// value only guards against accidental collisions and never changes
// that equivalence, since every candidate for a given rule exposes the
// same field-name sequence.
func computeKey(fields []event.Field) []byte {
	var buf []byte
	for _, f := range fields {
		buf = append(buf, f.Name()...)
		buf = append(buf, 0)
		buf = append(buf, f.Raw()...)
		buf = append(buf, 0)
	}
	return buf
}
