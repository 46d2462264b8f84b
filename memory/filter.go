package memory

import (
	"encoding/json"
	"slices"
	"strconv"
)

// Op is a metadata comparison operator.
type Op string

const (
	OpEq  Op = "$eq"
	OpNe  Op = "$ne"
	OpIn  Op = "$in"
	OpNin Op = "$nin"
)

// Filter is a metadata predicate. A leaf compares one field; a compound
// filter holds And clauses. The nil *Filter matches everything.
type Filter struct {
	Field string
	Op    Op
	Value any

	And []*Filter
}

// Eq matches records whose field equals value. Against a list field it
// matches when the list contains value.
func Eq(field string, value any) *Filter {
	return &Filter{Field: field, Op: OpEq, Value: value}
}

// Ne negates Eq.
func Ne(field string, value any) *Filter {
	return &Filter{Field: field, Op: OpNe, Value: value}
}

// In matches records whose field is one of values. Against a list field it
// matches when the two lists overlap.
func In(field string, values []string) *Filter {
	return &Filter{Field: field, Op: OpIn, Value: values}
}

// Nin negates In. Records without the field match.
func Nin(field string, values []string) *Filter {
	return &Filter{Field: field, Op: OpNin, Value: values}
}

// And combines clauses. Nil clauses are dropped; no clause yields nil and a
// single clause is returned unwrapped.
func And(clauses ...*Filter) *Filter {
	var kept []*Filter
	for _, c := range clauses {
		if c != nil {
			kept = append(kept, c)
		}
	}
	switch len(kept) {
	case 0:
		return nil
	case 1:
		return kept[0]
	}
	return &Filter{And: kept}
}

// SearchFilter builds the filter applied to every search: optional tag
// scoping plus exclusion of deleted conversations and spaces.
func SearchFilter(tags, deletedConversations, deletedSpaces []string) *Filter {
	var clauses []*Filter
	if len(tags) > 0 {
		clauses = append(clauses, In(KeyTags, tags))
	}
	if len(deletedConversations) > 0 {
		clauses = append(clauses, Nin(KeyConversationID, deletedConversations))
	}
	if len(deletedSpaces) > 0 {
		clauses = append(clauses, Nin(KeySpaceID, deletedSpaces))
	}
	return And(clauses...)
}

// IsCompound reports whether f is an $and of clauses.
func (f *Filter) IsCompound() bool {
	return f != nil && len(f.And) > 0
}

// MarshalJSON renders the hosted index dialect:
// {"field": {"$op": value}} or {"$and": [...]}.
func (f *Filter) MarshalJSON() ([]byte, error) {
	if f == nil {
		return []byte("null"), nil
	}
	if f.IsCompound() {
		return json.Marshal(map[string][]*Filter{"$and": f.And})
	}
	return json.Marshal(map[string]map[Op]any{
		f.Field: {f.Op: f.Value},
	})
}

// Match evaluates f against metadata locally.
func (f *Filter) Match(md Metadata) bool {
	if f == nil {
		return true
	}
	if f.IsCompound() {
		for _, c := range f.And {
			if !c.Match(md) {
				return false
			}
		}
		return true
	}

	field, present := md[f.Field]
	switch f.Op {
	case OpEq:
		return present && contains(field, f.Value)
	case OpNe:
		return !present || !contains(field, f.Value)
	case OpIn:
		return present && overlaps(field, f.Value)
	case OpNin:
		return !present || !overlaps(field, f.Value)
	}
	return false
}

func contains(field, want any) bool {
	w, ok := scalar(want)
	if !ok {
		return false
	}
	return slices.Contains(values(field), w)
}

func overlaps(field, want any) bool {
	have := values(field)
	for _, w := range values(want) {
		if slices.Contains(have, w) {
			return true
		}
	}
	return false
}

// values flattens a scalar or list to comparable strings.
func values(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := scalar(e); ok {
				out = append(out, s)
			}
		}
		return out
	}
	if s, ok := scalar(v); ok {
		return []string{s}
	}
	return nil
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case bool:
		return strconv.FormatBool(t), true
	case float64:
		return strconv.FormatFloat(t, 'g', -1, 64), true
	case float32:
		return strconv.FormatFloat(float64(t), 'g', -1, 32), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}
