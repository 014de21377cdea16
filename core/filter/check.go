package filter

import (
	"fmt"
	"net/url"
)

// ValidationError reports the first parameter that failed its rule.
type ValidationError struct {
	Param    string
	Kind     Kind
	Expected string
	Value    string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("invalid value for parameter %q: expected %s", e.Param, e.Expected)
}

// Params is a read-only view over raw request parameters.
type Params interface {
	Lookup(name string) (string, bool)
}

// Query adapts url.Values. The first value of a repeated key wins.
type Query url.Values

func (q Query) Lookup(name string) (string, bool) {
	vals, ok := q[name]
	if !ok || len(vals) == 0 {
		return "", false
	}
	return vals[0], true
}

// Map adapts a plain map, e.g. route path values.
type Map map[string]string

func (m Map) Lookup(name string) (string, bool) {
	v, ok := m[name]
	return v, ok
}

// Value is a validated, coerced parameter.
type Value struct {
	Field Field
	Raw   string
	Value any
}

// Values preserves the declaration order of the Spec that produced it.
type Values []Value

// Check validates every declared parameter present in raw. It stops at the
// first failure and returns nothing else, so callers never see a partially
// validated set. Keys absent from spec are ignored.
func Check(raw Params, spec Spec) (Values, error) {
	if raw == nil {
		return Values{}, nil
	}
	out := make(Values, 0, len(spec))
	for _, f := range spec {
		val, ok := raw.Lookup(f.Name)
		if !ok {
			continue
		}
		coerced, err := Coerce(f, val)
		if err != nil {
			return nil, err
		}
		out = append(out, Value{Field: f, Raw: val, Value: coerced})
	}
	return out, nil
}
