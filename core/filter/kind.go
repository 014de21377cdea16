// Package filter validates and coerces untrusted request parameters against
// per-endpoint declarations before they are turned into engine commands.
package filter

import "fmt"

// Kind names the validation rule applied to a parameter.
type Kind int

const (
	Numbers Kind = iota
	SortParam
	SearchParam
	Names
	Paths
	YesNoBoolean
	AlphanumericParam
	Hashes

	kindCount
)

var kindTags = [kindCount]string{
	Numbers:           "numbers",
	SortParam:         "sort_param",
	SearchParam:       "search_param",
	Names:             "names",
	Paths:             "paths",
	YesNoBoolean:      "yes_no_boolean",
	AlphanumericParam: "alphanumeric_param",
	Hashes:            "hashes",
}

func (k Kind) String() string {
	if !k.Valid() {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindTags[k]
}

// Valid reports whether k is one of the declared kinds.
func (k Kind) Valid() bool {
	return k >= 0 && k < kindCount
}

// Scope tells the command builder where a coerced value belongs.
type Scope int

const (
	// ScopeArgument places the value directly under the command arguments.
	ScopeArgument Scope = iota
	// ScopeFilter places the value under arguments.filters.
	ScopeFilter
)

// Field declares one accepted parameter.
type Field struct {
	Name string
	Kind Kind
	// Allowed restricts Names fields to a fixed token set.
	Allowed []string
	Scope   Scope
	// KeepRaw forwards the validated input string instead of the coerced value.
	// Agent ids are zero-padded digit strings and must not become integers.
	KeepRaw bool
}

// Spec is the ordered parameter surface of one endpoint. Validation walks it
// left to right, so the first failing field is deterministic.
type Spec []Field
