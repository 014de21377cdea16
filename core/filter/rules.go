package filter

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Order is a sort direction.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// SortField is one element of a normalized sort order.
type SortField struct {
	Field string `json:"field"`
	Order Order  `json:"order"`
}

// Search is a normalized free-text search.
type Search struct {
	Value  string `json:"value"`
	Negate bool   `json:"negation"`
}

type rule struct {
	expected func(Field) string
	coerce   func(Field, string) (any, bool)
}

var (
	digitsRe     = regexp.MustCompile(`^[0-9]+$`)
	identifierRe = regexp.MustCompile(`^[A-Za-z0-9_.]+$`)
	nameTokenRe  = regexp.MustCompile(`^[\w.%-]+$`)
)

// rules is indexed by Kind. TestEveryKindHasRule guards additions to Kind.
var rules = [kindCount]rule{
	Numbers: {
		expected: fixed("a non-negative integer"),
		coerce:   coerceNumber,
	},
	SortParam: {
		expected: fixed("[+|-]field[,[+|-]field...]"),
		coerce:   coerceSort,
	},
	SearchParam: {
		expected: fixed("free text, optionally prefixed with '-' to negate"),
		coerce:   coerceSearch,
	},
	Names: {
		expected: expectedName,
		coerce:   coerceName,
	},
	Paths: {
		expected: fixed("a valid UTF-8 file path without control characters"),
		coerce:   coercePath,
	},
	YesNoBoolean: {
		expected: fixed("yes or no"),
		coerce:   coerceYesNo,
	},
	AlphanumericParam: {
		expected: fixed("comma-separated field names"),
		coerce:   coerceFieldList,
	},
	Hashes: {
		expected: fixed("an MD5, SHA1 or SHA256 hex digest"),
		coerce:   coerceHash,
	},
}

func fixed(s string) func(Field) string {
	return func(Field) string { return s }
}

// Coerce applies the rule for f.Kind to raw. It never panics; malformed input
// and undeclared kinds both yield a *ValidationError.
func Coerce(f Field, raw string) (any, error) {
	if !f.Kind.Valid() || rules[f.Kind].coerce == nil {
		return nil, &ValidationError{Param: f.Name, Kind: f.Kind, Expected: "a supported parameter type", Value: raw}
	}
	r := rules[f.Kind]
	val, ok := r.coerce(f, raw)
	if !ok {
		return nil, &ValidationError{Param: f.Name, Kind: f.Kind, Expected: r.expected(f), Value: raw}
	}
	if f.KeepRaw {
		return raw, nil
	}
	return val, nil
}

func coerceNumber(_ Field, raw string) (any, bool) {
	if !digitsRe.MatchString(raw) {
		return nil, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, false
	}
	return n, true
}

func coerceSort(_ Field, raw string) (any, bool) {
	if raw == "" {
		return nil, false
	}
	tokens := strings.Split(raw, ",")
	out := make([]SortField, 0, len(tokens))
	for _, tok := range tokens {
		order := Asc
		switch {
		case strings.HasPrefix(tok, "-"):
			order = Desc
			tok = tok[1:]
		case strings.HasPrefix(tok, "+"), strings.HasPrefix(tok, " "):
			// a literal '+' arrives as a space after query decoding
			tok = tok[1:]
		}
		if !identifierRe.MatchString(tok) {
			return nil, false
		}
		out = append(out, SortField{Field: tok, Order: order})
	}
	return out, true
}

func coerceSearch(_ Field, raw string) (any, bool) {
	if strings.HasPrefix(raw, "-") {
		return Search{Value: raw[1:], Negate: true}, true
	}
	return Search{Value: raw}, true
}

func expectedName(f Field) string {
	if len(f.Allowed) == 0 {
		return "a name token"
	}
	return "one of " + strings.Join(f.Allowed, ", ")
}

func coerceName(f Field, raw string) (any, bool) {
	if len(f.Allowed) == 0 {
		return raw, nameTokenRe.MatchString(raw)
	}
	for _, allowed := range f.Allowed {
		if raw == allowed {
			return raw, true
		}
	}
	return nil, false
}

func coercePath(_ Field, raw string) (any, bool) {
	if raw == "" || !utf8.ValidString(raw) {
		return nil, false
	}
	for _, r := range raw {
		if unicode.IsControl(r) {
			return nil, false
		}
	}
	return raw, true
}

func coerceYesNo(_ Field, raw string) (any, bool) {
	switch raw {
	case "yes":
		return true, true
	case "no":
		return false, true
	default:
		return nil, false
	}
}

func coerceFieldList(_ Field, raw string) (any, bool) {
	parts := strings.Split(raw, ",")
	seen := make(map[string]struct{}, len(parts))
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if !identifierRe.MatchString(part) {
			return nil, false
		}
		if _, dup := seen[part]; dup {
			continue
		}
		seen[part] = struct{}{}
		out = append(out, part)
	}
	return out, true
}

func coerceHash(_ Field, raw string) (any, bool) {
	switch len(raw) {
	case 32, 40, 64:
	default:
		return nil, false
	}
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		isHex := (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
		if !isHex {
			return nil, false
		}
	}
	return strings.ToLower(raw), true
}
