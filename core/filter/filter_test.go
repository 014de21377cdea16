package filter

import (
	"errors"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEveryKindHasRule(t *testing.T) {
	for k := Kind(0); k < kindCount; k++ {
		assert.NotNil(t, rules[k].coerce, "kind %s has no coerce func", k)
		assert.NotNil(t, rules[k].expected, "kind %s has no expected func", k)
		assert.NotEmpty(t, kindTags[k], "kind %d has no tag", k)
	}
}

func TestCoerce(t *testing.T) {
	typeField := Field{Name: "type", Kind: Names, Allowed: []string{"file", "registry"}}
	tests := []struct {
		name  string
		field Field
		raw   string
		want  any
		fails bool
	}{
		{"number", Field{Name: "limit", Kind: Numbers}, "25", int64(25), false},
		{"number zero", Field{Name: "offset", Kind: Numbers}, "0", int64(0), false},
		{"negative number", Field{Name: "limit", Kind: Numbers}, "-5", nil, true},
		{"number with letters", Field{Name: "limit", Kind: Numbers}, "12a", nil, true},
		{"number overflow", Field{Name: "limit", Kind: Numbers}, "99999999999999999999", nil, true},
		{"empty number", Field{Name: "limit", Kind: Numbers}, "", nil, true},
		{"raw agent id", Field{Name: "agent_id", Kind: Numbers, KeepRaw: true}, "001", "001", false},
		{"sort", Field{Name: "sort", Kind: SortParam}, "+name,-date", []SortField{{"name", Asc}, {"date", Desc}}, false},
		{"sort decoded plus", Field{Name: "sort", Kind: SortParam}, " name", []SortField{{"name", Asc}}, false},
		{"sort unsigned", Field{Name: "sort", Kind: SortParam}, "file", []SortField{{"file", Asc}}, false},
		{"sort bogus", Field{Name: "sort", Kind: SortParam}, "bogus!!", nil, true},
		{"sort empty token", Field{Name: "sort", Kind: SortParam}, "name,,date", nil, true},
		{"search", Field{Name: "search", Kind: SearchParam}, "passwd", Search{Value: "passwd"}, false},
		{"negated search", Field{Name: "search", Kind: SearchParam}, "-passwd", Search{Value: "passwd", Negate: true}, false},
		{"allowed name", typeField, "registry", "registry", false},
		{"disallowed name", typeField, "socket", nil, true},
		{"free name", Field{Name: "status", Kind: Names}, "active", "active", false},
		{"free name bad", Field{Name: "status", Kind: Names}, "a b", nil, true},
		{"path", Field{Name: "file", Kind: Paths}, "/etc/passwd", "/etc/passwd", false},
		{"windows path", Field{Name: "file", Kind: Paths}, `C:\Windows\System32`, `C:\Windows\System32`, false},
		{"path with newline", Field{Name: "file", Kind: Paths}, "/etc/\npasswd", nil, true},
		{"empty path", Field{Name: "file", Kind: Paths}, "", nil, true},
		{"yes", Field{Name: "summary", Kind: YesNoBoolean}, "yes", true, false},
		{"no", Field{Name: "summary", Kind: YesNoBoolean}, "no", false, false},
		{"maybe", Field{Name: "summary", Kind: YesNoBoolean}, "true", nil, true},
		{"select", Field{Name: "select", Kind: AlphanumericParam}, "file,size,file", []string{"file", "size"}, false},
		{"select nested", Field{Name: "select", Kind: AlphanumericParam}, "attributes.perm", []string{"attributes.perm"}, false},
		{"select bad", Field{Name: "select", Kind: AlphanumericParam}, "file;rm", nil, true},
		{"md5", Field{Name: "md5", Kind: Hashes}, "D41D8CD98F00B204E9800998ECF8427E", "d41d8cd98f00b204e9800998ecf8427e", false},
		{"sha1", Field{Name: "sha1", Kind: Hashes}, strings.Repeat("A", 40), strings.Repeat("a", 40), false},
		{"sha256", Field{Name: "sha256", Kind: Hashes}, strings.Repeat("f", 64), strings.Repeat("f", 64), false},
		{"short hash", Field{Name: "hash", Kind: Hashes}, "abc123", nil, true},
		{"non hex hash", Field{Name: "hash", Kind: Hashes}, strings.Repeat("g", 32), nil, true},
		{"unknown kind", Field{Name: "x", Kind: Kind(99)}, "1", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Coerce(tt.field, tt.raw)
			if tt.fails {
				var verr *ValidationError
				require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
				assert.Equal(t, tt.field.Name, verr.Param)
				assert.NotEmpty(t, verr.Expected)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHashNormalizationIgnoresInputCase(t *testing.T) {
	f := Field{Name: "hash", Kind: Hashes}
	lower, err := Coerce(f, "abcdef0123456789abcdef0123456789")
	require.NoError(t, err)
	upper, err := Coerce(f, "ABCDEF0123456789ABCDEF0123456789")
	require.NoError(t, err)
	mixed, err := Coerce(f, "AbCdEf0123456789aBcDeF0123456789")
	require.NoError(t, err)
	assert.Equal(t, lower, upper)
	assert.Equal(t, lower, mixed)
}

func TestCheckReportsFirstFailureInSpecOrder(t *testing.T) {
	spec := Spec{
		{Name: "offset", Kind: Numbers},
		{Name: "limit", Kind: Numbers},
		{Name: "md5", Kind: Hashes, Scope: ScopeFilter},
	}
	raw := url.Values{"md5": {"nope"}, "limit": {"-5"}, "offset": {"1"}}

	for i := 0; i < 20; i++ {
		_, err := Check(Query(raw), spec)
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "limit", verr.Param)
	}
}

func TestCheckIgnoresUnknownKeys(t *testing.T) {
	spec := Spec{{Name: "limit", Kind: Numbers}}
	vals, err := Check(Query(url.Values{"limti": {"abc"}, "pretty": {""}}), spec)
	require.NoError(t, err)
	assert.Empty(t, vals)
}

func TestCheckAcceptsWhenAllPresentKeysPass(t *testing.T) {
	spec := Spec{
		{Name: "limit", Kind: Numbers},
		{Name: "sort", Kind: SortParam},
		{Name: "file", Kind: Paths, Scope: ScopeFilter},
	}
	vals, err := Check(Map{"sort": "-date", "file": "/etc/hosts"}, spec)
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, "sort", vals[0].Field.Name)
	assert.Equal(t, "file", vals[1].Field.Name)
	assert.Equal(t, []SortField{{Field: "date", Order: Desc}}, vals[0].Value)
}

func TestQueryUsesFirstRepeatedValue(t *testing.T) {
	v, ok := Query(url.Values{"limit": {"1", "2"}}).Lookup("limit")
	assert.True(t, ok)
	assert.Equal(t, "1", v)
}

func TestPathRejectsInvalidUTF8(t *testing.T) {
	_, err := Coerce(Field{Name: "file", Kind: Paths}, "\xff\xfe")
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "file", verr.Param)
	assert.Contains(t, verr.Expected, "valid UTF-8")
}

func TestValidationErrorMessage(t *testing.T) {
	_, err := Coerce(Field{Name: "type", Kind: Names, Allowed: []string{"file", "registry"}}, "x")
	require.Error(t, err)
	assert.Equal(t, `invalid value for parameter "type": expected one of file, registry`, err.Error())
}
