// Package command assembles the normalized operation objects sent to the
// control engine.
package command

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/cordum/fimgate/core/filter"
)

const (
	// FiltersKey holds engine-side sub-filters inside the arguments.
	FiltersKey = "filters"
	// BroadcastKey marks a mutation addressed to every agent.
	BroadcastKey = "all_agents"
)

// Command is the object written to the engine channel.
type Command struct {
	Function  string         `json:"function"`
	Arguments map[string]any `json:"arguments"`
}

// Key returns a stable digest of the command, suitable as a cache key.
// Map ordering does not affect it.
func (c Command) Key() (string, error) {
	// encoding/json writes map keys in sorted order.
	encoded, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode command: %w", err)
	}
	sum := sha256.Sum256(encoded)
	return hex.EncodeToString(sum[:]), nil
}

// Builder accumulates arguments for one request. It is not safe for
// concurrent use and must not be reused after Build.
type Builder struct {
	function string
	args     map[string]any
	filters  map[string]any
}

// New starts a command for the given endpoint identifier.
func New(function string) *Builder {
	return &Builder{
		function: function,
		args:     map[string]any{},
		filters:  map[string]any{},
	}
}

// Apply copies coerced query values into the arguments, or into
// arguments.filters for filter-scoped fields. A false yes/no flag is left out
// so the engine applies its default.
func (b *Builder) Apply(values filter.Values) *Builder {
	for _, v := range values {
		if v.Field.Kind == filter.YesNoBoolean {
			if on, ok := v.Value.(bool); ok && !on {
				continue
			}
		}
		if v.Field.Scope == filter.ScopeFilter {
			b.filters[v.Field.Name] = v.Value
			continue
		}
		b.args[v.Field.Name] = v.Value
	}
	return b
}

// WithPath merges path values. It must run after Apply: path values win on
// key collision.
func (b *Builder) WithPath(values filter.Values) *Builder {
	for _, v := range values {
		b.args[v.Field.Name] = v.Value
	}
	return b
}

// Set stores a single argument.
func (b *Builder) Set(key string, value any) *Builder {
	b.args[key] = value
	return b
}

// Broadcast marks the command as addressed to all agents.
func (b *Builder) Broadcast() *Builder {
	return b.Set(BroadcastKey, 1)
}

// Build returns the finished command. The result shares no maps with the
// builder.
func (b *Builder) Build() Command {
	args := make(map[string]any, len(b.args)+1)
	for k, v := range b.args {
		args[k] = cloneValue(v)
	}
	filters := make(map[string]any, len(b.filters))
	for k, v := range b.filters {
		filters[k] = cloneValue(v)
	}
	args[FiltersKey] = filters
	return Command{Function: b.function, Arguments: args}
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case []string:
		return append([]string(nil), t...)
	case []filter.SortField:
		return append([]filter.SortField(nil), t...)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
