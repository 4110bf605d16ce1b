// Package patch edits a pup's configuration before it is submitted: dotted
// set/unset keys on top of the current values, coerced to the field types
// the manifest declares.
package patch

import (
	"sort"
	"strconv"
	"strings"

	"github.com/go-go-golems/pupdash/pkg/protocol"
	"github.com/pkg/errors"
)

type Config = map[string]any

type Patch struct {
	Set   map[string]any `json:"set,omitempty"`
	Unset []string       `json:"unset,omitempty"`
}

// Apply returns a copy of current with p applied. Unsets run before sets.
func Apply(current Config, p Patch) (Config, error) {
	cfg := clone(current)
	for _, key := range p.Unset {
		if err := unsetDotted(cfg, key); err != nil {
			return nil, err
		}
	}
	keys := make([]string, 0, len(p.Set))
	for k := range p.Set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if err := setDotted(cfg, key, p.Set[key]); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

// Coerce converts string values of top level fields to the type their
// manifest field declares and rejects fields the manifest does not know.
// A manifest without config sections accepts anything.
func Coerce(schema protocol.ConfigSchema, cfg Config) (Config, error) {
	fields := fieldsOf(schema)
	if len(fields) == 0 {
		return cfg, nil
	}
	out := Config{}
	for name, v := range cfg {
		f, ok := fields[name]
		if !ok {
			return nil, errors.Errorf("unknown config field %q", name)
		}
		s, isString := v.(string)
		if !isString {
			out[name] = v
			continue
		}
		switch f.Type {
		case "number", "int", "integer":
			n, err := strconv.ParseFloat(s, 64)
			if err != nil {
				return nil, errors.Wrapf(err, "field %q wants a number", name)
			}
			out[name] = n
		case "toggle", "checkbox", "bool", "boolean":
			b, err := strconv.ParseBool(s)
			if err != nil {
				return nil, errors.Wrapf(err, "field %q wants true or false", name)
			}
			out[name] = b
		default:
			out[name] = s
		}
	}
	return out, nil
}

// Missing lists required fields with no value, sorted.
func Missing(schema protocol.ConfigSchema, cfg Config) []string {
	var out []string
	for name, f := range fieldsOf(schema) {
		if !f.Required {
			continue
		}
		v, ok := cfg[name]
		if !ok || v == nil || v == "" {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func fieldsOf(schema protocol.ConfigSchema) map[string]protocol.ConfigField {
	out := map[string]protocol.ConfigField{}
	for _, sec := range schema.Sections {
		for _, f := range sec.Fields {
			out[f.Name] = f
		}
	}
	return out
}

func clone(cfg Config) Config {
	out := make(Config, len(cfg))
	for k, v := range cfg {
		if m, ok := v.(map[string]any); ok {
			out[k] = clone(m)
			continue
		}
		out[k] = v
	}
	return out
}

func setDotted(cfg Config, dotted string, value any) error {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return errors.Errorf("empty dotted key")
	}

	current := cfg
	for i := 0; i < len(parts)-1; i++ {
		part := parts[i]
		next, ok := current[part]
		if !ok {
			child := map[string]any{}
			current[part] = child
			current = child
			continue
		}
		asMap, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("cannot set %q: %q is not an object", dotted, part)
		}
		current = asMap
	}

	current[parts[len(parts)-1]] = value
	return nil
}

func unsetDotted(cfg Config, dotted string) error {
	parts := splitDotted(dotted)
	if len(parts) == 0 {
		return errors.Errorf("empty dotted key")
	}

	current := cfg
	for i := 0; i < len(parts)-1; i++ {
		next, ok := current[parts[i]]
		if !ok {
			return nil
		}
		asMap, ok := next.(map[string]any)
		if !ok {
			return errors.Errorf("cannot unset %q: %q is not an object", dotted, parts[i])
		}
		current = asMap
	}
	delete(current, parts[len(parts)-1])
	return nil
}

func splitDotted(dotted string) []string {
	raw := strings.Split(dotted, ".")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
