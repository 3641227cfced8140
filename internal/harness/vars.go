package harness

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

const scratchVar = "SCRATCH"

var (
	validVarName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	varRef       = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*(?:\.[A-Za-z0-9_-]+)*)\}`)
)

// Vars holds the values visible to ${...} references.
type Vars map[string]any

// lookup resolves a dotted reference such as "fh.id".
func (v Vars) lookup(ref string) (any, error) {
	parts := strings.Split(ref, ".")
	value, ok := v[parts[0]]
	if !ok {
		return nil, fmt.Errorf("undefined variable ${%s}", ref)
	}
	for _, field := range parts[1:] {
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("${%s}: %T has no field %q", ref, value, field)
		}
		if value, ok = obj[field]; !ok {
			return nil, fmt.Errorf("${%s}: no field %q", ref, field)
		}
	}
	return value, nil
}

// Expand replaces references throughout v, which must be a decoded
// YAML/JSON value.
func (v Vars) Expand(value any) (any, error) {
	switch value := value.(type) {
	case string:
		return v.expandString(value)
	case map[string]any:
		out := make(map[string]any, len(value))
		for k, e := range value {
			expanded, err := v.Expand(e)
			if err != nil {
				return nil, err
			}
			out[k] = expanded
		}
		return out, nil
	case []any:
		out := make([]any, len(value))
		for i, e := range value {
			expanded, err := v.Expand(e)
			if err != nil {
				return nil, err
			}
			out[i] = expanded
		}
		return out, nil
	}
	return value, nil
}

func (v Vars) expandString(s string) (any, error) {
	if m := varRef.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		return v.lookup(s[m[2]:m[3]])
	}

	var firstErr error
	out := varRef.ReplaceAllStringFunc(s, func(ref string) string {
		value, err := v.lookup(ref[2 : len(ref)-1])
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		if str, ok := value.(string); ok {
			return str
		}
		data, err := json.Marshal(value)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ref
		}
		return string(data)
	})
	if firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

// normalize converts v into the generic form JSON decoding produces, with
// numbers as json.Number.
func normalize(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
