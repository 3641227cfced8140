package harness

import (
	"encoding/json"
	"fmt"
	"math/big"
	"reflect"
	"sort"
	"strings"
)

// AssertionError is returned when a step does not match its expectation.
type AssertionError struct {
	Step     int    // 1-based step number
	Command  string // command the step ran
	Field    string // "status", "kind" or a data path such as "data.items[0]"
	Expected string
	Actual   string
}

func (e *AssertionError) Error() string {
	var buf strings.Builder
	fmt.Fprintf(&buf, "step %d (%s): %s mismatch\n", e.Step, e.Command, e.Field)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s", e.Actual)
	return buf.String()
}

// matchData checks expected as a subset of actual. Both must be
// normalized. It returns the path of the first mismatch and the values
// found there.
func matchData(path string, expected, actual any) (string, any, any, bool) {
	switch exp := expected.(type) {
	case map[string]any:
		act, ok := actual.(map[string]any)
		if !ok {
			return path, expected, actual, false
		}
		for _, k := range sortedKeys(exp) {
			av, present := act[k]
			if !present {
				return path + "." + k, exp[k], "<missing>", false
			}
			if p, e, a, ok := matchData(path+"."+k, exp[k], av); !ok {
				return p, e, a, false
			}
		}
		return "", nil, nil, true

	case []any:
		act, ok := actual.([]any)
		if !ok || len(act) != len(exp) {
			return path, expected, actual, false
		}
		for i := range exp {
			if p, e, a, ok := matchData(fmt.Sprintf("%s[%d]", path, i), exp[i], act[i]); !ok {
				return p, e, a, false
			}
		}
		return "", nil, nil, true

	case json.Number:
		act, ok := actual.(json.Number)
		if !ok || !numbersEqual(exp, act) {
			return path, expected, actual, false
		}
		return "", nil, nil, true
	}

	if !reflect.DeepEqual(expected, actual) {
		return path, expected, actual, false
	}
	return "", nil, nil, true
}

// numbersEqual compares numerically, so 1 matches 1.0.
func numbersEqual(a, b json.Number) bool {
	x, ok := new(big.Float).SetString(a.String())
	if !ok {
		return a == b
	}
	y, ok := new(big.Float).SetString(b.String())
	if !ok {
		return false
	}
	return x.Cmp(y) == 0
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// render formats a value for failure messages.
func render(v any) string {
	if s, ok := v.(string); ok && s == "<missing>" {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}
