package queryir

import (
	"fmt"
	"sort"
	"strings"
)

// Parse converts a MongoDB-style filter object into a Predicate.
//
// A nil or empty filter yields an empty And, which matches every document.
// Parse is a pure function with no side effects.
func Parse(filter map[string]any) (Predicate, error) {
	preds, err := parseObject(filter)
	if err != nil {
		return nil, err
	}
	return conjunction(preds), nil
}

func conjunction(preds []Predicate) Predicate {
	if len(preds) == 1 {
		return preds[0]
	}
	return And{Predicates: preds}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func parseObject(filter map[string]any) ([]Predicate, error) {
	var preds []Predicate
	for _, key := range sortedKeys(filter) {
		value := filter[key]
		switch key {
		case "$and", "$or", "$nor":
			children, err := parseClauses(key, value)
			if err != nil {
				return nil, err
			}
			switch key {
			case "$and":
				preds = append(preds, And{Predicates: children})
			case "$or":
				preds = append(preds, Or{Predicates: children})
			default:
				preds = append(preds, Not{Predicate: Or{Predicates: children}})
			}
			continue
		}
		if strings.HasPrefix(key, "$") {
			return nil, fmt.Errorf("unknown top-level operator %q", key)
		}
		path, err := ParsePath(key)
		if err != nil {
			return nil, err
		}
		fieldPreds, err := parseField(path, value)
		if err != nil {
			return nil, err
		}
		preds = append(preds, fieldPreds...)
	}
	return preds, nil
}

// parseClauses parses the array operand of $and/$or/$nor.
func parseClauses(op string, value any) ([]Predicate, error) {
	items, ok := value.([]any)
	if !ok || len(items) == 0 {
		return nil, fmt.Errorf("%s requires a non-empty array of filters", op)
	}
	children := make([]Predicate, 0, len(items))
	for i, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d]: expected a filter object, got %s", op, i, KindOf(item))
		}
		child, err := Parse(obj)
		if err != nil {
			return nil, fmt.Errorf("%s[%d]: %w", op, i, err)
		}
		children = append(children, child)
	}
	return children, nil
}

// isOperatorDocument reports whether an object is a set of $-operators.
// Mixing operators and plain keys is an error.
func isOperatorDocument(obj map[string]any) (bool, error) {
	if len(obj) == 0 {
		return false, nil
	}
	operators := 0
	for k := range obj {
		if strings.HasPrefix(k, "$") {
			operators++
		}
	}
	switch operators {
	case 0:
		return false, nil
	case len(obj):
		return true, nil
	default:
		return false, fmt.Errorf("cannot mix operators and field names in one object")
	}
}

func parseField(path Path, value any) ([]Predicate, error) {
	if KindOf(value) == KindInvalid {
		return nil, fmt.Errorf("field %q: unsupported value type %T", path, value)
	}
	obj, ok := value.(map[string]any)
	if !ok {
		return []Predicate{Compare{Field: path, Op: OpEq, Value: value}}, nil
	}
	isOps, err := isOperatorDocument(obj)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", path, err)
	}
	if !isOps {
		return []Predicate{Compare{Field: path, Op: OpEq, Value: value}}, nil
	}
	return parseOperators(path, obj)
}

func parseOperators(path Path, ops map[string]any) ([]Predicate, error) {
	var preds []Predicate
	_, hasRegex := ops["$regex"]
	for _, op := range sortedKeys(ops) {
		operand := ops[op]
		switch Op(op) {
		case OpEq, OpNe:
			if KindOf(operand) == KindInvalid {
				return nil, fmt.Errorf("field %q: %s: unsupported value type %T", path, op, operand)
			}
			preds = append(preds, Compare{Field: path, Op: Op(op), Value: operand})
			continue
		case OpGt, OpGte, OpLt, OpLte:
			if k := KindOf(operand); k != KindNumber && k != KindString {
				return nil, fmt.Errorf("field %q: %s requires a number or string, got %s", path, op, k)
			}
			preds = append(preds, Compare{Field: path, Op: Op(op), Value: operand})
			continue
		}

		switch op {
		case "$in", "$nin":
			values, ok := operand.([]any)
			if !ok {
				return nil, fmt.Errorf("field %q: %s requires an array", path, op)
			}
			for i, v := range values {
				if KindOf(v) == KindInvalid {
					return nil, fmt.Errorf("field %q: %s[%d]: unsupported value type %T", path, op, i, v)
				}
			}
			preds = append(preds, In{Field: path, Values: values, Negate: op == "$nin"})
		case "$exists":
			want, ok := operand.(bool)
			if !ok {
				return nil, fmt.Errorf("field %q: $exists requires a boolean", path)
			}
			preds = append(preds, Exists{Field: path, Want: want})
		case "$regex":
			pattern, ok := operand.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: $regex requires a string", path)
			}
			flags, err := regexFlags(ops["$options"])
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", path, err)
			}
			if flags != "" {
				pattern = "(?" + flags + ")" + pattern
			}
			preds = append(preds, Regex{Field: path, Pattern: pattern})
		case "$options":
			if !hasRegex {
				return nil, fmt.Errorf("field %q: $options without $regex", path)
			}
		case "$not":
			inner, ok := operand.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("field %q: $not requires an operator document", path)
			}
			if isOps, err := isOperatorDocument(inner); err != nil || !isOps {
				return nil, fmt.Errorf("field %q: $not requires an operator document", path)
			}
			negated, err := parseOperators(path, inner)
			if err != nil {
				return nil, err
			}
			preds = append(preds, Not{Predicate: conjunction(negated)})
		default:
			return nil, fmt.Errorf("field %q: unknown operator %q", path, op)
		}
	}
	return preds, nil
}

// regexFlags maps $options letters onto Go inline regexp flags.
func regexFlags(options any) (string, error) {
	if options == nil {
		return "", nil
	}
	s, ok := options.(string)
	if !ok {
		return "", fmt.Errorf("$options must be a string")
	}
	var flags strings.Builder
	for _, r := range s {
		switch r {
		case 'i', 'm', 's':
			if !strings.ContainsRune(flags.String(), r) {
				flags.WriteRune(r)
			}
		default:
			return "", fmt.Errorf("unsupported $options flag %q", r)
		}
	}
	return flags.String(), nil
}

// Equalities returns the literal equality conditions that every matching
// document must satisfy: top-level Compare{$eq} predicates, including those
// nested in And. Upserts use them to seed the inserted document.
func Equalities(p Predicate) []Compare {
	var out []Compare
	var walk func(Predicate)
	walk = func(p Predicate) {
		switch pred := p.(type) {
		case Compare:
			if pred.Op == OpEq {
				out = append(out, pred)
			}
		case And:
			for _, child := range pred.Predicates {
				walk(child)
			}
		case In:
			if !pred.Negate && len(pred.Values) == 1 {
				out = append(out, Compare{Field: pred.Field, Op: OpEq, Value: pred.Values[0]})
			}
		}
	}
	walk(p)
	return out
}
