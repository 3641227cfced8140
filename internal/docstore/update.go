package docstore

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/roach88/persistd/internal/queryir"
)

// updateOp is one field assignment of an update document, e.g. the
// {"$inc": {"n": 1}} entry for field "n".
type updateOp struct {
	op    string
	field queryir.Path
	arg   any
}

var updateOperators = map[string]bool{
	"$set": true, "$unset": true, "$inc": true, "$mul": true,
	"$min": true, "$max": true, "$rename": true,
	"$push": true, "$addToSet": true, "$pull": true, "$pop": true,
}

// parseUpdate validates an update document. Replacement documents are not
// supported: every top-level key must be an operator.
func parseUpdate(update Document) ([]updateOp, error) {
	if len(update) == 0 {
		return nil, fmt.Errorf("%w: update document is empty", ErrInvalidUpdate)
	}

	operators := make([]string, 0, len(update))
	for op := range update {
		operators = append(operators, op)
	}
	sort.Strings(operators)

	var ops []updateOp
	seen := map[string]string{}
	for _, op := range operators {
		if !strings.HasPrefix(op, "$") {
			return nil, fmt.Errorf("%w: %q is not an update operator", ErrInvalidUpdate, op)
		}
		if !updateOperators[op] {
			return nil, fmt.Errorf("%w: unknown update operator %q", ErrInvalidUpdate, op)
		}
		fields, ok := update[op].(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %s requires an object", ErrInvalidUpdate, op)
		}

		names := make([]string, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			path, err := queryir.ParsePath(name)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalidUpdate, op, err)
			}
			if prev, dup := seen[name]; dup {
				return nil, fmt.Errorf("%w: field %q updated by both %s and %s", ErrInvalidUpdate, name, prev, op)
			}
			seen[name] = op
			if err := checkOperand(op, fields[name]); err != nil {
				return nil, fmt.Errorf("%w: %s on %q: %v", ErrInvalidUpdate, op, name, err)
			}
			ops = append(ops, updateOp{op: op, field: path, arg: fields[name]})
		}
	}
	return ops, nil
}

func checkOperand(op string, arg any) error {
	switch op {
	case "$inc", "$mul":
		if queryir.KindOf(arg) != queryir.KindNumber {
			return fmt.Errorf("operand must be a number")
		}
	case "$rename":
		target, ok := arg.(string)
		if !ok {
			return fmt.Errorf("operand must be a field name")
		}
		if _, err := queryir.ParsePath(target); err != nil {
			return err
		}
	case "$pop":
		n, err := queryir.NumberParam(arg)
		if err != nil || (n != int64(1) && n != int64(-1)) {
			return fmt.Errorf("operand must be 1 or -1")
		}
	default:
		if queryir.KindOf(arg) == queryir.KindInvalid {
			return fmt.Errorf("unsupported value type %T", arg)
		}
	}
	return nil
}

// applyUpdate returns an updated copy of doc.
func applyUpdate(doc Document, ops []updateOp) (Document, error) {
	out := deepCopy(doc).(map[string]any)
	for _, u := range ops {
		if err := u.apply(out); err != nil {
			return nil, fmt.Errorf("%w: %s on %q: %v", ErrInvalidUpdate, u.op, u.field, err)
		}
	}
	return out, nil
}

func (u updateOp) apply(doc Document) error {
	cur, exists := getPath(doc, u.field)

	switch u.op {
	case "$set":
		return setPath(doc, u.field, deepCopy(u.arg))

	case "$unset":
		unsetPath(doc, u.field)
		return nil

	case "$inc", "$mul":
		if !exists {
			if u.op == "$mul" {
				return setPath(doc, u.field, zeroLike(u.arg))
			}
			return setPath(doc, u.field, u.arg)
		}
		if queryir.KindOf(cur) != queryir.KindNumber {
			return fmt.Errorf("cannot apply to a %s value", queryir.KindOf(cur))
		}
		v, err := arithmetic(u.op, cur, u.arg)
		if err != nil {
			return err
		}
		return setPath(doc, u.field, v)

	case "$min", "$max":
		if !exists {
			return setPath(doc, u.field, deepCopy(u.arg))
		}
		cmp, ok := compareValues(u.arg, cur)
		if !ok {
			return fmt.Errorf("cannot compare %s with %s", queryir.KindOf(u.arg), queryir.KindOf(cur))
		}
		if (u.op == "$min" && cmp < 0) || (u.op == "$max" && cmp > 0) {
			return setPath(doc, u.field, deepCopy(u.arg))
		}
		return nil

	case "$rename":
		if !exists {
			return nil
		}
		target, _ := queryir.ParsePath(u.arg.(string))
		unsetPath(doc, u.field)
		return setPath(doc, target, cur)

	case "$push", "$addToSet":
		items := []any{u.arg}
		if each, ok := eachOperand(u.arg); ok {
			items = each
		}
		var arr []any
		if exists && cur != nil {
			a, ok := cur.([]any)
			if !ok {
				return fmt.Errorf("field is a %s, not an array", queryir.KindOf(cur))
			}
			arr = append(arr, a...)
		}
		for _, item := range items {
			if u.op == "$addToSet" && containsValue(arr, item) {
				continue
			}
			arr = append(arr, deepCopy(item))
		}
		if arr == nil {
			arr = []any{}
		}
		return setPath(doc, u.field, arr)

	case "$pull":
		if !exists {
			return nil
		}
		a, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("field is a %s, not an array", queryir.KindOf(cur))
		}
		kept := make([]any, 0, len(a))
		for _, item := range a {
			if !valuesEqual(item, u.arg) {
				kept = append(kept, item)
			}
		}
		return setPath(doc, u.field, kept)

	case "$pop":
		if !exists {
			return nil
		}
		a, ok := cur.([]any)
		if !ok {
			return fmt.Errorf("field is a %s, not an array", queryir.KindOf(cur))
		}
		if len(a) == 0 {
			return nil
		}
		n, _ := queryir.NumberParam(u.arg)
		if n == int64(1) {
			return setPath(doc, u.field, append([]any{}, a[:len(a)-1]...))
		}
		return setPath(doc, u.field, append([]any{}, a[1:]...))
	}
	return fmt.Errorf("unknown operator")
}

// eachOperand unwraps {"$each": [...]}.
func eachOperand(arg any) ([]any, bool) {
	obj, ok := arg.(map[string]any)
	if !ok || len(obj) != 1 {
		return nil, false
	}
	each, ok := obj["$each"].([]any)
	return each, ok
}

func zeroLike(v any) any {
	n, _ := queryir.NumberParam(v)
	if _, ok := n.(int64); ok {
		return int64(0)
	}
	return float64(0)
}

func arithmetic(op string, a, b any) (any, error) {
	x, err := queryir.NumberParam(a)
	if err != nil {
		return nil, err
	}
	y, err := queryir.NumberParam(b)
	if err != nil {
		return nil, err
	}

	xi, xInt := x.(int64)
	yi, yInt := y.(int64)
	if xInt && yInt {
		switch op {
		case "$inc":
			if (yi > 0 && xi <= math.MaxInt64-yi) || (yi <= 0 && xi >= math.MinInt64-yi) {
				return xi + yi, nil
			}
		case "$mul":
			if xi == 0 || yi == 0 {
				return int64(0), nil
			}
			if p := xi * yi; p/yi == xi {
				return p, nil
			}
		}
	}

	xf, yf := toFloat(x), toFloat(y)
	if op == "$inc" {
		return xf + yf, nil
	}
	return xf * yf, nil
}

func toFloat(n any) float64 {
	switch v := n.(type) {
	case int64:
		return float64(v)
	case float64:
		return v
	}
	return 0
}

// compareValues orders two numbers or two strings. ok is false for any
// other combination.
func compareValues(a, b any) (int, bool) {
	ka, kb := queryir.KindOf(a), queryir.KindOf(b)
	if ka != kb {
		return 0, false
	}
	switch ka {
	case queryir.KindNumber:
		x, err1 := queryir.NumberParam(a)
		y, err2 := queryir.NumberParam(b)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		xf, yf := toFloat(x), toFloat(y)
		switch {
		case xf < yf:
			return -1, true
		case xf > yf:
			return 1, true
		}
		return 0, true
	case queryir.KindString:
		return strings.Compare(a.(string), b.(string)), true
	}
	return 0, false
}

// valuesEqual compares values structurally via their canonical encoding;
// numbers compare by value.
func valuesEqual(a, b any) bool {
	if queryir.KindOf(a) == queryir.KindNumber && queryir.KindOf(b) == queryir.KindNumber {
		cmp, ok := compareValues(a, b)
		return ok && cmp == 0
	}
	x, err1 := queryir.MarshalValue(a)
	y, err2 := queryir.MarshalValue(b)
	return err1 == nil && err2 == nil && x == y
}

func containsValue(arr []any, v any) bool {
	for _, item := range arr {
		if valuesEqual(item, v) {
			return true
		}
	}
	return false
}

// checkIDUnchanged rejects updates that alter _id.
func checkIDUnchanged(before, after Document) error {
	if !valuesEqual(before["_id"], after["_id"]) {
		return fmt.Errorf("%w: cannot modify _id", ErrInvalidUpdate)
	}
	return nil
}

// upsertDocument seeds a new document from the filter's equality
// conditions and applies the update to it.
func upsertDocument(pred queryir.Predicate, ops []updateOp) (Document, error) {
	seed := Document{}
	for _, eq := range queryir.Equalities(pred) {
		if err := setPath(seed, eq.Field, deepCopy(eq.Value)); err != nil {
			return nil, fmt.Errorf("%w: upsert: %v", ErrInvalidUpdate, err)
		}
	}
	return applyUpdate(seed, ops)
}
