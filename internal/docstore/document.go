package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/roach88/persistd/internal/queryir"
)

// Document is a decoded JSON object. Numbers decoded by this package are
// json.Number so integers survive a round trip unchanged.
type Document = map[string]any

// DecodeDocument parses a JSON object, keeping numbers as json.Number.
func DecodeDocument(data []byte) (Document, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return nil, err
	}
	if doc == nil {
		return nil, fmt.Errorf("%w: expected an object", ErrInvalidDocument)
	}
	return doc, nil
}

// Key is one field of an index or sort specification.
type Key struct {
	Field     string
	Direction int // 1 ascending, -1 descending
}

// Keys is an ordered index/sort specification. Its JSON form is an object
// such as {"age": -1, "name": 1}; UnmarshalJSON preserves the key order of
// the input, which a Go map cannot.
type Keys []Key

// UnmarshalJSON decodes an ordered key object.
func (k *Keys) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if tok == nil {
		*k = nil
		return nil
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("keys must be an object")
	}

	var keys Keys
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		field := tok.(string)

		var raw any
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		dir, err := parseDirection(raw)
		if err != nil {
			return fmt.Errorf("key %q: %w", field, err)
		}
		keys = append(keys, Key{Field: field, Direction: dir})
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	*k = keys
	return nil
}

func parseDirection(v any) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("direction must be 1 or -1")
	}
	f, err := n.Float64()
	if err != nil {
		return 0, err
	}
	switch f {
	case 1:
		return 1, nil
	case -1:
		return -1, nil
	default:
		return 0, fmt.Errorf("direction must be 1 or -1, got %s", n)
	}
}

// MarshalJSON encodes the keys as an ordered object.
func (k Keys) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, key := range k {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(key.Field)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.WriteString(strconv.Itoa(key.Direction))
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// sortKeys validates the keys and converts them for the SQL compiler.
func (k Keys) sortKeys() ([]queryir.SortKey, error) {
	out := make([]queryir.SortKey, 0, len(k))
	for _, key := range k {
		path, err := queryir.ParsePath(key.Field)
		if err != nil {
			return nil, err
		}
		if key.Direction != 1 && key.Direction != -1 {
			return nil, fmt.Errorf("key %q: direction must be 1 or -1", key.Field)
		}
		out = append(out, queryir.SortKey{Field: path, Descending: key.Direction < 0})
	}
	return out, nil
}

// DefaultIndexName builds the conventional name of an index over the keys,
// e.g. "age_-1_name_1".
func (k Keys) DefaultIndexName() string {
	parts := make([]string, 0, 2*len(k))
	for _, key := range k {
		parts = append(parts, key.Field, strconv.Itoa(key.Direction))
	}
	return strings.Join(parts, "_")
}

func getPath(doc Document, path queryir.Path) (any, bool) {
	var cur any = doc
	for _, seg := range path {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func setPath(doc Document, path queryir.Path, value any) error {
	obj := doc
	for i, seg := range path[:len(path)-1] {
		next, ok := obj[seg]
		if !ok || next == nil {
			child := map[string]any{}
			obj[seg] = child
			obj = child
			continue
		}
		child, ok := next.(map[string]any)
		if !ok {
			return fmt.Errorf("cannot create field %q: %q is not an object", path.String(), queryir.Path(path[:i+1]).String())
		}
		obj = child
	}
	obj[path[len(path)-1]] = value
	return nil
}

func unsetPath(doc Document, path queryir.Path) bool {
	obj := doc
	for _, seg := range path[:len(path)-1] {
		child, ok := obj[seg].(map[string]any)
		if !ok {
			return false
		}
		obj = child
	}
	last := path[len(path)-1]
	if _, ok := obj[last]; !ok {
		return false
	}
	delete(obj, last)
	return true
}

// deepCopy copies maps and slices so updates never alias caller data.
func deepCopy(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = deepCopy(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = deepCopy(val)
		}
		return out
	default:
		return v
	}
}

// idKey returns the canonical text stored in the id column for an _id value.
func idKey(id any) (string, error) {
	switch queryir.KindOf(id) {
	case queryir.KindArray:
		return "", fmt.Errorf("%w: _id cannot be an array", ErrInvalidDocument)
	case queryir.KindInvalid:
		return "", fmt.Errorf("%w: unsupported _id type %T", ErrInvalidDocument, id)
	}
	return queryir.MarshalValue(id)
}
