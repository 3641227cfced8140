// Package querysql compiles document filters (package queryir) into
// parameterized SQLite SQL over JSON documents.
//
// Every collection is a table with three columns: the implicit rowid
// (insertion order), id (canonical JSON of the document's _id) and doc (the
// document as JSON text). Fields are read with json_extract/json_type using
// literal JSON paths; values are always bound as parameters.
package querysql

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/roach88/persistd/internal/queryir"
)

// SQLCompiler compiles filter predicates to parameterized SQL for SQLite.
//
// CRITICAL: every SELECT includes an ORDER BY ending in rowid so results are
// deterministic (natural order is insertion order).
// CRITICAL: values are parameterized, never interpolated. Only field paths,
// which ParsePath has already restricted, are embedded as SQL literals.
type SQLCompiler struct{}

// NewSQLCompiler creates a new SQLCompiler.
func NewSQLCompiler() *SQLCompiler {
	return &SQLCompiler{}
}

// FindOptions bounds and orders a Find query. Negative Skip/Limit mean unset.
type FindOptions struct {
	Sort  []queryir.SortKey
	Skip  int64
	Limit int64
}

// QuoteIdent quotes a table or index name.
func QuoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

// JSONPath renders a field path as a quoted SQL string literal holding a
// SQLite JSON path, e.g. '$."address"."city"'.
func JSONPath(path queryir.Path) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range path {
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	return "'" + strings.ReplaceAll(b.String(), "'", "''") + "'"
}

func extract(path queryir.Path) string {
	return "json_extract(doc, " + JSONPath(path) + ")"
}

func jsonType(path queryir.Path) string {
	return "json_type(doc, " + JSONPath(path) + ")"
}

// Where compiles a predicate into a WHERE clause fragment.
// A nil predicate matches every row.
func (c *SQLCompiler) Where(p queryir.Predicate) (string, []any, error) {
	return c.compilePredicate(p)
}

// Find compiles a query returning the doc column of matching rows.
func (c *SQLCompiler) Find(table string, p queryir.Predicate, opts FindOptions) (string, []any, error) {
	where, params, err := c.compilePredicate(p)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}

	sql := fmt.Sprintf("SELECT doc FROM %s WHERE %s ORDER BY %s",
		QuoteIdent(table), where, c.OrderBy(opts.Sort))

	switch {
	case opts.Limit >= 0:
		sql += " LIMIT ?"
		params = append(params, opts.Limit)
	case opts.Skip > 0:
		// SQLite only accepts OFFSET after a LIMIT clause.
		sql += " LIMIT -1"
	}
	if opts.Skip > 0 {
		sql += " OFFSET ?"
		params = append(params, opts.Skip)
	}
	return sql, params, nil
}

// Count compiles a query counting matching rows.
func (c *SQLCompiler) Count(table string, p queryir.Predicate) (string, []any, error) {
	where, params, err := c.compilePredicate(p)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	return fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", QuoteIdent(table), where), params, nil
}

// Matching compiles a query returning rowid and doc of the rows an update
// should visit. With one set at most the first row in natural order is
// returned.
func (c *SQLCompiler) Matching(table string, p queryir.Predicate, one bool) (string, []any, error) {
	where, params, err := c.compilePredicate(p)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	sql := fmt.Sprintf("SELECT rowid, doc FROM %s WHERE %s ORDER BY rowid ASC", QuoteIdent(table), where)
	if one {
		sql += " LIMIT 1"
	}
	return sql, params, nil
}

// Delete compiles a DELETE statement. With one set the statement removes at
// most the first matching row in natural order.
func (c *SQLCompiler) Delete(table string, p queryir.Predicate, one bool) (string, []any, error) {
	where, params, err := c.compilePredicate(p)
	if err != nil {
		return "", nil, fmt.Errorf("compile filter: %w", err)
	}
	t := QuoteIdent(table)
	if one {
		return fmt.Sprintf("DELETE FROM %s WHERE rowid IN (SELECT rowid FROM %s WHERE %s ORDER BY rowid ASC LIMIT 1)",
			t, t, where), params, nil
	}
	return fmt.Sprintf("DELETE FROM %s WHERE %s", t, where), params, nil
}

// OrderBy renders sort keys followed by the rowid tiebreaker.
func (c *SQLCompiler) OrderBy(keys []queryir.SortKey) string {
	parts := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		parts = append(parts, extract(k.Field)+direction(k.Descending))
	}
	parts = append(parts, "rowid ASC")
	return strings.Join(parts, ", ")
}

// IndexColumns renders the expression list of an index over the given keys.
func (c *SQLCompiler) IndexColumns(keys []queryir.SortKey) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, extract(k.Field)+direction(k.Descending))
	}
	return strings.Join(parts, ", ")
}

func direction(desc bool) string {
	if desc {
		return " DESC"
	}
	return " ASC"
}

// compilePredicate compiles a queryir.Predicate to a WHERE clause fragment.
func (c *SQLCompiler) compilePredicate(p queryir.Predicate) (string, []any, error) {
	if p == nil {
		return "1 = 1", nil, nil
	}

	switch pred := p.(type) {
	case queryir.Compare:
		return c.compileCompare(pred)
	case queryir.In:
		return c.compileIn(pred)
	case queryir.Exists:
		if pred.Want {
			return jsonType(pred.Field) + " IS NOT NULL", nil, nil
		}
		return jsonType(pred.Field) + " IS NULL", nil, nil
	case queryir.Regex:
		if _, err := regexp.Compile(pred.Pattern); err != nil {
			return "", nil, fmt.Errorf("field %q: invalid $regex: %w", pred.Field, err)
		}
		return fmt.Sprintf("(%s = 'text' AND %s REGEXP ?)", jsonType(pred.Field), extract(pred.Field)),
			[]any{pred.Pattern}, nil
	case queryir.And:
		return c.compileJunction(pred.Predicates, " AND ", "1 = 1")
	case queryir.Or:
		return c.compileJunction(pred.Predicates, " OR ", "1 = 0")
	case queryir.Not:
		sql, params, err := c.compilePredicate(pred.Predicate)
		if err != nil {
			return "", nil, err
		}
		return negate(sql), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported predicate type: %T", p)
	}
}

// negate wraps a condition in NOT, mapping SQL NULL (a missing field) to
// false first so negations match documents that lack the field.
func negate(sql string) string {
	return "NOT COALESCE(" + sql + ", 0)"
}

func (c *SQLCompiler) compileJunction(preds []queryir.Predicate, sep, empty string) (string, []any, error) {
	if len(preds) == 0 {
		return empty, nil, nil
	}
	if len(preds) == 1 {
		return c.compilePredicate(preds[0])
	}

	parts := make([]string, 0, len(preds))
	var params []any
	for _, pred := range preds {
		sql, p, err := c.compilePredicate(pred)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, sql)
		params = append(params, p...)
	}
	return "(" + strings.Join(parts, sep) + ")", params, nil
}

func (c *SQLCompiler) compileCompare(cmp queryir.Compare) (string, []any, error) {
	switch cmp.Op {
	case queryir.OpEq:
		return c.compileEquals(cmp.Field, cmp.Value)
	case queryir.OpNe:
		sql, params, err := c.compileEquals(cmp.Field, cmp.Value)
		if err != nil {
			return "", nil, err
		}
		return negate(sql), params, nil
	case queryir.OpGt, queryir.OpGte, queryir.OpLt, queryir.OpLte:
		return c.compileOrdering(cmp)
	default:
		return "", nil, fmt.Errorf("unsupported operator %q", cmp.Op)
	}
}

var sqlOperators = map[queryir.Op]string{
	queryir.OpGt:  ">",
	queryir.OpGte: ">=",
	queryir.OpLt:  "<",
	queryir.OpLte: "<=",
}

func (c *SQLCompiler) compileOrdering(cmp queryir.Compare) (string, []any, error) {
	op := sqlOperators[cmp.Op]
	switch queryir.KindOf(cmp.Value) {
	case queryir.KindNumber:
		param, err := queryir.NumberParam(cmp.Value)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(%s IN ('integer', 'real') AND %s %s ?)", jsonType(cmp.Field), extract(cmp.Field), op),
			[]any{param}, nil
	case queryir.KindString:
		return fmt.Sprintf("(%s = 'text' AND %s %s ?)", jsonType(cmp.Field), extract(cmp.Field), op),
			[]any{cmp.Value}, nil
	default:
		return "", nil, fmt.Errorf("field %q: %s cannot compare %s values", cmp.Field, cmp.Op, queryir.KindOf(cmp.Value))
	}
}

// compileEquals compiles field equality with JSON type guards so values of
// different kinds never compare equal (1 vs "1", true vs 1).
func (c *SQLCompiler) compileEquals(field queryir.Path, value any) (string, []any, error) {
	if field.IsID() {
		key, err := queryir.MarshalValue(value)
		if err != nil {
			return "", nil, fmt.Errorf("encode _id: %w", err)
		}
		return "id = ?", []any{key}, nil
	}

	t, x := jsonType(field), extract(field)
	switch queryir.KindOf(value) {
	case queryir.KindNull:
		return fmt.Sprintf("(%s IS NULL OR %s = 'null')", t, t), nil, nil
	case queryir.KindBool:
		if value.(bool) {
			return t + " = 'true'", nil, nil
		}
		return t + " = 'false'", nil, nil
	case queryir.KindNumber:
		param, err := queryir.NumberParam(value)
		if err != nil {
			return "", nil, err
		}
		return fmt.Sprintf("(%s IN ('integer', 'real') AND %s = ?)", t, x), []any{param}, nil
	case queryir.KindString:
		return fmt.Sprintf("(%s = 'text' AND %s = ?)", t, x), []any{value}, nil
	case queryir.KindArray, queryir.KindObject:
		text, err := queryir.MarshalValue(value)
		if err != nil {
			return "", nil, fmt.Errorf("encode value: %w", err)
		}
		return fmt.Sprintf("(%s = '%s' AND %s = json(?))", t, queryir.KindOf(value), x), []any{text}, nil
	default:
		return "", nil, fmt.Errorf("field %q: unsupported value type %T", field, value)
	}
}

func (c *SQLCompiler) compileIn(in queryir.In) (string, []any, error) {
	var sql string
	var params []any

	switch {
	case len(in.Values) == 0:
		sql = "1 = 0"
	case in.Field.IsID():
		placeholders := make([]string, len(in.Values))
		for i, v := range in.Values {
			key, err := queryir.MarshalValue(v)
			if err != nil {
				return "", nil, fmt.Errorf("encode _id: %w", err)
			}
			placeholders[i] = "?"
			params = append(params, key)
		}
		sql = "id IN (" + strings.Join(placeholders, ", ") + ")"
	default:
		preds := make([]queryir.Predicate, len(in.Values))
		for i, v := range in.Values {
			preds[i] = queryir.Compare{Field: in.Field, Op: queryir.OpEq, Value: v}
		}
		var err error
		sql, params, err = c.compileJunction(preds, " OR ", "1 = 0")
		if err != nil {
			return "", nil, err
		}
	}

	if in.Negate {
		return negate(sql), params, nil
	}
	return sql, params, nil
}
