package querysql

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/persistd/internal/queryir"
)

func parse(t *testing.T, filter string) queryir.Predicate {
	t.Helper()
	var m map[string]any
	dec := json.NewDecoder(strings.NewReader(filter))
	dec.UseNumber()
	require.NoError(t, dec.Decode(&m))
	p, err := queryir.Parse(m)
	require.NoError(t, err)
	return p
}

func TestJSONPath(t *testing.T) {
	assert.Equal(t, `'$."a"."b"'`, JSONPath(queryir.Path{"a", "b"}))
	assert.Equal(t, `'$."it''s"'`, JSONPath(queryir.Path{"it's"}))
}

func TestQuoteIdent(t *testing.T) {
	assert.Equal(t, `"coll:users"`, QuoteIdent("coll:users"))
	assert.Equal(t, `"a""b"`, QuoteIdent(`a"b`))
}

func TestWhere_Equality(t *testing.T) {
	c := NewSQLCompiler()

	cases := []struct {
		name   string
		filter string
		sql    string
		params []any
	}{
		{
			name:   "string",
			filter: `{"name": "ada"}`,
			sql:    `(json_type(doc, '$."name"') = 'text' AND json_extract(doc, '$."name"') = ?)`,
			params: []any{"ada"},
		},
		{
			name:   "integer",
			filter: `{"n": 3}`,
			sql:    `(json_type(doc, '$."n"') IN ('integer', 'real') AND json_extract(doc, '$."n"') = ?)`,
			params: []any{int64(3)},
		},
		{
			name:   "bool",
			filter: `{"ok": true}`,
			sql:    `json_type(doc, '$."ok"') = 'true'`,
		},
		{
			name:   "null matches missing",
			filter: `{"gone": null}`,
			sql:    `(json_type(doc, '$."gone"') IS NULL OR json_type(doc, '$."gone"') = 'null')`,
		},
		{
			name:   "object",
			filter: `{"addr": {"zip": "1", "city": "x"}}`,
			sql:    `(json_type(doc, '$."addr"') = 'object' AND json_extract(doc, '$."addr"') = json(?))`,
			params: []any{`{"city":"x","zip":"1"}`},
		},
		{
			name:   "id column",
			filter: `{"_id": "X"}`,
			sql:    `id = ?`,
			params: []any{`"X"`},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sql, params, err := c.Where(parse(t, tc.filter))
			require.NoError(t, err)
			assert.Equal(t, tc.sql, sql)
			assert.Equal(t, tc.params, params)
		})
	}
}

func TestWhere_Operators(t *testing.T) {
	c := NewSQLCompiler()

	sql, params, err := c.Where(parse(t, `{"age": {"$gte": 18}}`))
	require.NoError(t, err)
	assert.Equal(t, `(json_type(doc, '$."age"') IN ('integer', 'real') AND json_extract(doc, '$."age"') >= ?)`, sql)
	assert.Equal(t, []any{int64(18)}, params)

	sql, params, err = c.Where(parse(t, `{"name": {"$lt": "m"}}`))
	require.NoError(t, err)
	assert.Equal(t, `(json_type(doc, '$."name"') = 'text' AND json_extract(doc, '$."name"') < ?)`, sql)
	assert.Equal(t, []any{"m"}, params)

	sql, _, err = c.Where(parse(t, `{"ok": {"$ne": true}}`))
	require.NoError(t, err)
	assert.Equal(t, `NOT COALESCE(json_type(doc, '$."ok"') = 'true', 0)`, sql)

	sql, _, err = c.Where(parse(t, `{"e": {"$exists": true}}`))
	require.NoError(t, err)
	assert.Equal(t, `json_type(doc, '$."e"') IS NOT NULL`, sql)

	sql, params, err = c.Where(parse(t, `{"s": {"$regex": "^a", "$options": "i"}}`))
	require.NoError(t, err)
	assert.Equal(t, `(json_type(doc, '$."s"') = 'text' AND json_extract(doc, '$."s"') REGEXP ?)`, sql)
	assert.Equal(t, []any{"(?i)^a"}, params)
}

func TestWhere_In(t *testing.T) {
	c := NewSQLCompiler()

	sql, params, err := c.Where(parse(t, `{"_id": {"$in": ["a", "b"]}}`))
	require.NoError(t, err)
	assert.Equal(t, `id IN (?, ?)`, sql)
	assert.Equal(t, []any{`"a"`, `"b"`}, params)

	sql, params, err = c.Where(parse(t, `{"k": {"$nin": [1, "1"]}}`))
	require.NoError(t, err)
	assert.Equal(t, `NOT COALESCE(((json_type(doc, '$."k"') IN ('integer', 'real') AND json_extract(doc, '$."k"') = ?) OR (json_type(doc, '$."k"') = 'text' AND json_extract(doc, '$."k"') = ?)), 0)`, sql)
	assert.Equal(t, []any{int64(1), "1"}, params)

	sql, params, err = c.Where(parse(t, `{"k": {"$in": []}}`))
	require.NoError(t, err)
	assert.Equal(t, `1 = 0`, sql)
	assert.Empty(t, params)
}

func TestWhere_Logical(t *testing.T) {
	c := NewSQLCompiler()

	sql, params, err := c.Where(parse(t, `{"$or": [{"a": 1}, {"b": true}], "c": "x"}`))
	require.NoError(t, err)
	assert.Equal(t, `(((json_type(doc, '$."a"') IN ('integer', 'real') AND json_extract(doc, '$."a"') = ?) OR json_type(doc, '$."b"') = 'true') AND (json_type(doc, '$."c"') = 'text' AND json_extract(doc, '$."c"') = ?))`, sql)
	assert.Equal(t, []any{int64(1), "x"}, params)

	sql, _, err = c.Where(queryir.And{})
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", sql)

	sql, _, err = c.Where(nil)
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", sql)
}

func TestWhere_InvalidRegex(t *testing.T) {
	c := NewSQLCompiler()
	_, _, err := c.Where(queryir.Regex{Field: queryir.Path{"a"}, Pattern: "("})
	assert.Error(t, err)
}

func TestFind_OrderByMandatory(t *testing.T) {
	c := NewSQLCompiler()

	sql, params, err := c.Find("coll:users", nil, FindOptions{Skip: -1, Limit: -1})
	require.NoError(t, err)
	assert.Equal(t, `SELECT doc FROM "coll:users" WHERE 1 = 1 ORDER BY rowid ASC`, sql)
	assert.Empty(t, params)
}

func TestFind_SortSkipLimit(t *testing.T) {
	c := NewSQLCompiler()

	sql, params, err := c.Find("coll:users", parse(t, `{"a": "x"}`), FindOptions{
		Sort:  []queryir.SortKey{{Field: queryir.Path{"age"}, Descending: true}, {Field: queryir.Path{"name"}}},
		Skip:  5,
		Limit: 10,
	})
	require.NoError(t, err)
	assert.Equal(t, `SELECT doc FROM "coll:users" WHERE (json_type(doc, '$."a"') = 'text' AND json_extract(doc, '$."a"') = ?) ORDER BY json_extract(doc, '$."age"') DESC, json_extract(doc, '$."name"') ASC, rowid ASC LIMIT ? OFFSET ?`, sql)
	assert.Equal(t, []any{"x", int64(10), int64(5)}, params)

	sql, params, err = c.Find("t", nil, FindOptions{Skip: 2, Limit: -1})
	require.NoError(t, err)
	assert.Equal(t, `SELECT doc FROM "t" WHERE 1 = 1 ORDER BY rowid ASC LIMIT -1 OFFSET ?`, sql)
	assert.Equal(t, []any{int64(2)}, params)
}

func TestCountMatchingDelete(t *testing.T) {
	c := NewSQLCompiler()
	p := parse(t, `{"_id": "X"}`)

	sql, _, err := c.Count("coll:c", p)
	require.NoError(t, err)
	assert.Equal(t, `SELECT COUNT(*) FROM "coll:c" WHERE id = ?`, sql)

	sql, _, err = c.Matching("coll:c", p, true)
	require.NoError(t, err)
	assert.Equal(t, `SELECT rowid, doc FROM "coll:c" WHERE id = ? ORDER BY rowid ASC LIMIT 1`, sql)

	sql, _, err = c.Delete("coll:c", p, true)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "coll:c" WHERE rowid IN (SELECT rowid FROM "coll:c" WHERE id = ? ORDER BY rowid ASC LIMIT 1)`, sql)

	sql, params, err := c.Delete("coll:c", p, false)
	require.NoError(t, err)
	assert.Equal(t, `DELETE FROM "coll:c" WHERE id = ?`, sql)
	assert.Equal(t, []any{`"X"`}, params)
}

func TestIndexColumns(t *testing.T) {
	c := NewSQLCompiler()
	cols := c.IndexColumns([]queryir.SortKey{{Field: queryir.Path{"a", "b"}}, {Field: queryir.Path{"c"}, Descending: true}})
	assert.Equal(t, `json_extract(doc, '$."a"."b"') ASC, json_extract(doc, '$."c"') DESC`, cols)
}
