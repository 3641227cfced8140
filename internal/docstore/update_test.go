package docstore

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/persistd/internal/queryir"
)

func applyJSON(t *testing.T, docText, updateText string) (string, error) {
	t.Helper()
	d, err := DecodeDocument([]byte(docText))
	require.NoError(t, err)
	u, err := DecodeDocument([]byte(updateText))
	require.NoError(t, err)

	ops, err := parseUpdate(u)
	if err != nil {
		return "", err
	}
	out, err := applyUpdate(d, ops)
	if err != nil {
		return "", err
	}
	text, err := queryir.MarshalValue(out)
	require.NoError(t, err)
	return text, nil
}

func TestApplyUpdate_Operators(t *testing.T) {
	tests := []struct {
		name   string
		doc    string
		update string
		want   string
	}{
		{"set nested creates objects", `{"a":1}`, `{"$set":{"b.c":2}}`, `{"a":1,"b":{"c":2}}`},
		{"unset", `{"a":1,"b":2}`, `{"$unset":{"a":""}}`, `{"b":2}`},
		{"unset missing", `{"a":1}`, `{"$unset":{"z":""}}`, `{"a":1}`},
		{"inc existing", `{"n":1}`, `{"$inc":{"n":2}}`, `{"n":3}`},
		{"inc missing", `{}`, `{"$inc":{"n":5}}`, `{"n":5}`},
		{"inc float", `{"n":1}`, `{"$inc":{"n":0.5}}`, `{"n":1.5}`},
		{"inc overflow falls back to float", `{"n":9223372036854775807}`, `{"$inc":{"n":1}}`, `{"n":9223372036854775808}`},
		{"mul", `{"n":4}`, `{"$mul":{"n":3}}`, `{"n":12}`},
		{"mul missing is zero", `{}`, `{"$mul":{"n":3}}`, `{"n":0}`},
		{"min lowers", `{"n":5}`, `{"$min":{"n":2}}`, `{"n":2}`},
		{"min keeps", `{"n":1}`, `{"$min":{"n":2}}`, `{"n":1}`},
		{"max raises", `{"n":1}`, `{"$max":{"n":2}}`, `{"n":2}`},
		{"max strings", `{"s":"b"}`, `{"$max":{"s":"a"}}`, `{"s":"b"}`},
		{"rename", `{"a":1}`, `{"$rename":{"a":"b.c"}}`, `{"b":{"c":1}}`},
		{"rename missing", `{"x":1}`, `{"$rename":{"a":"b"}}`, `{"x":1}`},
		{"push", `{"l":[1]}`, `{"$push":{"l":2}}`, `{"l":[1,2]}`},
		{"push creates", `{}`, `{"$push":{"l":2}}`, `{"l":[2]}`},
		{"push each", `{"l":[1]}`, `{"$push":{"l":{"$each":[2,3]}}}`, `{"l":[1,2,3]}`},
		{"addToSet skips existing", `{"l":[1,2]}`, `{"$addToSet":{"l":{"$each":[2,3,3]}}}`, `{"l":[1,2,3]}`},
		{"pull", `{"l":[1,2,1,{"a":1}]}`, `{"$pull":{"l":1}}`, `{"l":[2,{"a":1}]}`},
		{"pull object", `{"l":[{"a":1},{"a":2}]}`, `{"$pull":{"l":{"a":1}}}`, `{"l":[{"a":2}]}`},
		{"pop last", `{"l":[1,2,3]}`, `{"$pop":{"l":1}}`, `{"l":[1,2]}`},
		{"pop first", `{"l":[1,2,3]}`, `{"$pop":{"l":-1}}`, `{"l":[2,3]}`},
		{"pop empty", `{"l":[]}`, `{"$pop":{"l":1}}`, `{"l":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := applyJSON(t, tt.doc, tt.update)
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, got)
		})
	}
}

func TestApplyUpdate_DoesNotMutateInput(t *testing.T) {
	d := Document{"l": []any{json.Number("1")}, "o": map[string]any{"a": json.Number("1")}}
	ops, err := parseUpdate(Document{
		"$push": map[string]any{"l": json.Number("2")},
		"$set":  map[string]any{"o.a": json.Number("2")},
	})
	require.NoError(t, err)

	_, err = applyUpdate(d, ops)
	require.NoError(t, err)

	assert.Len(t, d["l"], 1)
	assert.Equal(t, json.Number("1"), d["o"].(map[string]any)["a"])
}

func TestParseUpdate_Errors(t *testing.T) {
	tests := map[string]string{
		"empty":              `{}`,
		"replacement":        `{"a":1}`,
		"unknown operator":   `{"$frob":{"a":1}}`,
		"operand not object": `{"$set":1}`,
		"conflicting fields": `{"$set":{"a":1},"$inc":{"a":1}}`,
		"inc non-number":     `{"$inc":{"a":"x"}}`,
		"pop bad direction":  `{"$pop":{"a":2}}`,
		"rename non-string":  `{"$rename":{"a":1}}`,
		"bad path":           `{"$set":{"a..b":1}}`,
	}
	for name, text := range tests {
		t.Run(name, func(t *testing.T) {
			u, err := DecodeDocument([]byte(text))
			require.NoError(t, err)
			_, err = parseUpdate(u)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidUpdate), "got %v", err)
		})
	}
}

func TestApplyUpdate_TypeErrors(t *testing.T) {
	tests := map[string][2]string{
		"inc string":       {`{"a":"x"}`, `{"$inc":{"a":1}}`},
		"push non-array":   {`{"a":1}`, `{"$push":{"a":1}}`},
		"set through leaf": {`{"a":1}`, `{"$set":{"a.b":1}}`},
		"max mixed kinds":  {`{"a":1}`, `{"$max":{"a":"x"}}`},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := applyJSON(t, tc[0], tc[1])
			assert.True(t, errors.Is(err, ErrInvalidUpdate), "got %v", err)
		})
	}
}

func TestUpsertDocument_SeedsFromEqualities(t *testing.T) {
	filter, err := DecodeDocument([]byte(`{"kind":"a","n":{"$gt":1},"meta.tag":"x"}`))
	require.NoError(t, err)
	pred, err := queryir.Parse(filter)
	require.NoError(t, err)
	ops, err := parseUpdate(Document{"$set": map[string]any{"v": true}})
	require.NoError(t, err)

	d, err := upsertDocument(pred, ops)
	require.NoError(t, err)

	text, err := queryir.MarshalValue(d)
	require.NoError(t, err)
	assert.JSONEq(t, `{"kind":"a","meta":{"tag":"x"},"v":true}`, text)
}

func TestKeys_PreservesOrder(t *testing.T) {
	var k Keys
	require.NoError(t, json.Unmarshal([]byte(`{"zeta": 1, "alpha": -1, "mid": 1.0}`), &k))

	assert.Equal(t, Keys{{"zeta", 1}, {"alpha", -1}, {"mid", 1}}, k)
	assert.Equal(t, "zeta_1_alpha_-1_mid_1", k.DefaultIndexName())

	out, err := json.Marshal(k)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":-1,"mid":1}`, string(out))
}

func TestKeys_RejectsBadDirection(t *testing.T) {
	var k Keys
	assert.Error(t, json.Unmarshal([]byte(`{"a": 0}`), &k))
	assert.Error(t, json.Unmarshal([]byte(`{"a": "asc"}`), &k))
	assert.Error(t, json.Unmarshal([]byte(`[1]`), &k))
}
