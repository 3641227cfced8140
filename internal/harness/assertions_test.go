package harness

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMatchData(t *testing.T) {
	tests := []struct {
		name     string
		expected any
		actual   any
		ok       bool
		path     string
	}{
		{"equal strings", "a", "a", true, ""},
		{"different strings", "a", "b", false, "data"},
		{"integer matches float", json.Number("1"), json.Number("1.0"), true, ""},
		{"different numbers", json.Number("1"), json.Number("2"), false, "data"},
		{"number against string", json.Number("1"), "1", false, "data"},
		{"null", nil, nil, true, ""},
		{
			"object subset",
			map[string]any{"a": "x"},
			map[string]any{"a": "x", "b": "y"},
			true, "",
		},
		{
			"missing key",
			map[string]any{"c": "x"},
			map[string]any{"a": "x"},
			false, "data.c",
		},
		{
			"nested mismatch",
			map[string]any{"a": map[string]any{"b": json.Number("1")}},
			map[string]any{"a": map[string]any{"b": json.Number("2")}},
			false, "data.a.b",
		},
		{
			"array element subset",
			[]any{map[string]any{"_id": "b3"}},
			[]any{map[string]any{"_id": "b3", "year": json.Number("1922")}},
			true, "",
		},
		{
			"array length differs",
			[]any{"a"},
			[]any{"a", "b"},
			false, "data",
		},
		{
			"array element mismatch",
			[]any{"a", "c"},
			[]any{"a", "b"},
			false, "data[1]",
		},
		{"empty array", []any{}, []any{}, true, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, _, _, ok := matchData("data", tt.expected, tt.actual)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestAssertionError_Message(t *testing.T) {
	err := &AssertionError{
		Step:     3,
		Command:  "collection_count_documents",
		Field:    "data",
		Expected: render(json.Number("4")),
		Actual:   render(json.Number("5")),
	}
	assert.Equal(t, "step 3 (collection_count_documents): data mismatch\n  Expected: 4\n  Actual: 5", err.Error())
	assert.Equal(t, "<missing>", render("<missing>"))
	assert.Equal(t, `{"a":"b"}`, render(map[string]any{"a": "b"}))
}
