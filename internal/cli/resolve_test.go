package cli

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveCommand_Text(t *testing.T) {
	root := canonicalTempDir(t)

	out, err := execute(t, "", "resolve", root, "notes/today.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "notes", "today.md")+"\n", out)
}

func TestResolveCommand_JSON(t *testing.T) {
	root := canonicalTempDir(t)

	out, err := execute(t, "", "resolve", root, "a/../b.txt", "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   ResolveResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, ResolveResult{Root: root, Path: "a/../b.txt", Resolved: filepath.Join(root, "b.txt")}, resp.Data)
}

func TestResolveCommand_Rejections(t *testing.T) {
	tests := []struct {
		name string
		path string
		code string
	}{
		{"escape", "../outside", "E_PATH_ESCAPES_CONTEXT"},
		{"absolute", "/etc/passwd", "E_NO_ABSOLUTE_PATHS"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := canonicalTempDir(t)

			out, err := execute(t, "", "resolve", root, tt.path, "--format", "json")
			require.Error(t, err)
			assert.Equal(t, ExitFailure, GetExitCode(err))

			var resp CLIResponse
			require.NoError(t, json.Unmarshal([]byte(out), &resp))
			assert.Equal(t, "error", resp.Status)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestResolveCommand_RequiresTwoArgs(t *testing.T) {
	_, err := execute(t, "", "resolve", "only-root")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 2 arg(s)")
}
