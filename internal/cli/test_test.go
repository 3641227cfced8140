package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const passingScenario = `name: base_path
description: The base path of an opened context is its root.
steps:
  - command: context
    args:
      context: {alias: app, path: "${SCRATCH}/app"}
  - command: get_context_base_path
    args:
      context: {alias: app}
    expect:
      data: "${SCRATCH}/app"
`

const failingScenario = `name: wrong_kind
description: Expects the wrong error kind.
steps:
  - command: get_context_base_path
    args:
      context: {alias: missing}
    expect:
      kind: unknown_database
`

func writeScenarioFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}

func TestTestCommand_MissingArgs(t *testing.T) {
	_, err := execute(t, "", "test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "accepts 1 arg(s)")
}

func TestTestCommand_NonexistentDir(t *testing.T) {
	_, err := execute(t, "", "test", filepath.Join(t.TempDir(), "absent"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "scenarios directory not found")
}

func TestTestCommand_EmptyDir(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, "", "test", dir)
	require.NoError(t, err)
	assert.Equal(t, "No scenarios found.\n", out)

	out, err = execute(t, "", "test", dir, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string     `json:"status"`
		Data   TestResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 0, resp.Data.Total)
}

func TestTestCommand_PassingWithoutGolden(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "base_path.yaml", passingScenario)

	out, err := execute(t, "", "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ base_path (2 steps)")
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
	assert.Contains(t, out, "✓ All scenarios passed")
}

func TestTestCommand_UpdateThenCompare(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "base_path.yaml", passingScenario)

	_, err := execute(t, "", "test", dir, "--update")
	require.NoError(t, err)

	golden, err := os.ReadFile(filepath.Join(dir, "golden", "base_path.golden"))
	require.NoError(t, err)
	assert.Contains(t, string(golden), `"scenario_name": "base_path"`)
	assert.Contains(t, string(golden), "${SCRATCH}/app")

	out, err := execute(t, "", "test", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "✓ base_path")

	// A stale golden file fails the comparison.
	require.NoError(t, os.WriteFile(filepath.Join(dir, "golden", "base_path.golden"), []byte("{}\n"), 0o644))
	out, err = execute(t, "", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ base_path")
	assert.Contains(t, out, "--update to regenerate")
}

func TestTestCommand_Failing(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "base_path.yaml", passingScenario)
	writeScenarioFile(t, dir, "wrong_kind.yaml", failingScenario)

	out, err := execute(t, "", "test", dir)
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Contains(t, out, "✗ wrong_kind")
	assert.Contains(t, out, "Test Summary: 1 passed, 1 failed, 2 total")

	out, err = execute(t, "", "test", dir, "--format", "json")
	require.Error(t, err)

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_TEST_FAILED", resp.Error.Code)
	assert.Equal(t, "1 scenario(s) failed", resp.Error.Message)
}

func TestTestCommand_Filter(t *testing.T) {
	dir := t.TempDir()
	writeScenarioFile(t, dir, "base_path.yaml", passingScenario)
	writeScenarioFile(t, dir, "wrong_kind.yaml", failingScenario)

	out, err := execute(t, "", "test", dir, "--filter", "base*")
	require.NoError(t, err)
	assert.Contains(t, out, "Test Summary: 1 passed, 0 failed, 1 total")
}
