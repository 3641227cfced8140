package cli

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "persistd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfigCheck_Valid(t *testing.T) {
	path := writeConfig(t, "serve:\n  codec: cbor\n")

	out, err := execute(t, "", "config", "check", path)
	require.NoError(t, err)
	assert.Equal(t, "✓ "+path+" is valid\n", out)
}

func TestConfigCheck_JSONSummary(t *testing.T) {
	path := writeConfig(t, `logging:
  level: debug
sqlite:
  busy_timeout: 250ms
  synchronous: full
serve:
  max_in_flight: 8
contexts:
  allowed_roots: [/srv/persistd]
  preopen:
    - alias: data
      path: /srv/persistd/data
`)

	out, err := execute(t, "", "config", "check", path, "--format", "json")
	require.NoError(t, err)

	var resp struct {
		Status string        `json:"status"`
		Data   ConfigSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, ConfigSummary{
		Path:         path,
		LogLevel:     "debug",
		LogFormat:    "text",
		BusyTimeout:  "250ms",
		Synchronous:  "FULL",
		Codec:        "json",
		MaxInFlight:  8,
		AllowedRoots: []string{"/srv/persistd"},
		Preopen:      []string{"data=/srv/persistd/data"},
	}, resp.Data)
}

func TestConfigCheck_Invalid(t *testing.T) {
	path := writeConfig(t, "serve:\n  codec: msgpack\n")

	out, err := execute(t, "", "config", "check", path, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, "E_INVALID_CONFIG", resp.Error.Code)
}

func TestConfigCheck_MissingFile(t *testing.T) {
	_, err := execute(t, "", "config", "check", filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, err.Error(), "config file not found")
}
