package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "persistd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
logging:
  level: debug
  format: json

sqlite:
  busy_timeout: 250ms
  synchronous: full

serve:
  codec: cbor
  max_in_flight: 8

contexts:
  allowed_roots:
    - /srv/data
  preopen:
    - alias: main
      path: /srv/data/main
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, LoggingConfig{Level: "debug", Format: "json"}, cfg.Logging)
	assert.Equal(t, 250*time.Millisecond, cfg.SQLite.BusyTimeout)
	assert.Equal(t, "FULL", cfg.SQLite.Synchronous)
	assert.Equal(t, ServeConfig{Codec: "cbor", MaxInFlight: 8}, cfg.Serve)
	assert.Equal(t, []string{"/srv/data"}, cfg.Contexts.AllowedRoots)
	assert.Equal(t, []PreopenContext{{Alias: "main", Path: "/srv/data/main"}}, cfg.Contexts.Preopen)
}

func TestParse_EmptyDocumentUsesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParse_PartialDocumentKeepsDefaults(t *testing.T) {
	cfg, err := Parse([]byte("serve:\n  codec: cbor\n"))
	require.NoError(t, err)

	assert.Equal(t, "cbor", cfg.Serve.Codec)
	assert.Equal(t, 64, cfg.Serve.MaxInFlight)
	assert.Equal(t, 5*time.Second, cfg.SQLite.BusyTimeout)
	assert.Equal(t, "NORMAL", cfg.SQLite.Synchronous)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestParse_ExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("PERSISTD_TEST_ROOT", "/data/from/env")

	cfg, err := Parse([]byte(`
contexts:
  preopen:
    - alias: env
      path: ${PERSISTD_TEST_ROOT}/ctx
`))
	require.NoError(t, err)
	assert.Equal(t, "/data/from/env/ctx", cfg.Contexts.Preopen[0].Path)
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown top-level key", "storage:\n  path: x\n"},
		{"unknown nested key", "serve:\n  port: 80\n"},
		{"invalid level", "logging:\n  level: loud\n"},
		{"invalid format", "logging:\n  format: xml\n"},
		{"invalid codec", "serve:\n  codec: msgpack\n"},
		{"zero max in flight", "serve:\n  max_in_flight: 0\n"},
		{"invalid synchronous", "sqlite:\n  synchronous: sometimes\n"},
		{"unparseable duration", "sqlite:\n  busy_timeout: 5 parsecs\n"},
		{"numeric duration", "sqlite:\n  busy_timeout: 5\n"},
		{"preopen without path", "contexts:\n  preopen:\n    - alias: a\n"},
		{"duplicate preopen alias", "contexts:\n  preopen:\n    - {alias: a, path: /x}\n    - {alias: a, path: /y}\n"},
		{"not yaml", "serve: [\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestExpandEnvVars_UnsetIsEmpty(t *testing.T) {
	assert.Equal(t, "a--b", expandEnvVars("a-${PERSISTD_SURELY_UNSET_VARIABLE}-b"))
}
