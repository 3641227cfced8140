package cli

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/persistd/internal/config"
)

func TestNewLogger_Text(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := NewLogger(buf, config.LoggingConfig{Level: "info", Format: "text"}, false)
	require.NoError(t, err)

	logger.Debug("hidden")
	logger.Info("context opened", "alias", "data")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "context opened")
	assert.Contains(t, out, "alias=data")
	assert.NotContains(t, out, "\x1b[", "non-terminal output must not be coloured")
}

func TestNewLogger_JSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := NewLogger(buf, config.LoggingConfig{Level: "warn", Format: "json"}, false)
	require.NoError(t, err)

	logger.Info("dropped")
	logger.Warn("busy", "database", "main")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "WARN", record["level"])
	assert.Equal(t, "busy", record["msg"])
	assert.Equal(t, "main", record["database"])
}

func TestNewLogger_VerboseForcesDebug(t *testing.T) {
	buf := &bytes.Buffer{}
	logger, err := NewLogger(buf, config.LoggingConfig{Level: "error"}, true)
	require.NoError(t, err)

	logger.Debug("frame decoded")
	assert.Contains(t, buf.String(), "frame decoded")
}

func TestNewLogger_Invalid(t *testing.T) {
	_, err := NewLogger(&bytes.Buffer{}, config.LoggingConfig{Level: "loud"}, false)
	assert.ErrorContains(t, err, "invalid log level")

	_, err = NewLogger(&bytes.Buffer{}, config.LoggingConfig{Format: "xml"}, false)
	assert.ErrorContains(t, err, "invalid log format")
}
