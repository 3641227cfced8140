// Package config loads the persistd configuration file.
//
// The file is YAML. ${VAR} references are replaced with environment values
// before parsing, unknown keys are rejected, and the document is checked
// against an embedded CUE schema before Go-side validation runs.
package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"gopkg.in/yaml.v3"
)

//go:embed schema.cue
var schemaSource string

// Config is the complete persistd configuration.
type Config struct {
	Logging  LoggingConfig  `yaml:"logging"`
	SQLite   SQLiteConfig   `yaml:"sqlite"`
	Serve    ServeConfig    `yaml:"serve"`
	Contexts ContextsConfig `yaml:"contexts"`
}

// LoggingConfig selects the log level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
}

// SQLiteConfig holds document engine settings.
type SQLiteConfig struct {
	BusyTimeout time.Duration `yaml:"-"`
	Synchronous string        `yaml:"synchronous"`

	// Raw string value for YAML unmarshaling
	BusyTimeoutRaw string `yaml:"busy_timeout"`
}

// ServeConfig configures the stdio server.
type ServeConfig struct {
	Codec       string `yaml:"codec"` // json or cbor
	MaxInFlight int    `yaml:"max_in_flight"`
}

// ContextsConfig restricts and pre-opens contexts.
type ContextsConfig struct {
	// AllowedRoots, when not empty, confines context roots to these
	// directories.
	AllowedRoots []string         `yaml:"allowed_roots"`
	Preopen      []PreopenContext `yaml:"preopen"`
}

// PreopenContext is a context opened when the server starts.
type PreopenContext struct {
	Alias string `yaml:"alias"`
	Path  string `yaml:"path"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "text"},
		SQLite: SQLiteConfig{
			BusyTimeout:    5 * time.Second,
			BusyTimeoutRaw: "5s",
			Synchronous:    "NORMAL",
		},
		Serve: ServeConfig{Codec: "json", MaxInFlight: 64},
	}
}

// Load reads the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses a configuration document. Fields missing from the document
// keep their Default values.
func Parse(data []byte) (*Config, error) {
	expanded := []byte(expandEnvVars(string(data)))

	if err := checkSchema(expanded); err != nil {
		return nil, fmt.Errorf("validating config against schema: %w", err)
	}

	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	cfg.SQLite.Synchronous = strings.ToUpper(cfg.SQLite.Synchronous)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to "".
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// checkSchema unifies the raw document with #Config from schema.cue.
func checkSchema(data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return err
	}
	if raw == nil {
		return nil
	}

	ctx := cuecontext.New()
	schema := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("compiling schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Config"))

	value := ctx.Encode(raw)
	if err := value.Err(); err != nil {
		return err
	}
	return def.Unify(value).Validate(cue.Concrete(true))
}

// parseDurations converts the raw duration strings into time.Duration values.
func parseDurations(cfg *Config) error {
	if cfg.SQLite.BusyTimeoutRaw == "" {
		return nil
	}
	d, err := time.ParseDuration(cfg.SQLite.BusyTimeoutRaw)
	if err != nil {
		return fmt.Errorf("parsing busy_timeout %q: %w", cfg.SQLite.BusyTimeoutRaw, err)
	}
	cfg.SQLite.BusyTimeout = d
	return nil
}

// Validate checks the constraints the schema cannot express.
func (c *Config) Validate() error {
	if c.SQLite.BusyTimeout < 0 {
		return fmt.Errorf("sqlite.busy_timeout must not be negative")
	}
	seen := make(map[string]bool, len(c.Contexts.Preopen))
	for _, p := range c.Contexts.Preopen {
		if seen[p.Alias] {
			return fmt.Errorf("contexts.preopen: duplicate alias %q", p.Alias)
		}
		seen[p.Alias] = true
	}
	return nil
}
