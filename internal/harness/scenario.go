package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Step statuses.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Scenario is a named sequence of commands.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`
}

// Step runs one command.
type Step struct {
	// Command is the command name (e.g. "collection_insert_documents").
	Command string `yaml:"command"`

	// Args are the command's named arguments. Strings may reference
	// variables.
	Args map[string]any `yaml:"args,omitempty"`

	// Save stores the step's data under this variable name.
	Save string `yaml:"save,omitempty"`

	// Expect checks the outcome. Nil means the step must succeed.
	Expect *Expect `yaml:"expect,omitempty"`
}

// Expect describes the expected outcome of a step.
type Expect struct {
	Status string `yaml:"status,omitempty"`
	Kind   string `yaml:"kind,omitempty"`

	// Data is matched as a subset of the step's data.
	Data any `yaml:"data,omitempty"`
}

// status returns the expected status, defaulting from Kind.
func (e *Expect) status() string {
	switch {
	case e == nil:
		return StatusOK
	case e.Status != "":
		return e.Status
	case e.Kind != "":
		return StatusError
	}
	return StatusOK
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// FindScenarios returns the .yaml and .yml files under dir, sorted. A
// non-empty filter is a glob matched against the file name without its
// extension.
func FindScenarios(dir, filter string) ([]string, error) {
	if filter != "" {
		if _, err := filepath.Match(filter, ""); err != nil {
			return nil, fmt.Errorf("invalid filter pattern: %w", err)
		}
	}

	var files []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := filepath.Ext(path)
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}
		if filter != "" {
			name := strings.TrimSuffix(filepath.Base(path), ext)
			if ok, _ := filepath.Match(filter, name); !ok {
				return nil
			}
		}
		files = append(files, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if strings.ContainsAny(s.Name, `/\`) {
		return fmt.Errorf("name %q must not contain path separators", s.Name)
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}

	for i, step := range s.Steps {
		if step.Command == "" {
			return fmt.Errorf("steps[%d]: command is required", i)
		}
		if step.Save != "" && !validVarName.MatchString(step.Save) {
			return fmt.Errorf("steps[%d]: invalid save name %q", i, step.Save)
		}
		if step.Save == scratchVar {
			return fmt.Errorf("steps[%d]: %s is reserved", i, scratchVar)
		}
		if err := validateExpect(step.Expect); err != nil {
			return fmt.Errorf("steps[%d].expect: %w", i, err)
		}
		if step.Save != "" && step.Expect.status() != StatusOK {
			return fmt.Errorf("steps[%d]: save requires a successful step", i)
		}
	}
	return nil
}

func validateExpect(e *Expect) error {
	if e == nil {
		return nil
	}
	switch e.Status {
	case "", StatusOK, StatusError:
	default:
		return fmt.Errorf("unknown status %q", e.Status)
	}
	if e.Kind != "" && e.status() != StatusError {
		return fmt.Errorf("kind requires status %q", StatusError)
	}
	if e.Data != nil && e.status() != StatusOK {
		return fmt.Errorf("data requires status %q", StatusOK)
	}
	return nil
}
