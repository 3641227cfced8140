package cli

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/persistd/internal/harness"
)

// TestOptions holds flags for the test command.
type TestOptions struct {
	*RootOptions
	Update bool
	Filter string // glob matched against scenario file names
}

// ScenarioResult is the outcome of one scenario file.
type ScenarioResult struct {
	Name   string   `json:"name"`
	File   string   `json:"file"`
	Steps  int      `json:"steps"`
	Pass   bool     `json:"pass"`
	Errors []string `json:"errors,omitempty"`
}

// TestResult aggregates a test run.
type TestResult struct {
	Scenarios []ScenarioResult `json:"scenarios"`
	Passed    int              `json:"passed"`
	Failed    int              `json:"failed"`
	Total     int              `json:"total"`
}

func (r *TestResult) add(s ScenarioResult) {
	r.Scenarios = append(r.Scenarios, s)
	r.Total++
	if s.Pass {
		r.Passed++
	} else {
		r.Failed++
	}
}

// NewTestCommand creates the test command.
func NewTestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "test <scenarios-dir>",
		Short: "Run command scenarios",
		Long: `Run scenario files against a fresh persistence service.

Each scenario runs in its own scratch directory. Step expectations are
checked, and when golden/<name>.golden exists next to the scenario the
trace must match it byte for byte.

Exit codes:
  0 - every scenario passed
  1 - at least one scenario failed
  2 - the directory or filter is unusable

Examples:
  persistd test ./scenarios
  persistd test ./scenarios --filter "files*"
  persistd test ./scenarios --update
  persistd test ./scenarios --format json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTests(cmd, opts, args[0])
		},
	}

	cmd.Flags().BoolVar(&opts.Update, "update", false, "rewrite golden traces instead of comparing them")
	cmd.Flags().StringVar(&opts.Filter, "filter", "", "only run scenario files whose name matches this glob")

	return cmd
}

func runTests(cmd *cobra.Command, opts *TestOptions, dir string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return NewExitError(ExitCommandError, fmt.Sprintf("scenarios directory not found: %s", dir))
	}

	files, err := harness.FindScenarios(dir, opts.Filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to find scenarios", err)
	}

	f := opts.formatter(cmd)
	if len(files) == 0 {
		return f.Success("No scenarios found.", TestResult{Scenarios: []ScenarioResult{}})
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	result := TestResult{Scenarios: make([]ScenarioResult, 0, len(files))}
	for _, file := range files {
		f.VerboseLog("running %s", file)
		result.add(runScenarioFile(ctx, file, opts.Update))
	}

	if opts.Format == "json" {
		return reportJSON(f, result)
	}
	return reportText(cmd.OutOrStdout(), result)
}

// runScenarioFile runs one scenario, then checks its golden trace, or
// rewrites it when update is set. A missing golden file is not a failure.
func runScenarioFile(ctx context.Context, file string, update bool) ScenarioResult {
	res := ScenarioResult{Name: file, File: file}

	scenario, err := harness.LoadScenario(file)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("load: %v", err)}
		return res
	}
	res.Name = scenario.Name
	res.Steps = len(scenario.Steps)

	run, err := harness.Run(ctx, scenario)
	if err != nil {
		res.Errors = []string{fmt.Sprintf("run: %v", err)}
		return res
	}
	res.Errors = append(res.Errors, run.Errors...)

	golden := harness.GoldenPath(file, scenario.Name)
	if update {
		if err := harness.UpdateGolden(golden, scenario.Name, run); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("update golden: %v", err))
		}
	} else if _, err := os.Stat(golden); err == nil {
		if err := harness.CompareGolden(golden, scenario.Name, run); err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("%v (run with --update to regenerate)", err))
		}
	}

	res.Pass = len(res.Errors) == 0
	return res
}

func reportJSON(f *OutputFormatter, result TestResult) error {
	if result.Failed == 0 {
		return f.Success("", result)
	}
	msg := fmt.Sprintf("%d scenario(s) failed", result.Failed)
	if err := f.Error("E_TEST_FAILED", msg, result); err != nil {
		return err
	}
	return NewExitError(ExitFailure, msg)
}

func reportText(w io.Writer, result TestResult) error {
	for _, s := range result.Scenarios {
		mark := "✓"
		if !s.Pass {
			mark = "✗"
		}
		fmt.Fprintf(w, "%s %s (%d steps)\n", mark, s.Name, s.Steps)
		for _, e := range s.Errors {
			fmt.Fprintf(w, "    %s\n", e)
		}
	}

	fmt.Fprintf(w, "\nTest Summary: %d passed, %d failed, %d total\n", result.Passed, result.Failed, result.Total)
	if result.Failed > 0 {
		return NewExitError(ExitFailure, fmt.Sprintf("%d scenario(s) failed", result.Failed))
	}
	fmt.Fprintln(w, "✓ All scenarios passed")
	return nil
}
