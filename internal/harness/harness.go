package harness

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/roach88/persistd/internal/persistence"
	"github.com/roach88/persistd/internal/rpc"
	"github.com/roach88/persistd/internal/testutil"
)

// redactedKeys name result fields whose values depend on wall-clock time.
var redactedKeys = map[string]bool{
	"last_modified": true,
	"last_accessed": true,
	"created":       true,
}

const redacted = "<redacted>"

// Harness executes scenarios.
type Harness struct {
	dispatcher *rpc.Dispatcher
	scratch    string
	vars       Vars
	logger     *slog.Logger
}

// Run executes a scenario against a fresh service rooted in a new scratch
// directory, which is removed afterwards.
//
// The returned error reports infrastructure failures only; step mismatches
// are recorded in the Result.
func Run(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "persistd-scenario-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	// The scratch path must be canonical so results echo it verbatim.
	scratch, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve scratch directory: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := persistence.NewService(persistence.Options{
		IDs:    testutil.NewSequentialIDGenerator("id"),
		Logger: logger,
	})

	h := &Harness{
		dispatcher: rpc.NewDispatcher(svc, logger),
		scratch:    scratch,
		vars:       Vars{scratchVar: scratch},
		logger:     logger,
	}

	result := NewResult()
	h.runSteps(ctx, scenario.Steps, result)

	if err := svc.Cleanup(context.WithoutCancel(ctx)); err != nil {
		result.AddError(fmt.Sprintf("cleanup failed: %v", err))
	}
	return result, nil
}

func (h *Harness) runSteps(ctx context.Context, steps []Step, result *Result) {
	for i, step := range steps {
		n := i + 1

		args, err := h.vars.Expand(step.Args)
		if err != nil {
			result.AddError(fmt.Sprintf("step %d (%s): %v", n, step.Command, err))
			return
		}
		if step.Args == nil {
			args = nil
		}
		raw, err := json.Marshal(args)
		if err != nil {
			result.AddError(fmt.Sprintf("step %d (%s): encoding args: %v", n, step.Command, err))
			return
		}
		if args == nil {
			raw = nil
		}

		data, callErr := h.dispatcher.Call(ctx, step.Command, raw)

		event := TraceEvent{Command: step.Command, Status: StatusOK}
		if args != nil {
			event.Args = h.scrub(mustNormalize(args))
		}
		var generic any
		if callErr != nil {
			event.Status = StatusError
			event.Error = h.scrub(persistence.FromError(callErr).Wire()).(map[string]any)
		} else {
			generic, err = normalize(data)
			if err != nil {
				result.AddError(fmt.Sprintf("step %d (%s): encoding data: %v", n, step.Command, err))
				return
			}
			event.Data = h.scrub(generic)
		}
		result.addEvent(event)

		h.logger.Debug("step completed", "step", n, "command", step.Command, "status", event.Status)

		if err := h.check(n, step, callErr, generic); err != nil {
			result.AddError(err.Error())
		}
		if step.Save != "" && callErr == nil {
			h.vars[step.Save] = generic
		}
	}
}

// check compares a step's outcome with its expectation.
func (h *Harness) check(n int, step Step, callErr error, data any) error {
	mismatch := func(field string, expected, actual any) error {
		return &AssertionError{Step: n, Command: step.Command, Field: field,
			Expected: render(expected), Actual: render(actual)}
	}

	want := step.Expect.status()
	got := StatusOK
	if callErr != nil {
		got = StatusError
	}
	if want != got {
		if callErr != nil {
			return mismatch("status", want, persistence.FromError(callErr).Wire())
		}
		return mismatch("status", want, got)
	}
	if step.Expect == nil {
		return nil
	}

	if step.Expect.Kind != "" {
		if kind := string(persistence.KindOf(callErr)); kind != step.Expect.Kind {
			return mismatch("kind", step.Expect.Kind, kind)
		}
	}

	if step.Expect.Data != nil {
		expanded, err := h.vars.Expand(step.Expect.Data)
		if err != nil {
			return fmt.Errorf("step %d (%s): expect: %w", n, step.Command, err)
		}
		expected, err := normalize(expanded)
		if err != nil {
			return fmt.Errorf("step %d (%s): expect: %w", n, step.Command, err)
		}
		if path, e, a, ok := matchData("data", expected, data); !ok {
			return mismatch(path, e, a)
		}
	}
	return nil
}

// scrub rewrites a normalized value for the trace: the scratch path
// becomes ${SCRATCH} and timestamps are redacted.
func (h *Harness) scrub(v any) any {
	switch v := v.(type) {
	case string:
		return strings.ReplaceAll(v, h.scratch, "${"+scratchVar+"}")
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			if redactedKeys[k] {
				out[k] = redacted
				continue
			}
			out[k] = h.scrub(e)
		}
		return out
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = h.scrub(e)
		}
		return out
	}
	return v
}

// mustNormalize normalizes a value that already marshaled once.
func mustNormalize(v any) any {
	out, err := normalize(v)
	if err != nil {
		return v
	}
	return out
}
