package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/persistd/internal/persistence"
	"github.com/roach88/persistd/internal/sandbox"
)

// ResolveResult is the JSON payload of the resolve command.
type ResolveResult struct {
	Root     string `json:"root"`
	Path     string `json:"path"`
	Resolved string `json:"resolved"`
}

// NewResolveCommand creates the resolve command.
func NewResolveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resolve <root> <path>",
		Short: "Resolve a path inside a context root",
		Long: `Resolve a relative path against a root directory the way a context does.

Prints the absolute location with symlinks followed, or the rejection kind
(no_absolute_paths, path_escapes_context, invalid_path) with exit status 1.
The root directory is created if it does not exist.

Examples:
  persistd resolve ./data notes/today.md
  persistd resolve ./data ../etc/passwd --format json`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResolve(rootOpts, args[0], args[1], cmd)
		},
	}
	return cmd
}

func runResolve(opts *RootOptions, rootPath, path string, cmd *cobra.Command) error {
	root, err := sandbox.CanonicalRoot(rootPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid root", err)
	}

	f := opts.formatter(cmd)
	f.VerboseLog("root: %s", root)

	resolved, err := sandbox.Resolve(root, path)
	if err != nil {
		pe := persistence.FromError(err)
		if err := f.Error(ErrorCode(pe), pe.Reason, map[string]any{"kind": pe.Kind, "path": path}); err != nil {
			return err
		}
		return WrapExitError(ExitFailure, "path rejected", pe)
	}

	return f.Success(resolved, ResolveResult{Root: root, Path: path, Resolved: resolved})
}
