package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/persistd/internal/docstore"
	"github.com/roach88/persistd/internal/persistence"
	"github.com/roach88/persistd/internal/rpc"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Codec string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Answer requests on stdin/stdout",
		Long: `Serve persistence commands over stdin and stdout.

Each request is a frame {id, command, args}; each response is
{id, status: "ok", data} or {id, status: "error", error}. Frames are JSON
lines by default or a CBOR sequence with --codec cbor. Requests run
concurrently, so responses may arrive out of order; match them by id.

The server stops at end of input, SIGINT or SIGTERM, then closes every
context. A failed cleanup exits with status 1.

Examples:
  persistd serve
  persistd serve --codec cbor --config persistd.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Codec, "codec", "", "frame codec (json|cbor), overrides serve.codec")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}

	logger, err := NewLogger(cmd.ErrOrStderr(), cfg.Logging, opts.Verbose)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to configure logging", err)
	}

	codecName := cfg.Serve.Codec
	if opts.Codec != "" {
		codecName = opts.Codec
	}
	codec, err := rpc.LookupCodec(codecName)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid codec", err)
	}

	engine := docstore.NewSQLiteEngine(logger)
	engine.BusyTimeout = cfg.SQLite.BusyTimeout
	engine.Synchronous = cfg.SQLite.Synchronous

	svc := persistence.NewService(persistence.Options{
		Engine:       engine,
		AllowedRoots: cfg.Contexts.AllowedRoots,
		Logger:       logger,
	})

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}

	for _, p := range cfg.Contexts.Preopen {
		if _, err := svc.Context(persistence.OpenContext{Alias: p.Alias, Path: p.Path}); err != nil {
			cleanupErr := svc.Cleanup(parentCtx)
			return WrapExitError(ExitCommandError,
				fmt.Sprintf("failed to open context %q", p.Alias), errors.Join(err, cleanupErr))
		}
	}

	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := rpc.NewServer(rpc.NewDispatcher(svc, logger), codec, cfg.Serve.MaxInFlight, logger)
	serveErr := server.Serve(ctx, cmd.InOrStdin(), cmd.OutOrStdout())
	if ctx.Err() != nil {
		logger.Info("received signal, shutting down")
	}

	cleanupErr := svc.Cleanup(context.WithoutCancel(ctx))
	switch {
	case serveErr != nil:
		return WrapExitError(ExitFailure, "serve failed", errors.Join(serveErr, cleanupErr))
	case cleanupErr != nil:
		return WrapExitError(ExitFailure, "cleanup failed", cleanupErr)
	}

	logger.Info("server stopped")
	return nil
}
