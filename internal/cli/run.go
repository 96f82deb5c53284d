package cli

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/funf-org/funf/internal/compiler"
	"github.com/funf-org/funf/internal/runtime"
)

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <document>",
		Short: "Run a document until interrupted",
		Long: `Run compiles a document and starts its pipelines. Sources run when
their requests are due, records are stored in the database and sealed
batches are uploaded in the background.

SIGINT or SIGTERM stops the process. Requests stay in the database, so
the next run resumes the same schedules.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runRun(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "loading configuration", err)
	}
	doc, err := compiler.Load(path)
	if err != nil {
		return outputDocumentErrors(formatter, path, []error{err})
	}

	logger := cfg.NewLogger(formatter.GetErrWriter())
	rt, err := runtime.New(cfg, runtime.WithLogger(logger))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "starting runtime", err)
	}
	defer rt.Close()

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting", "document", path, "database", cfg.Database, "archive", cfg.ArchiveDir)
	if err := rt.Run(ctx, doc); err != nil {
		return formatter.Fail(ExitFailure, ErrCodeGeneric, "run failed", err)
	}
	return nil
}
