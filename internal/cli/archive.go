package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/funf-org/funf/internal/archive"
	"github.com/funf-org/funf/internal/runtime"
)

// ArchiveFlushOptions holds flags for the archive flush command.
type ArchiveFlushOptions struct {
	*RootOptions
	Destination string
	Network     string
	Timeout     time.Duration
}

// FlushResult is the JSON payload of the archive flush command.
type FlushResult struct {
	Queued    map[string]int `json:"queued"`
	Pending   int            `json:"pending"`
	Remaining []string       `json:"remaining"`
}

// NewArchiveCommand creates the archive command group.
func NewArchiveCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Inspect and upload the local archive",
	}
	cmd.AddCommand(newArchiveListCommand(rootOpts))
	cmd.AddCommand(newArchiveFlushCommand(rootOpts))
	return cmd
}

func newArchiveListCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:           "list",
		Short:         "List the sealed batches waiting in the local archive",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveList(rootOpts, cmd)
		},
	}
}

func runArchiveList(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "loading configuration", err)
	}
	local, err := archive.NewDirArchive(cfg.ArchiveDir)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "opening local archive", err)
	}
	ids, err := local.List(commandContext(cmd))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "listing local archive", err)
	}

	if formatter.Format == "json" {
		return formatter.Success(map[string]any{"dir": local.Dir(), "batches": ids})
	}
	if len(ids) == 0 {
		fmt.Fprintf(formatter.Writer, "No batches in %s\n", local.Dir())
		return nil
	}
	fmt.Fprintf(formatter.Writer, "%d batch(es) in %s:\n", len(ids), local.Dir())
	for _, id := range ids {
		fmt.Fprintf(formatter.Writer, "  %s\n", id)
	}
	return nil
}

func newArchiveFlushCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ArchiveFlushOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "flush",
		Short: "Upload every local batch now",
		Long: `Flush queues every batch of the local archive for the configured remotes
and uploads them with the configured retries and backoff. It returns once
the queue is drained or the timeout expires.

The exit code is 1 when any batch is left in the local archive.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runArchiveFlush(opts, cmd)
		},
	}
	cmd.Flags().StringVar(&opts.Destination, "destination", "", "upload only to this remote (default: every configured remote)")
	cmd.Flags().StringVar(&opts.Network, "network", "any", "network the uploads require (any|unmetered)")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "give up after this long")
	return cmd
}

func runArchiveFlush(opts *ArchiveFlushOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	network, err := archive.ParseNetwork(opts.Network)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "invalid --network", err)
	}
	cfg, err := loadConfig(opts.RootOptions, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "loading configuration", err)
	}
	rt, err := runtime.New(cfg, runtime.WithLogger(cfg.NewLogger(formatter.GetErrWriter())))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "starting runtime", err)
	}
	defer rt.Close()

	uploads := rt.Uploads()
	dests := uploads.Destinations()
	if opts.Destination != "" {
		dests = []string{opts.Destination}
	}
	if len(dests) == 0 {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "no remotes configured", nil)
	}

	ctx, cancel := context.WithTimeout(commandContext(cmd), opts.Timeout)
	defer cancel()

	result := FlushResult{Queued: make(map[string]int, len(dests))}
	for _, dest := range dests {
		n, err := uploads.EnqueueAll(ctx, dest, network)
		if err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeUpload, fmt.Sprintf("queueing batches for %s", dest), err)
		}
		result.Queued[dest] = n
		formatter.VerboseLog("Queued %d batch(es) for %s", n, dest)
	}
	flushErr := uploads.Flush(ctx)
	result.Pending = len(uploads.Pending())
	remaining, err := uploads.Local().List(commandContext(cmd))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "listing local archive", err)
	}
	result.Remaining = remaining

	switch {
	case flushErr != nil || result.Pending > 0:
		return formatter.Fail(ExitFailure, ErrCodeUpload,
			fmt.Sprintf("%d upload(s) pending", result.Pending), flushErr)
	case len(remaining) > 0:
		return formatter.Fail(ExitFailure, ErrCodeUpload,
			fmt.Sprintf("%d batch(es) could not be uploaded", len(remaining)), nil)
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}
	for _, dest := range dests {
		fmt.Fprintf(formatter.Writer, "✓ %s: %d batch(es) uploaded\n", dest, result.Queued[dest])
	}
	return nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
