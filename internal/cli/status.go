package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/funf-org/funf/internal/archive"
	"github.com/funf-org/funf/internal/store"
)

// SourceInfo is one source in the status output.
type SourceInfo struct {
	Key           string     `json:"key"`
	Type          string     `json:"type"`
	Config        string     `json:"config"`
	Requests      int        `json:"requests"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	HasCheckpoint bool       `json:"has_checkpoint"`
}

// StatusResult is the JSON payload of the status command.
type StatusResult struct {
	Database       string       `json:"database"`
	Sources        []SourceInfo `json:"sources"`
	PendingRecords int64        `json:"pending_records"`
	LocalBatches   int          `json:"local_batches"`
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted sources, pending records and local batches",
		Long: `Status reads the database and the local archive of the configured data
directory. It does not start any source and can run beside "funf run".`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	cfg, err := loadConfig(opts, cmd)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeConfig, "loading configuration", err)
	}
	st, err := store.Open(cfg.Database)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "opening database", err)
	}
	defer st.Close()

	ctx := commandContext(cmd)
	sources, err := st.ListSources(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "listing sources", err)
	}
	pending, err := st.CountRecords(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "counting records", err)
	}
	local, err := archive.NewDirArchive(cfg.ArchiveDir)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "opening local archive", err)
	}
	batches, err := local.List(ctx)
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeStore, "listing local archive", err)
	}

	result := StatusResult{
		Database:       cfg.Database,
		Sources:        make([]SourceInfo, 0, len(sources)),
		PendingRecords: pending,
		LocalBatches:   len(batches),
	}
	for _, s := range sources {
		info := SourceInfo{
			Key:           s.Key,
			Type:          s.Type,
			Config:        s.Config,
			Requests:      s.Requests,
			HasCheckpoint: s.HasCheckpoint,
		}
		if !s.LastRun.IsZero() {
			last := s.LastRun.UTC()
			info.LastRun = &last
		}
		result.Sources = append(result.Sources, info)
	}

	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Database: %s\n", result.Database)
	fmt.Fprintf(w, "Pending records: %d\n", result.PendingRecords)
	fmt.Fprintf(w, "Local batches: %d\n\n", result.LocalBatches)
	if len(result.Sources) == 0 {
		fmt.Fprintln(w, "No sources registered")
		return nil
	}
	fmt.Fprintf(w, "Sources (%d):\n", len(result.Sources))
	for _, s := range result.Sources {
		last := "never"
		if s.LastRun != nil {
			last = s.LastRun.Format(time.RFC3339)
		}
		fmt.Fprintf(w, "  %s %s\n", s.Type, s.Config)
		fmt.Fprintf(w, "    requests: %d, last run: %s, checkpoint: %t\n", s.Requests, last, s.HasCheckpoint)
		formatter.VerboseLog("    key: %s", s.Key)
	}
	return nil
}
