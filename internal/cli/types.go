package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/funf-org/funf/internal/runtime"
)

// TypeInfo describes one registered node type.
type TypeInfo struct {
	Name        string `json:"name"`
	Kind        string `json:"kind"`
	Singleton   bool   `json:"singleton"`
	Description string `json:"description,omitempty"`
}

// NewTypesCommand creates the types command.
func NewTypesCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "types",
		Short: "List the node types a document can use",
		Long: `Types lists every registered @type with its kind. Bare names in a
document are qualified by the kind of the field they appear in, so
"Alarm" under data resolves to probe.Alarm.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runTypes(rootOpts, cmd)
		},
	}
}

func runTypes(opts *RootOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	reg, err := runtime.OfflineRegistry(slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "building registry", err)
	}
	names := reg.Types()
	types := make([]TypeInfo, 0, len(names))
	for _, name := range names {
		r, _ := reg.Lookup(name)
		types = append(types, TypeInfo{
			Name:        r.Name,
			Kind:        r.Kind.String(),
			Singleton:   r.Singleton,
			Description: r.Description,
		})
	}

	if formatter.Format == "json" {
		return formatter.Success(types)
	}
	for _, t := range types {
		fmt.Fprintf(formatter.Writer, "%-24s %-10s %s\n", t.Name, t.Kind, t.Description)
	}
	return nil
}
