package cli

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/funf-org/funf/internal/compiler"
	"github.com/funf-org/funf/internal/runtime"
)

// ValidationResult is the JSON payload of a valid document.
type ValidationResult struct {
	Document string         `json:"document"`
	Nodes    int            `json:"nodes"`
	Kinds    map[string]int `json:"kinds"`
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <document>",
		Short: "Check that every node of a document can be built",
		Long: `Validate compiles a document without running it: every node is built
and torn down again, sources are never scheduled and nothing is written
to the database.

Every problem is reported with its code and the path of the node. The
exit code is 1 when the document has errors.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runValidate(opts *RootOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts, cmd.OutOrStdout(), cmd.ErrOrStderr())

	doc, err := compiler.Load(path)
	if err != nil {
		return outputDocumentErrors(formatter, path, []error{err})
	}

	comp, err := runtime.Offline(offlineLogger(opts, formatter.GetErrWriter()))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "building compiler", err)
	}
	ctx := commandContext(cmd)
	res := comp.Compile(ctx, doc)
	if err := res.Teardown(ctx); err != nil {
		formatter.VerboseLog("teardown: %v", err)
	}
	if len(res.Errors) > 0 {
		return outputDocumentErrors(formatter, path, res.Errors)
	}

	result := ValidationResult{Document: path, Nodes: len(res.Nodes), Kinds: map[string]int{}}
	for _, n := range res.Nodes {
		result.Kinds[n.Kind.String()]++
	}
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	fmt.Fprintf(formatter.Writer, "✓ %s is valid: %d node(s)\n", path, result.Nodes)
	kinds := make([]string, 0, len(result.Kinds))
	for k := range result.Kinds {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	for _, k := range kinds {
		fmt.Fprintf(formatter.Writer, "  %s: %d\n", k, result.Kinds[k])
	}
	return nil
}
