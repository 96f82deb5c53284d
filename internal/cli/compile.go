package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/funf-org/funf/internal/compiler"
	"github.com/funf-org/funf/internal/ir"
	"github.com/funf-org/funf/internal/runtime"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output string // output file path
}

// CompilationResult is the JSON payload of the compile command.
type CompilationResult struct {
	Document json.RawMessage `json:"document"`
	Output   string          `json:"output,omitempty"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <document>",
		Short: "Resolve the directives of a document",
		Long: `Compile reads a JSON, YAML or CUE document, resolves its @probe,
@schedule, @filter and @action directives and qualifies every @type.

The rewritten document is printed as canonical JSON, the form funf
hashes to identify sources.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write the rewritten document to this file")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd.OutOrStdout(), cmd.ErrOrStderr())

	doc, err := compiler.Load(path)
	if err != nil {
		return outputDocumentErrors(formatter, path, []error{err})
	}
	formatter.VerboseLog("Loaded %s", path)

	comp, err := runtime.Offline(offlineLogger(opts.RootOptions, formatter.GetErrWriter()))
	if err != nil {
		return formatter.Fail(ExitCommandError, ErrCodeGeneric, "building compiler", err)
	}
	rewritten, errs := comp.Rewrite(doc)
	if len(errs) > 0 {
		return outputDocumentErrors(formatter, path, errs)
	}

	canonical, err := ir.MarshalCanonical(rewritten)
	if err != nil {
		return formatter.Fail(ExitFailure, compiler.ErrCodeBadValue, "encoding document", err)
	}

	if opts.Output != "" {
		if err := os.WriteFile(opts.Output, append(canonical, '\n'), 0o644); err != nil {
			return formatter.Fail(ExitCommandError, ErrCodeWriteFailed, "writing output file", err)
		}
		formatter.VerboseLog("Wrote %s", opts.Output)
	}

	if formatter.Format == "json" {
		return formatter.Success(CompilationResult{Document: canonical, Output: opts.Output})
	}
	if opts.Output != "" {
		fmt.Fprintf(formatter.Writer, "✓ Compiled %s to %s\n", path, opts.Output)
		return nil
	}
	var pretty bytes.Buffer
	if err := json.Indent(&pretty, canonical, "", "  "); err != nil {
		return formatter.Fail(ExitFailure, compiler.ErrCodeBadValue, "formatting document", err)
	}
	fmt.Fprintln(formatter.Writer, pretty.String())
	return nil
}

// outputDocumentErrors reports every problem found in a document and
// returns an ExitFailure error.
func outputDocumentErrors(formatter *OutputFormatter, path string, errs []error) error {
	cliErrs := configErrors(errs)
	if formatter.Format == "json" {
		first := cliErrs[0]
		first.Details = cliErrs
		if err := json.NewEncoder(formatter.Writer).Encode(CLIResponse{Status: "error", Error: &first}); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "✗ %s: %d error(s)\n", path, len(cliErrs))
		for _, e := range cliErrs {
			if e.Path != "" {
				fmt.Fprintf(formatter.Writer, "  [%s] %s: %s\n", e.Code, e.Path, e.Message)
			} else {
				fmt.Fprintf(formatter.Writer, "  [%s] %s\n", e.Code, e.Message)
			}
		}
	}
	return NewExitError(ExitFailure, fmt.Sprintf("[%s] %s: %d error(s)", cliErrs[0].Code, path, len(cliErrs)))
}
