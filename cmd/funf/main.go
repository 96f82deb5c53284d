// funf runs declarative data collection documents.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/funf-org/funf/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(cli.GetExitCode(err))
	}
}
