// Command provsync provisions accounts to target systems and reconciles
// them back.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/roach88/provsync/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "provsync:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
