// Command realmindex maintains a generational index of realm artifacts.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/realmindex/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
