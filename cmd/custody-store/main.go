// Command custody-store runs the evidentiary custody store and offers local
// maintenance commands against the same catalog and backend.
package main

import (
	"fmt"
	"os"

	"github.com/Kunal-byte11/Alpha-Trio-loc7/cmd/custody-store/cli"
)

func main() {
	root := cli.NewRootCommand()
	root.AddCommand(
		cli.NewServeCommand(),
		cli.NewIngestCommand(),
		cli.NewFetchCommand(),
		cli.NewVerifyCommand(),
		cli.NewVersionCommand(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
