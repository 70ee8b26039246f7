// Command eventvault is the device and server CLI for encrypted event sync.
package main

import (
	"os"

	"github.com/roach88/eventvault/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		cmd.PrintErrln("Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
