// Command gpuchan simulates, inspects and runs the GPU command channel
// scheduler.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/gpuchan/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
