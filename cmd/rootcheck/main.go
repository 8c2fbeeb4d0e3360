// Command rootcheck verifies that a bootstrapped Debian root is usable
// directly and under chroot tools.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/rootcheck/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "rootcheck:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
