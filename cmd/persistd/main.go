// Command persistd serves sandboxed document and file persistence over
// stdio.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/persistd/internal/cli"
)

func main() {
	err := cli.NewRootCommand().Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	}
	os.Exit(cli.GetExitCode(err))
}
