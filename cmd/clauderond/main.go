// Command clauderond runs the clauderon session daemon.
package main

import (
	"fmt"
	"os"

	"github.com/clauderon/clauderon/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
