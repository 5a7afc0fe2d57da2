// errorhub - error report aggregation server
package main

import (
	"fmt"
	"os"

	"github.com/armorclaw/errorhub/internal/cli"
)

var (
	version   = "0.1.0"
	buildTime = "unknown"
)

func main() {
	cli.Version = version
	cli.BuildTime = buildTime

	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
