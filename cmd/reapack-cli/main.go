package main

import (
	"fmt"
	"os"

	"github.com/reapack/reapack-core/cmd/reapack-cli/cmd"
)

var (
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	cmd.SetVersion(version, buildTime, gitCommit)

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
