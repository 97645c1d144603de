// Package main is the RecallKit extension manager CLI.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	// Local overrides for development; absence is fine.
	_ = godotenv.Load()

	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
