// Package main provides the entry point for the knowpipe CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/knowpipe/cmd/knowpipe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
