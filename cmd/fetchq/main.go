// Package main is the entry point for the fetchq service.
package main

import (
	"os"

	"github.com/fetchq/fetchq/cmd/fetchq/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
