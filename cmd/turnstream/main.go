// Package main provides the entry point for the turnstream CLI.
package main

import (
	"fmt"
	"os"

	"github.com/opencode-ai/turnstream/cmd/turnstream/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
