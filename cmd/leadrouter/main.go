package main

import (
	"fmt"
	"os"

	"lead-router/cmd/leadrouter/commands"
)

var version = "dev"

func main() {
	commands.SetVersion(version)

	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
