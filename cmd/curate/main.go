package main

import (
	"os"

	"github.com/curate-ml/curate/internal/cli/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
