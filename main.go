package main

import (
	"os"

	"github.com/openly/messenger/internal/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
