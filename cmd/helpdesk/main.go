package main

import (
	"os"

	"github.com/deepyad/helpdesk/cmd/helpdesk/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
