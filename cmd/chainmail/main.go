package main

import (
	"os"

	"github.com/chainmail-im/chainmail/cmd/chainmail/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
