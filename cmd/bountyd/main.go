package main

import (
	"os"

	"github.com/bountyhub/bountyd/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
