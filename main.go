package main

import (
	"os"

	"github.com/dopejs/tally/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
