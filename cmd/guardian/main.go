package main

import (
	"os"

	"github.com/rustyeddy/guardian/cmd/guardian/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
