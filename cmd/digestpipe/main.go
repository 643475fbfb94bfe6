package main

import (
	"os"

	"github.com/ppiankov/digestpipe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
