package main

import (
	"os"

	"bughunter/cmd/bughunter/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
