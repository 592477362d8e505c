// Package main is the entry point for the blazecatch server and CLI.
package main

import (
	"os"

	"github.com/good-yellow-bee/blazecatch/cmd/blazecatch/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
