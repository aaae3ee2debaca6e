// Package main is the entry point for the yardcore CLI.
package main

import (
	"os"

	"github.com/yardcore/yardcore/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
