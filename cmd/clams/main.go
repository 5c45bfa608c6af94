// Package main provides the entry point for the clams CLI.
package main

import (
	"os"

	"github.com/emmilco/clams-sub000/cmd/clams/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
