// Package main is the entry point for the jelly-j CLI: the same binary runs
// the UI client, the background daemon, and the doctor diagnostics.
package main

import (
	"os"

	"github.com/jellyj/jelly-j/cmd/jelly-j/app"
)

func main() {
	if err := app.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
