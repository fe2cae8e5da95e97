// Package main implements the shipwright CLI: it drives an idea through
// the full phase pipeline against a target git repository.
package main

import (
	"errors"
	"os"
)

func main() {
	err := rootCmd.Execute()
	switch {
	case err == nil:
	case errors.Is(err, errRunBlocked):
		os.Exit(2)
	default:
		os.Exit(1)
	}
}
