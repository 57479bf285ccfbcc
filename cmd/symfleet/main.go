// Package main provides the symfleet CLI: a distribution driver that
// splits exhaustive symbolic exploration of a program across a fleet of
// nodes and stops the whole fleet on the first reportable event.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
