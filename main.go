// Package main is the entry point for the mcdpid adaptive DPI pipeline runtime.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/mcdpi/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
