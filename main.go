// Package main is the entry point for the arnet transport tool.
package main

import (
	"fmt"
	"os"

	"firestige.xyz/arnet/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
