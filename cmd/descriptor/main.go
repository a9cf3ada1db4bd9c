// Package main is the descriptor tool. It creates transfer descriptors
// from local files and prints the contents of existing ones.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
