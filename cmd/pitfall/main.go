// Package main provides the pitfall CLI for finding recurring opening
// mistakes in a player's games.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
