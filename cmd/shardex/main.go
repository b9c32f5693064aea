// Package main provides the entry point for the shardex CLI.
package main

import (
	"os"

	"github.com/Aman-CERP/shardex/cmd/shardex/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
