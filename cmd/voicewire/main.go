// Package main is the entry point for the voicewire bridge.
//
// Usage:
//
//	voicewire [flags] <command>
//
// Commands:
//
//	run      - Run the bridge (control plane + media + AI)
//	status   - Show the status of a running bridge
//	version  - Show version information
package main

import (
	"fmt"
	"os"

	"github.com/voicewire/voicewire/cmd/voicewire/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
