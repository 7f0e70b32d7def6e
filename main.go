package main

import (
	"github.com/webpilot-dev/webpilot/cmd"
)

// main is the entry point for the WebPilot application. Execute handles
// command-line parsing, configuration, and signal-aware execution.
func main() {
	cmd.Execute()
}
