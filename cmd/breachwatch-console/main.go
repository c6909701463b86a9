// Package main is the entry point for the breachwatch operator console.
package main

import (
	"flag"
	"fmt"
	"os"

	"breachwatch/internal/tui"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of the breachwatch daemon")
	flag.Parse()

	if err := tui.Run(*addr); err != nil {
		fmt.Fprintf(os.Stderr, "console error: %v\n", err)
		os.Exit(1)
	}
}
