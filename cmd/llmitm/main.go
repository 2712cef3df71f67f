package main

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"
)

func main() {
	// Panic recovery so an unexpected crash still prints something usable.
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "Fatal error: %v\n", r)
			if debugMode() {
				fmt.Fprintf(os.Stderr, "Stack trace:\n%s\n", debug.Stack())
			} else {
				fmt.Fprintln(os.Stderr, "Run with --debug for stack trace")
			}
			os.Exit(1)
		}
	}()

	ctx := context.Background()

	// Execute handles signal notification internally via signal.NotifyContext.
	if err := Execute(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
