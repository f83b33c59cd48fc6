package main

import (
	"fmt"
	"os"

	"github.com/altan/realtime/cmd/realtime/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
