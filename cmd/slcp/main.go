package main

import (
	"fmt"
	"os"

	"github.com/RobinSp5/BSRN-Chat-tool/cmd/slcp/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
